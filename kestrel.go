// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/term"

	"code.cloudfoundry.org/bytefmt"
	"github.com/docopt/docopt-go"
	"github.com/kestrelirc/kestrel/irc"
	"github.com/kestrelirc/kestrel/irc/logger"
)

// set via linker flags, either by make or by goreleaser:
var commit = ""  // git hash
var version = "" // tagged version

// get a password from stdin from the user
func getPasswordFromTerminal() string {
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		log.Fatal("Error reading password:", err.Error())
	}
	return string(bytePassword)
}

// promptMissingPasswords fills in SASL passwords that were deliberately
// left out of the config file, so credentials never have to live on disk.
func promptMissingPasswords(config *irc.Config) {
	for name, server := range config.Servers {
		if server.SASL.Mechanism == "" || server.SASL.Mechanism == "EXTERNAL" || server.SASL.Password != "" {
			continue
		}
		if !term.IsTerminal(int(syscall.Stdin)) {
			log.Fatalf("no SASL password for %s and stdin is not a terminal", name)
		}
		fmt.Printf("SASL password for %s: ", name)
		server.SASL.Password = getPasswordFromTerminal()
		fmt.Print("\n")
		config.Servers[name] = server
	}
}

func describeEvent(logman *logger.Manager, event irc.Event) {
	switch ev := event.(type) {
	case irc.ConnectedEvent:
		logman.Info("session", ev.Server, "connected as", ev.Nick)
	case irc.DisconnectedEvent:
		if ev.Final {
			logman.Info("session", ev.Server, "disconnected:", ev.Cause)
		} else {
			logman.Warning("session", ev.Server, "connection lost:", ev.Cause)
		}
	case irc.ReconnectingEvent:
		logman.Info("reconnect", ev.Server, fmt.Sprintf("attempt %d in %s", ev.Attempt, ev.Delay))
	case irc.InsecureConnectionEvent:
		logman.Warning("session", ev.Server, "TLS certificate verification is DISABLED for this connection")
	case irc.MessageEvent:
		if line, err := ev.Message.Line(); err == nil {
			logman.Debug("message", ev.Server, line)
		}
	case irc.ErrorEvent:
		logman.Warning(ev.Kind, ev.Server, ev.Cause)
	case irc.TransferEvent:
		logman.Info("transfer", ev.Server, fmt.Sprintf("#%d %s %s: %s (%s of %s)",
			ev.Transfer.ID, ev.Transfer.Direction, ev.Transfer.Filename, ev.Transfer.Status,
			bytefmt.ByteSize(ev.Transfer.Transferred), bytefmt.ByteSize(ev.Transfer.Size)))
	case irc.ReceiveRequestEvent:
		logman.Info("transfer", ev.Server, fmt.Sprintf("#%d offer from %s: %s (%d bytes)",
			ev.ID, ev.From, ev.Filename, ev.Size))
	}
}

// serveEvents drains one session's event stream, auto-accepting inbound
// file offers when the server has a download-dir configured.
func serveEvents(session *irc.Session, server irc.ConnectionConfig, logman *logger.Manager, wg *sync.WaitGroup) {
	defer wg.Done()
	for event := range session.Events() {
		describeEvent(logman, event)

		switch ev := event.(type) {
		case irc.ReceiveRequestEvent:
			if dir := server.DCC.DownloadDir; dir != "" {
				dest := filepath.Join(dir, filepath.Base(ev.Filename))
				if err := session.DCC().Accept(ev.ID, dest); err != nil {
					logman.Warning("transfer", ev.Server, "accept failed:", err.Error())
				}
			} else {
				// no download-dir: leave the offer pending until the
				// transfer timeout expires it
				logman.Info("transfer", ev.Server, "offer left pending (no download-dir configured)")
			}
		case irc.DisconnectedEvent:
			if ev.Final {
				return
			}
		}
	}
}

func main() {
	irc.SetVersionString(version, commit)
	usage := `kestrel.
Usage:
	kestrel checkconf [--conf <filename>]
	kestrel run [--conf <filename>] [--quiet]
	kestrel -h | --help
	kestrel --version
Options:
	--conf <filename>  Configuration file to use [default: kestrel.yaml].
	--quiet            Don't show startup/shutdown lines.
	-h --help          Show this screen.
	--version          Show version.`

	arguments, _ := docopt.ParseArgs(usage, nil, irc.Ver)

	configfile := arguments["--conf"].(string)
	config, err := irc.LoadConfig(configfile)
	if err != nil {
		log.Fatal("Config file did not load successfully: ", err.Error())
	}

	if arguments["checkconf"].(bool) {
		fmt.Printf("%s: configuration OK (%d servers)\n", configfile, len(config.Servers))
		return
	}

	logman, err := logger.NewManager(config.Logging)
	if err != nil {
		log.Fatal("Logger did not load successfully:", err.Error())
	}

	if !arguments["--quiet"].(bool) {
		logman.Info("kestrel", fmt.Sprintf("%s starting", irc.Ver))
	}

	promptMissingPasswords(config)

	var wg sync.WaitGroup
	sessions := make([]*irc.Session, 0, len(config.Servers))
	for _, server := range config.Servers {
		session := irc.NewSession(server, logman)
		if err := session.Connect(); err != nil {
			logman.Error("session", server.Name(), err.Error())
			continue
		}
		sessions = append(sessions, session)
		wg.Add(1)
		go serveEvents(session, server, logman, &wg)
	}
	if len(sessions) == 0 {
		log.Fatal("no servers could be started")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if !arguments["--quiet"].(bool) {
		logman.Info("kestrel", "shutting down")
	}
	for _, session := range sessions {
		session.Disconnect()
	}
	wg.Wait()
}
