// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelirc/kestrel/irc/caps"
	"github.com/kestrelirc/kestrel/irc/ircmsg"
)

// serverTimeFormat is the timestamp layout of the server-time tag.
const serverTimeFormat = "2006-01-02T15:04:05.000Z"

// handleMessage dispatches one inbound message. A non-nil return tears the
// connection down; recoverable problems become ErrorEvents instead.
func (session *Session) handleMessage(msg ircmsg.Message) error {
	switch msg.Command {
	case "PING":
		reply := ircmsg.MakeMessage("", "PONG", msg.Params...)
		reply.ForceTrailing()
		return session.Send(reply)
	case "PONG":
		// already counted as activity by the read loop
		return nil
	case "ERROR":
		return fmt.Errorf("server closed connection: %s", lastParam(msg))
	case "CAP":
		return session.handleCap(msg)
	case "AUTHENTICATE":
		return session.handleAuthenticate(msg)
	case "NICK":
		session.handleNick(msg)
		return nil
	case "PRIVMSG":
		return session.handlePrivmsg(msg)
	case "NOTICE":
		session.forward(msg)
		return nil
	case RPL_WELCOME:
		session.handleWelcome(msg)
		return nil
	case RPL_ISUPPORT:
		session.handleISupport(msg)
		return nil
	case ERR_ERRONEUSNICK, ERR_NICKNAMEINUSE, ERR_NICKCOLLISION:
		return session.handleNickRejected(msg)
	case ERR_PASSWDMISMATCH, ERR_YOUREBANNEDCREEP:
		if !session.registered {
			session.regErr = errRegistrationFailed
			return fmt.Errorf("registration rejected: %s", lastParam(msg))
		}
		session.forward(msg)
		return nil
	case RPL_SASLSUCCESS:
		session.logger.Info("sasl", session.config.Name(), "authentication succeeded")
		return session.Send(ircmsg.MakeMessage("", "CAP", "END"))
	case ERR_NICKLOCKED, ERR_SASLFAIL, ERR_SASLTOOLONG, ERR_SASLABORTED:
		session.regErr = errSaslFail
		return fmt.Errorf("%w: %s", errSaslFail, lastParam(msg))
	case RPL_LOGGEDIN, RPL_LOGGEDOUT, ERR_SASLALREADY, RPL_SASLMECHS:
		session.forward(msg)
		return nil
	default:
		session.forward(msg)
		return nil
	}
}

func lastParam(msg ircmsg.Message) string {
	if len(msg.Params) == 0 {
		return ""
	}
	return msg.Params[len(msg.Params)-1]
}

// forward hands a message to the application, resolving its timestamp
// from the server-time tag when the server supplied one.
func (session *Session) forward(msg ircmsg.Message) {
	at := time.Now().UTC()
	if present, value := msg.GetTag("time"); present {
		if parsed, err := time.Parse(serverTimeFormat, value); err == nil {
			at = parsed
		}
	}
	session.emit(MessageEvent{Server: session.config.Name(), Message: msg, Time: at})
}

func (session *Session) handleWelcome(msg ircmsg.Message) {
	nick := session.config.Nick
	if len(msg.Params) > 0 {
		nick = msg.Params[0]
	}
	session.stateMutex.Lock()
	session.currentNick = nick
	session.state = Ready
	session.stateMutex.Unlock()
	session.registered = true
	session.logger.Info("session", session.config.Name(), "registered as", nick)
	session.emit(ConnectedEvent{Server: session.config.Name(), Nick: nick})
}

func (session *Session) handleISupport(msg ircmsg.Message) {
	// params are <nick> <token>... :are supported by this server
	if len(msg.Params) < 3 {
		return
	}
	session.stateMutex.Lock()
	session.isupport.Parse(msg.Params[1 : len(msg.Params)-1])
	session.stateMutex.Unlock()
	session.forward(msg)
}

func (session *Session) handleNick(msg ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	table := session.ISupport()
	old := Casefold(table.CaseMapping, msg.Nick())
	ours := Casefold(table.CaseMapping, session.CurrentNick())
	if old != "" && old == ours {
		session.stateMutex.Lock()
		session.currentNick = msg.Params[0]
		session.stateMutex.Unlock()
	}
	session.forward(msg)
}

// handleNickRejected advances through fallback nicknames during
// registration; outside registration the rejection is the application's
// problem.
func (session *Session) handleNickRejected(msg ircmsg.Message) error {
	if session.registered {
		session.forward(msg)
		return nil
	}
	session.nickAttempts++
	if session.nickAttempts > maxNickAttempts {
		session.regErr = errNickExhausted
		return errNickExhausted
	}
	next := fallbackNick(session.config, session.nickAttempts)
	session.logger.Info("session", session.config.Name(), "nick rejected, trying", next)
	return session.Send(ircmsg.MakeMessage("", "NICK", next))
}

func (session *Session) handleCap(msg ircmsg.Message) error {
	if len(msg.Params) < 2 {
		return nil
	}
	subCommand := strings.ToUpper(msg.Params[1])
	values := strings.Fields(lastParam(msg))

	switch subCommand {
	case "LS":
		for _, token := range values {
			name, value, _ := strings.Cut(token, "=")
			session.capsLS[name] = value
		}
		// a "*" before the list means more LS lines follow
		if len(msg.Params) >= 4 && msg.Params[2] == "*" {
			return nil
		}
		return session.requestCaps()
	case "ACK":
		for _, name := range values {
			session.capsEnabled.Enable(caps.Capability(name))
		}
		if !session.registered && session.capsEnabled.Has(caps.SASL) && session.config.SASL.Mechanism != "" {
			return session.beginSASL()
		}
		if !session.registered {
			return session.Send(ircmsg.MakeMessage("", "CAP", "END"))
		}
		return nil
	case "NAK":
		if !session.registered {
			return session.Send(ircmsg.MakeMessage("", "CAP", "END"))
		}
		return nil
	case "NEW":
		var req []string
		for _, token := range values {
			name, value, _ := strings.Cut(token, "=")
			session.capsLS[name] = value
			if caps.IsSupported(name) && name != caps.SASL.Name() {
				req = append(req, name)
			}
		}
		if len(req) != 0 {
			return session.Send(ircmsg.MakeMessage("", "CAP", "REQ", strings.Join(req, " ")))
		}
		return nil
	case "DEL":
		for _, name := range values {
			delete(session.capsLS, name)
			session.capsEnabled.Disable(caps.Capability(name))
		}
		return nil
	default:
		return nil
	}
}

// requestCaps asks for the intersection of what the server offers and what
// we implement. sasl is only requested when credentials are configured.
func (session *Session) requestCaps() error {
	var req []string
	for _, capab := range caps.Supported {
		name := capab.Name()
		if _, offered := session.capsLS[name]; !offered {
			continue
		}
		if capab == caps.SASL && session.config.SASL.Mechanism == "" {
			continue
		}
		req = append(req, name)
	}
	if len(req) == 0 {
		return session.Send(ircmsg.MakeMessage("", "CAP", "END"))
	}
	return session.Send(ircmsg.MakeMessage("", "CAP", "REQ", strings.Join(req, " ")))
}

func (session *Session) beginSASL() error {
	// the sasl cap value, when present, lists the server's mechanisms
	if advertised := session.capsLS[caps.SASL.Name()]; advertised != "" {
		found := false
		for _, mech := range strings.Split(advertised, ",") {
			if mech == session.config.SASL.Mechanism {
				found = true
				break
			}
		}
		if !found {
			session.regErr = errSaslFail
			return fmt.Errorf("%w: server does not support %s", errSaslFail, session.config.SASL.Mechanism)
		}
	}

	mech, err := newSASLMechanism(session.config.SASL)
	if err != nil {
		session.regErr = errSaslFail
		return err
	}
	session.saslMech = mech
	session.saslStarted = false
	session.saslBuf.Clear()
	return session.Send(ircmsg.MakeMessage("", "AUTHENTICATE", mech.Name()))
}

func (session *Session) handleAuthenticate(msg ircmsg.Message) error {
	if session.saslMech == nil {
		return nil
	}
	if len(msg.Params) == 0 {
		return nil
	}

	done, challenge, err := session.saslBuf.Add(msg.Params[0])
	if err != nil {
		session.regErr = errSaslFail
		return fmt.Errorf("%w: %v", errSaslFail, err)
	}
	if !done {
		return nil
	}

	var response []byte
	if !session.saslStarted {
		session.saslStarted = true
		response, err = session.saslMech.Start()
	} else {
		response, _, err = session.saslMech.Step(challenge)
	}
	if err != nil {
		session.regErr = errSaslFail
		// tell the server we are bailing out
		session.Send(ircmsg.MakeMessage("", "AUTHENTICATE", "*"))
		return fmt.Errorf("%w: %v", errSaslFail, err)
	}

	for _, chunk := range EncodeSASLResponse(response) {
		if err := session.Send(ircmsg.MakeMessage("", "AUTHENTICATE", chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (session *Session) handlePrivmsg(msg ircmsg.Message) error {
	if len(msg.Params) < 2 || !strings.HasPrefix(msg.Params[1], "\x01") {
		session.forward(msg)
		return nil
	}

	command, args := parseCTCP(msg.Params[1])
	nick := msg.Nick()

	switch command {
	case "DCC":
		if err := session.dcc.handleCTCP(nick, args); err != nil {
			session.emit(ErrorEvent{Server: session.config.Name(), Kind: "dcc", Cause: err.Error()})
			session.logger.Warning("dcc", session.config.Name(), err.Error())
		}
	case "VERSION":
		session.sendCTCPReply(nick, "VERSION "+Ver)
	case "PING":
		session.sendCTCPReply(nick, "PING "+args)
	default:
		session.forward(msg)
	}
	return nil
}

// parseCTCP splits a \x01-delimited payload into its uppercased command
// and remaining argument string.
func parseCTCP(text string) (command, args string) {
	text = strings.TrimPrefix(text, "\x01")
	text = strings.TrimSuffix(text, "\x01")
	command, args, _ = strings.Cut(text, " ")
	return strings.ToUpper(command), args
}
