// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/kestrelirc/kestrel/irc/logger"
)

// here's how this works: exported (capitalized) members of the config structs
// are defined in the YAML file and deserialized directly from there. They may
// be postprocessed and overwritten by LoadConfig. Unexported (lowercase)
// members are derived from the exported members in LoadConfig.

// ProxyType selects how a connection is tunneled to the server.
type ProxyType string

const (
	ProxyNone   ProxyType = ""
	ProxyHTTP   ProxyType = "http"
	ProxySocks5 ProxyType = "socks5"
	ProxyTor    ProxyType = "tor"
)

// the conventional local endpoint of the Tor SOCKS interface
const defaultTorAddress = "127.0.0.1:9050"

// ProxyConfig defines an optional proxy hop between us and the server.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     uint16
	Username string
	Password string
}

// Address returns the dialable host:port of the proxy endpoint.
func (pc *ProxyConfig) Address() string {
	if pc.Type == ProxyTor && pc.Host == "" {
		return defaultTorAddress
	}
	return net.JoinHostPort(pc.Host, fmt.Sprintf("%d", pc.Port))
}

// SASLConfig defines an authentication identity presented during registration.
type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

// DCCConfig defines how file transfers are negotiated and bounded.
type DCCConfig struct {
	// Passive controls the form of SEND offers we emit: when true we open
	// the data listener ourselves and the other party connects out to us.
	Passive       bool
	BindAddress   string `yaml:"bind-address"`
	PortRangeLow  uint16 `yaml:"port-range-low"`
	PortRangeHigh uint16 `yaml:"port-range-high"`
	// Timeout bounds how long a transfer may sit waiting for the other
	// party, both before acceptance and before the data connection opens.
	Timeout        time.Duration
	MaxConcurrent  int    `yaml:"max-concurrent"`
	MaxFileSizeRaw string `yaml:"max-file-size"`
	// DownloadDir, when set, accepts inbound offers automatically and
	// stores them there; otherwise offers wait for an explicit decision.
	DownloadDir string `yaml:"download-dir"`

	maxFileSize uint64
}

// MaxFileSize is the parsed form of MaxFileSizeRaw; 0 means unlimited.
func (dc *DCCConfig) MaxFileSize() uint64 {
	return dc.maxFileSize
}

// ConnectionConfig defines a single server to connect to.
type ConnectionConfig struct {
	Server string
	Port   uint16
	TLS    bool
	// AcceptInvalidCerts skips certificate chain and hostname validation.
	// The channel is still encrypted, but its peer is unauthenticated; the
	// session surfaces this mode as a warning event, never silently.
	AcceptInvalidCerts bool `yaml:"accept-invalid-certs"`
	// Websocket dials ws:// or wss:// (per TLS) instead of a raw stream.
	Websocket bool
	Proxy     *ProxyConfig

	Nick     string
	Fallback string `yaml:"fallback-nick"`
	Username string
	Realname string
	Password string
	SASL     SASLConfig

	ConnectTimeout      time.Duration `yaml:"connect-timeout"`
	RegistrationTimeout time.Duration `yaml:"registration-timeout"`
	KeepAlivePeriod     time.Duration `yaml:"keepalive"`

	DCC DCCConfig
}

// Name returns the label used to identify this server in events and logs.
func (cc *ConnectionConfig) Name() string {
	return cc.Server
}

// Addr returns the dialable host:port of the IRC server itself.
func (cc *ConnectionConfig) Addr() string {
	return net.JoinHostPort(cc.Server, fmt.Sprintf("%d", cc.Port))
}

// Config is the root of the client configuration file.
type Config struct {
	Servers map[string]ConnectionConfig

	Logging []logger.LoggingConfig

	Filename string `yaml:"-"`
}

const (
	defaultConnectTimeout      = 30 * time.Second
	defaultRegistrationTimeout = 60 * time.Second
	defaultKeepAlivePeriod     = 4 * time.Minute
	defaultTransferTimeout     = 2 * time.Minute
	defaultMaxConcurrent       = 8
)

// LoadRawConfig reads the config file into structs without denormalization.
func LoadRawConfig(filename string) (config *Config, err error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	config.Filename = filename
	return config, nil
}

// LoadConfig reads and validates the config file.
func LoadConfig(filename string) (config *Config, err error) {
	config, err = LoadRawConfig(filename)
	if err != nil {
		return nil, err
	}

	if len(config.Servers) == 0 {
		return nil, fmt.Errorf("no servers configured in %s", filename)
	}

	for name, server := range config.Servers {
		if server.Server == "" {
			server.Server = name
		}
		if server.Port == 0 {
			if server.TLS {
				server.Port = 6697
			} else {
				server.Port = 6667
			}
		}
		if server.Nick == "" {
			return nil, fmt.Errorf("server %s has no nick configured", name)
		}
		if server.Username == "" {
			server.Username = server.Nick
		}
		if server.Realname == "" {
			server.Realname = server.Nick
		}
		if server.SASL.Enabled && server.SASL.Mechanism == "" {
			server.SASL.Mechanism = "PLAIN"
		}
		if server.SASL.Enabled {
			server.SASL.Mechanism = strings.ToUpper(server.SASL.Mechanism)
			switch server.SASL.Mechanism {
			case "PLAIN", "EXTERNAL", "SCRAM-SHA-256":
			default:
				return nil, fmt.Errorf("server %s: unsupported SASL mechanism %s", name, server.SASL.Mechanism)
			}
		}
		if server.Proxy != nil {
			switch server.Proxy.Type {
			case ProxyHTTP, ProxySocks5, ProxyTor:
			default:
				return nil, fmt.Errorf("server %s: unsupported proxy type %s", name, server.Proxy.Type)
			}
		}

		if server.ConnectTimeout == 0 {
			server.ConnectTimeout = defaultConnectTimeout
		}
		if server.RegistrationTimeout == 0 {
			server.RegistrationTimeout = defaultRegistrationTimeout
		}
		if server.KeepAlivePeriod == 0 {
			server.KeepAlivePeriod = defaultKeepAlivePeriod
		}

		if server.DCC.Timeout == 0 {
			server.DCC.Timeout = defaultTransferTimeout
		}
		if server.DCC.MaxConcurrent == 0 {
			server.DCC.MaxConcurrent = defaultMaxConcurrent
		}
		if server.DCC.PortRangeHigh < server.DCC.PortRangeLow {
			return nil, fmt.Errorf("server %s: invalid DCC port range", name)
		}
		if server.DCC.MaxFileSizeRaw != "" {
			maxFileSize, err := bytefmt.ToBytes(server.DCC.MaxFileSizeRaw)
			if err != nil {
				return nil, fmt.Errorf("Could not parse DCC max-file-size (make sure it only contains whole numbers): %s", err.Error())
			}
			server.DCC.maxFileSize = maxFileSize
		}

		config.Servers[name] = server
	}

	// process the logging configs the same way the logger package expects
	for i, logConfig := range config.Logging {
		methods := make(map[string]bool)
		for _, method := range strings.Split(logConfig.Method, " ") {
			if len(method) > 0 {
				methods[strings.ToLower(method)] = true
			}
		}
		if methods["file"] && logConfig.Filename == "" {
			return nil, fmt.Errorf("logging config %d: file logging requires a filename", i)
		}
		config.Logging[i].MethodStdout = methods["stdout"]
		config.Logging[i].MethodStderr = methods["stderr"]
		config.Logging[i].MethodFile = methods["file"]

		level, ok := logger.LogLevelNames[strings.ToLower(logConfig.LevelString)]
		if !ok {
			return nil, fmt.Errorf("logging config %d: unknown log level %s", i, logConfig.LevelString)
		}
		config.Logging[i].Level = level

		for _, typeStr := range strings.Split(logConfig.TypeString, " ") {
			if len(typeStr) == 0 {
				continue
			}
			if strings.HasPrefix(typeStr, "-") {
				config.Logging[i].ExcludedTypes = append(config.Logging[i].ExcludedTypes, strings.TrimPrefix(typeStr, "-"))
			} else {
				config.Logging[i].Types = append(config.Logging[i].Types, typeStr)
			}
		}
		if len(config.Logging[i].Types) == 0 {
			config.Logging[i].Types = []string{"*"}
		}
	}

	return config, nil
}
