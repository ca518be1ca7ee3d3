// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelirc/kestrel/irc/caps"
	"github.com/kestrelirc/kestrel/irc/ircmsg"
	"github.com/kestrelirc/kestrel/irc/isupport"
	"github.com/kestrelirc/kestrel/irc/logger"
	"github.com/kestrelirc/kestrel/irc/utils"
)

// SessionState is the lifecycle phase of a Session.
type SessionState uint

const (
	// Disconnected: no connection, and none will be attempted.
	Disconnected SessionState = iota
	// Connecting: transport dial in progress.
	Connecting
	// Registering: transport up, protocol handshake in progress.
	Registering
	// Ready: registration complete, normal message flow.
	Ready
	// Reconnecting: waiting out a backoff delay before redialing.
	Reconnecting
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	// backoff schedule for reconnection attempts
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = time.Minute
	// a connection that stayed Ready this long resets the backoff
	reconnectStablePeriod = time.Minute

	// how many times we append to the nickname before giving up
	maxNickAttempts = 9

	eventQueueLen = 64
)

// Session is one logical connection to a server: it owns the transport,
// performs registration, dispatches inbound messages, and transparently
// reconnects with exponential backoff until Disconnect is called.
type Session struct {
	config ConnectionConfig
	logger *logger.Manager

	events chan Event

	stateMutex  sync.RWMutex // tier 1
	state       SessionState
	currentNick string
	socket      *Socket
	conn        IRCConn
	isupport    *isupport.Table

	dcc *Manager

	quitOnce sync.Once
	quit     chan struct{} // closed by Disconnect

	// registration state, touched only by the session goroutine
	capsEnabled  *caps.Set
	capsLS       map[string]string
	saslMech     saslMechanism
	saslStarted  bool
	saslBuf      saslBuffer
	nickAttempts int
	registered   bool
	regErr       error

	// lastActivity is the Unix-nano receipt time of the last inbound data,
	// written by the read loop and read by the keepalive goroutine.
	lastActivity atomic.Int64
}

// NewSession prepares a session for the given server. It does not connect;
// call Connect to start the lifecycle.
func NewSession(config ConnectionConfig, log *logger.Manager) *Session {
	session := &Session{
		config: config,
		logger: log,
		events: make(chan Event, eventQueueLen),
		state:  Disconnected,
		quit:   make(chan struct{}),
	}
	session.dcc = NewManager(session, config.DCC)
	return session
}

// Events returns the channel on which the session reports lifecycle
// transitions, inbound messages, and transfer updates. The application
// must drain it; events are dropped (and the drop logged) when the queue
// stays full.
func (session *Session) Events() <-chan Event {
	return session.events
}

// State returns the current lifecycle phase.
func (session *Session) State() SessionState {
	session.stateMutex.RLock()
	defer session.stateMutex.RUnlock()
	return session.state
}

// CurrentNick returns the nickname the server knows us by, or the
// configured nick before registration completes.
func (session *Session) CurrentNick() string {
	session.stateMutex.RLock()
	defer session.stateMutex.RUnlock()
	if session.currentNick != "" {
		return session.currentNick
	}
	return session.config.Nick
}

// ISupport returns the feature table advertised by the server, or nil
// before the first connection.
func (session *Session) ISupport() *isupport.Table {
	session.stateMutex.RLock()
	defer session.stateMutex.RUnlock()
	return session.isupport
}

// DCC returns the session's file-transfer manager.
func (session *Session) DCC() *Manager {
	return session.dcc
}

func (session *Session) setState(state SessionState) {
	session.stateMutex.Lock()
	session.state = state
	session.stateMutex.Unlock()
}

// emit never blocks the session goroutine: a consumer that stops draining
// loses events rather than wedging the read loop.
func (session *Session) emit(event Event) {
	select {
	case session.events <- event:
	default:
		session.logger.Warning("session", session.config.Name(), "event queue full, dropping event")
	}
}

// Connect starts the session lifecycle in a background goroutine. It is an
// error to call Connect twice, or after Disconnect.
func (session *Session) Connect() error {
	session.stateMutex.Lock()
	defer session.stateMutex.Unlock()
	select {
	case <-session.quit:
		return errSessionClosed
	default:
	}
	if session.state != Disconnected {
		return fmt.Errorf("session already started")
	}
	session.state = Connecting
	go session.run()
	return nil
}

// Disconnect permanently shuts the session down: any live connection is
// closed, pending transfers are cancelled, and no reconnection occurs.
// It is idempotent.
func (session *Session) Disconnect() {
	session.quitWith("closing")
}

// Quit is Disconnect with a QUIT reason shown to the network.
func (session *Session) Quit(reason string) {
	if reason == "" {
		reason = "closing"
	}
	session.quitWith(reason)
}

func (session *Session) quitWith(reason string) {
	session.quitOnce.Do(func() {
		close(session.quit)
		session.stateMutex.RLock()
		socket := session.socket
		session.stateMutex.RUnlock()
		if socket != nil {
			quitMsg := ircmsg.MakeMessage("", "QUIT", reason)
			if line, err := quitMsg.LineBytes(); err == nil {
				socket.Write(line)
			}
			socket.Close()
		}
	})
}

func (session *Session) touchActivity() {
	session.lastActivity.Store(time.Now().UnixNano())
}

func (session *Session) activityTime() time.Time {
	return time.Unix(0, session.lastActivity.Load())
}

func (session *Session) userQuit() bool {
	select {
	case <-session.quit:
		return true
	default:
		return false
	}
}

// run is the session goroutine: connect, serve, decide whether to retry.
func (session *Session) run() {
	delay := reconnectInitialDelay
	attempt := 0

	for {
		readyAt, cause := session.runOnce()

		session.dcc.CancelAll("connection lost")

		if session.userQuit() {
			session.setState(Disconnected)
			session.emit(DisconnectedEvent{Server: session.config.Name(), Cause: cause, Final: true})
			return
		}
		if session.regErr != nil && !isRetryable(session.regErr) {
			session.setState(Disconnected)
			session.emit(DisconnectedEvent{Server: session.config.Name(), Cause: session.regErr.Error(), Final: true})
			return
		}

		if !readyAt.IsZero() && time.Since(readyAt) >= reconnectStablePeriod {
			delay = reconnectInitialDelay
			attempt = 0
		}

		attempt++
		session.setState(Reconnecting)
		session.emit(DisconnectedEvent{Server: session.config.Name(), Cause: cause, Final: false})
		session.emit(ReconnectingEvent{Server: session.config.Name(), Attempt: attempt, Delay: delay})
		session.logger.Info("reconnect", session.config.Name(), "waiting", delay.String(), "attempt", fmt.Sprintf("%d", attempt))

		select {
		case <-time.After(delay):
		case <-session.quit:
			session.setState(Disconnected)
			session.emit(DisconnectedEvent{Server: session.config.Name(), Cause: "user disconnect", Final: true})
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		session.setState(Connecting)
	}
}

// runOnce performs a single connection attempt and serves it to
// completion. It returns the time registration succeeded (zero if it never
// did) and a human-readable cause for the disconnection.
func (session *Session) runOnce() (readyAt time.Time, cause string) {
	session.resetRegistration()

	conn, err := session.dialWithTimeout()
	if err != nil {
		session.logger.Warning("connect", session.config.Name(), err.Error())
		return time.Time{}, err.Error()
	}

	if session.config.TLS && session.config.AcceptInvalidCerts {
		session.emit(InsecureConnectionEvent{Server: session.config.Name()})
	}

	socket := NewSocket(conn)
	table := isupport.NewTable()

	session.stateMutex.Lock()
	session.socket = socket
	session.conn = conn
	session.isupport = table
	session.state = Registering
	session.currentNick = ""
	session.stateMutex.Unlock()

	defer func() {
		socket.Close()
		conn.Close()
		session.stateMutex.Lock()
		session.socket = nil
		session.conn = nil
		session.stateMutex.Unlock()
	}()

	session.sendRegistration()

	regTimer := time.AfterFunc(session.config.RegistrationTimeout, func() {
		socket.Close()
		conn.Close()
	})
	stopKeepalive := session.startKeepalive(conn)
	defer stopKeepalive()

	session.touchActivity()

	for {
		result, err := conn.ReadMessage()
		if err != nil {
			regTimer.Stop()
			if werr := socket.WriteError(); werr != nil {
				err = werr
			}
			if !session.registered && session.regErr == nil {
				session.regErr = errRegistrationTimeout
			}
			return readyAt, disconnectCause(err, session.regErr, session.registered)
		}
		session.touchActivity()

		if result.Err != nil {
			// one bad line does not poison the stream
			session.emit(ErrorEvent{Server: session.config.Name(), Kind: "protocol", Cause: result.Err.Error()})
			session.logger.Debug("protocol", session.config.Name(), "malformed line", string(result.Line))
			continue
		}

		if err := session.handleMessage(result.Message); err != nil {
			regTimer.Stop()
			return readyAt, err.Error()
		}

		if session.registered && readyAt.IsZero() {
			readyAt = time.Now()
			regTimer.Stop()
		}
	}
}

func (session *Session) dialWithTimeout() (IRCConn, error) {
	type dialResult struct {
		conn IRCConn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := connectTransport(&session.config)
		ch <- dialResult{conn, err}
	}()
	select {
	case result := <-ch:
		return result.conn, result.err
	case <-session.quit:
		go func() {
			if result := <-ch; result.err == nil {
				result.conn.Close()
			}
		}()
		return nil, errSessionClosed
	}
}

func (session *Session) resetRegistration() {
	session.capsEnabled = caps.NewSet()
	session.capsLS = make(map[string]string)
	session.saslMech = nil
	session.saslStarted = false
	session.saslBuf.Clear()
	session.nickAttempts = 0
	session.registered = false
	session.regErr = nil
}

func (session *Session) sendRegistration() {
	session.Send(ircmsg.MakeMessage("", "CAP", "LS", "302"))
	if session.config.Password != "" {
		session.Send(ircmsg.MakeMessage("", "PASS", session.config.Password))
	}
	session.Send(ircmsg.MakeMessage("", "NICK", session.config.Nick))
	username := session.config.Username
	if username == "" {
		username = session.config.Nick
	}
	realname := session.config.Realname
	if realname == "" {
		realname = session.config.Nick
	}
	session.Send(ircmsg.MakeMessage("", "USER", username, "0", "*", realname))
}

// startKeepalive pings periodically and severs the connection when the
// server has been silent for two full periods. The returned stop function
// ends the goroutine; a stopped ticker never closes its channel, so the
// goroutine must select on done rather than range over ticks.
func (session *Session) startKeepalive(conn IRCConn) (stop func()) {
	period := session.config.KeepAlivePeriod
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
			case <-done:
				return
			}
			if time.Since(session.activityTime()) > 2*period {
				session.logger.Warning("keepalive", session.config.Name(), "server silent, closing")
				conn.Close()
				return
			}
			session.Send(ircmsg.MakeMessage("", "PING", fmt.Sprintf("%d", time.Now().Unix())))
		}
	}()
	var once sync.Once
	return func() {
		ticker.Stop()
		once.Do(func() { close(done) })
	}
}

// Send serializes a message and queues it for transmission, preserving
// call order on the wire.
func (session *Session) Send(message ircmsg.Message) error {
	session.stateMutex.RLock()
	socket := session.socket
	session.stateMutex.RUnlock()
	if socket == nil {
		return errSessionNotReady
	}
	line, err := message.LineBytesMax(session.lineLen())
	if err != nil {
		return err
	}
	return socket.Write(line)
}

// SendRaw queues an already-formatted line, adding the CR LF terminator.
func (session *Session) SendRaw(line string) error {
	session.stateMutex.RLock()
	socket := session.socket
	session.stateMutex.RUnlock()
	if socket == nil {
		return errSessionNotReady
	}
	return socket.Write([]byte(line + "\r\n"))
}

func (session *Session) lineLen() int {
	session.stateMutex.RLock()
	table := session.isupport
	session.stateMutex.RUnlock()
	if table != nil {
		return table.LineLen
	}
	return 512
}

// Privmsg sends a PRIVMSG to a nick or channel.
func (session *Session) Privmsg(target, text string) error {
	return session.Send(ircmsg.MakeMessage("", "PRIVMSG", target, text))
}

// Notice sends a NOTICE to a nick or channel.
func (session *Session) Notice(target, text string) error {
	return session.Send(ircmsg.MakeMessage("", "NOTICE", target, text))
}

// Join joins a channel, with an optional key.
func (session *Session) Join(channel string, key string) error {
	if key != "" {
		return session.Send(ircmsg.MakeMessage("", "JOIN", channel, key))
	}
	return session.Send(ircmsg.MakeMessage("", "JOIN", channel))
}

// Part leaves a channel.
func (session *Session) Part(channel string, reason string) error {
	if reason != "" {
		return session.Send(ircmsg.MakeMessage("", "PART", channel, reason))
	}
	return session.Send(ircmsg.MakeMessage("", "PART", channel))
}

// localIP reports the address our control connection uses, for inclusion
// in file-transfer offers.
func (session *Session) localIP() net.IP {
	session.stateMutex.RLock()
	conn := session.conn
	session.stateMutex.RUnlock()
	if conn != nil {
		if ip := utils.AddrToIP(conn.LocalAddr()); ip != nil {
			return ip
		}
	}
	return net.IPv4zero
}

// sendCTCP sends a CTCP request inside a PRIVMSG.
func (session *Session) sendCTCP(target, payload string) error {
	return session.Privmsg(target, "\x01"+payload+"\x01")
}

// sendCTCPReply sends a CTCP reply inside a NOTICE.
func (session *Session) sendCTCPReply(target, payload string) error {
	return session.Notice(target, "\x01"+payload+"\x01")
}

func disconnectCause(readErr, regErr error, registered bool) string {
	if regErr != nil {
		return regErr.Error()
	}
	if readErr != nil {
		return readErr.Error()
	}
	if !registered {
		return "connection closed during registration"
	}
	return "connection closed"
}

// isRetryable reports whether a registration failure is worth redialing
// for. Credential rejections and nick exhaustion will just repeat.
func isRetryable(err error) bool {
	switch err {
	case errRegistrationFailed, errSaslFail, errNickExhausted:
		return false
	default:
		return true
	}
}

// fallbackNick derives the next nickname to try after a collision:
// the configured fallback first, then underscore suffixes.
func fallbackNick(config ConnectionConfig, attempts int) string {
	if config.Fallback != "" && attempts == 1 {
		return config.Fallback
	}
	base := config.Nick
	if config.Fallback != "" {
		base = config.Fallback
		attempts--
	}
	return base + strings.Repeat("_", attempts)
}
