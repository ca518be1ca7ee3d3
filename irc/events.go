// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"time"

	"github.com/kestrelirc/kestrel/irc/ircmsg"
)

// Event is anything the engine reports upward to the application layer:
// connection lifecycle transitions, decoded messages, and file-transfer
// progress. The application drains a session's Events() channel; it never
// polls engine state.
type Event interface {
	EventServer() string
}

// ConnectedEvent fires when a session reaches the Ready state.
type ConnectedEvent struct {
	Server string
	// Nick is the nickname the server actually granted us.
	Nick string
}

// DisconnectedEvent fires when a session loses (or gives up) its
// connection. Final distinguishes a user-initiated or permanent
// disconnect from one the session will retry.
type DisconnectedEvent struct {
	Server string
	Cause  string
	Final  bool
}

// ReconnectingEvent fires once per failed attempt, before the backoff wait.
type ReconnectingEvent struct {
	Server  string
	Attempt int
	Delay   time.Duration
}

// InsecureConnectionEvent fires when the session is using TLS with
// certificate validation disabled: encrypted, but talking to an
// unauthenticated peer. Applications should display this prominently.
type InsecureConnectionEvent struct {
	Server string
}

// MessageEvent carries a decoded protocol message that the session did not
// consume internally (PRIVMSG, NOTICE, JOIN, PART, and so on).
type MessageEvent struct {
	Server  string
	Message ircmsg.Message
	// Time is the server-time tag when present, receipt time otherwise.
	Time time.Time
}

// ErrorEvent reports a recoverable, localized failure: a single malformed
// line, a registration rejection, a rejected command. The stream continues.
type ErrorEvent struct {
	Server string
	Kind   string
	Cause  string
}

// TransferEvent fires on every file-transfer status change, carrying a
// snapshot of the transfer's public record.
type TransferEvent struct {
	Server   string
	Transfer FileTransfer
}

// ReceiveRequestEvent fires when an unsolicited DCC SEND offer arrives;
// the application answers with Manager.Accept or Manager.Decline.
type ReceiveRequestEvent struct {
	Server   string
	ID       uint64
	From     string
	Filename string
	Size     uint64
	Secure   bool
	Metadata map[string]string
}

func (e ConnectedEvent) EventServer() string          { return e.Server }
func (e DisconnectedEvent) EventServer() string       { return e.Server }
func (e ReconnectingEvent) EventServer() string       { return e.Server }
func (e InsecureConnectionEvent) EventServer() string { return e.Server }
func (e MessageEvent) EventServer() string            { return e.Server }
func (e ErrorEvent) EventServer() string              { return e.Server }
func (e TransferEvent) EventServer() string           { return e.Server }
func (e ReceiveRequestEvent) EventServer() string     { return e.Server }
