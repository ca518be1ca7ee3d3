// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"errors"
	"fmt"
)

// Runtime errors
var (
	errSessionClosed       = errors.New("Session has been disconnected")
	errSessionNotReady     = errors.New("Session is not connected to a server")
	errRegistrationTimeout = errors.New("Registration timed out")
	errRegistrationFailed  = errors.New("Server rejected registration")
	errSaslFail            = errors.New("SASL authentication failed")
	errNickExhausted       = errors.New("Could not acquire a nickname")
	errSendQClosed         = errors.New("Connection closed while sending")
)

// Transfer errors
var (
	errTransferTimeout       = errors.New("Transfer timed out waiting for the other party")
	errTransferCancelled     = errors.New("Transfer cancelled")
	errTransferDeclined      = errors.New("Transfer declined")
	errTransferSizeMismatch  = errors.New("Transfer ended with a different size than declared")
	errChecksumMismatch      = errors.New("Checksum of the received file does not match the declared checksum")
	errTransferUnknown       = errors.New("No such transfer")
	errTransferNotPending    = errors.New("Transfer is not awaiting acceptance")
	errTransferIDsExhausted  = errors.New("Transfer identifier space exhausted")
	errMalformedDCC          = errors.New("Malformed DCC offer")
	errUnsupportedDCCCommand = errors.New("Unsupported DCC command")
)

// ConnectionErrorKind classifies why a connection attempt failed.
type ConnectionErrorKind uint

const (
	ConnectionErrorDNS ConnectionErrorKind = iota
	ConnectionErrorRefused
	ConnectionErrorTLS
	ConnectionErrorProxy
	ConnectionErrorWebsocket
)

var connectionErrorKindNames = map[ConnectionErrorKind]string{
	ConnectionErrorDNS:       "dns",
	ConnectionErrorRefused:   "connect",
	ConnectionErrorTLS:       "tls",
	ConnectionErrorProxy:     "proxy",
	ConnectionErrorWebsocket: "websocket",
}

// ConnectionError is a typed failure of a single connection attempt. It is
// fatal to that attempt only; the session decides whether to retry.
type ConnectionError struct {
	Kind  ConnectionErrorKind
	cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s", connectionErrorKindNames[e.Kind], e.cause.Error())
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}
