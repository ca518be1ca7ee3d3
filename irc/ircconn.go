// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"bytes"
	"net"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/kestrelirc/kestrel/irc/ircmsg"
)

const (
	maxReadQBytes = ircmsg.MaxlenTags + 512 + 1024
	readChunkSize = 4096
)

var (
	crlf = []byte{'\r', '\n'}
)

// IRCConn abstracts away the distinction between a regular net.Conn (which
// includes raw TCP, TLS and proxied streams) and a websocket. It doesn't
// expose Read and Write because websockets are message-oriented, not
// stream-oriented; the common currency is one decoded line per call.
type IRCConn interface {
	// ReadMessage returns the next line's parse outcome. A parse failure
	// is a value, not a stream error; err is non-nil only when the
	// transport itself is finished.
	ReadMessage() (result ircmsg.ParseResult, err error)
	// WriteLine writes one encoded line, already CR LF terminated.
	WriteLine(line []byte) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	Close() error
}

// IRCStreamConn is an IRCConn over a regular stream connection. Incoming
// bytes accumulate in a LineBuffer until a full line is available; a
// partial read never produces a message and never loses bytes.
type IRCStreamConn struct {
	conn  net.Conn
	lines *ircmsg.LineBuffer
	chunk []byte
}

func NewIRCStreamConn(conn net.Conn) *IRCStreamConn {
	return &IRCStreamConn{
		conn:  conn,
		lines: ircmsg.NewLineBuffer(maxReadQBytes),
		chunk: make([]byte, readChunkSize),
	}
}

func (cc *IRCStreamConn) ReadMessage() (result ircmsg.ParseResult, err error) {
	for {
		if result, ok := cc.lines.Next(); ok {
			return result, nil
		}
		n, err := cc.conn.Read(cc.chunk)
		if n > 0 {
			if feedErr := cc.lines.Feed(cc.chunk[:n]); feedErr != nil {
				return result, feedErr
			}
		}
		if err != nil {
			// a line buffered without its terminator is discarded;
			// an IRC message is not a message until its CR LF arrives
			return result, err
		}
	}
}

func (cc *IRCStreamConn) WriteLine(line []byte) (err error) {
	_, err = cc.conn.Write(line)
	return
}

func (cc *IRCStreamConn) LocalAddr() net.Addr {
	return cc.conn.LocalAddr()
}

func (cc *IRCStreamConn) RemoteAddr() net.Addr {
	return cc.conn.RemoteAddr()
}

func (cc *IRCStreamConn) Close() (err error) {
	return cc.conn.Close()
}

// IRCWSConn is an IRCConn over a websocket: every text message is exactly
// one IRC line, with no terminator on the wire.
type IRCWSConn struct {
	conn *websocket.Conn
}

func NewIRCWSConn(conn *websocket.Conn) IRCWSConn {
	return IRCWSConn{conn: conn}
}

func (wc IRCWSConn) ReadMessage() (result ircmsg.ParseResult, err error) {
	for {
		var messageType int
		var payload []byte
		messageType, payload, err = wc.conn.ReadMessage()
		if err != nil {
			return result, err
		}
		// on empty message or non-text message, try again, block if necessary
		if messageType == websocket.TextMessage && len(payload) != 0 {
			result.Line = string(payload)
			result.Message, result.Err = ircmsg.ParseLine(result.Line)
			return result, nil
		}
	}
}

func (wc IRCWSConn) WriteLine(line []byte) (err error) {
	line = bytes.TrimSuffix(line, crlf)
	// there's not much we can do about this; silently drop the message
	if !utf8.Valid(line) {
		return nil
	}
	return wc.conn.WriteMessage(websocket.TextMessage, line)
}

func (wc IRCWSConn) LocalAddr() net.Addr {
	return wc.conn.LocalAddr()
}

func (wc IRCWSConn) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}

func (wc IRCWSConn) Close() (err error) {
	return wc.conn.Close()
}
