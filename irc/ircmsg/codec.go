// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"bytes"
	"errors"
)

var (
	// ErrorBufferFull indicates that the peer sent more data without a line
	// terminator than the buffer is willing to hold.
	ErrorBufferFull = errors.New("line exceeded the maximum buffer size")
)

// ParseResult is the outcome of decoding a single line from the stream:
// either a Message, or the located parse failure for that line. A failed
// line never terminates the stream; each line parses independently.
type ParseResult struct {
	Message Message
	Err     error
	// Line is the raw line as received, terminator stripped, for reporting.
	Line string
}

// LineBuffer splits a raw byte stream into IRC lines. It holds back
// incomplete lines until their CR LF terminator arrives; a partial line is
// never consumed or parsed. The zero value is not valid, use NewLineBuffer.
type LineBuffer struct {
	buf    []byte
	maxLen int
}

// NewLineBuffer returns a LineBuffer that will refuse to buffer more than
// maxLen bytes of unterminated data (0 for no limit).
func NewLineBuffer(maxLen int) *LineBuffer {
	return &LineBuffer{maxLen: maxLen}
}

// Feed appends raw bytes received from the transport. It returns
// ErrorBufferFull if the unterminated tail now exceeds the configured
// bound; this is fatal to the stream (the peer is not speaking IRC).
func (lb *LineBuffer) Feed(data []byte) error {
	lb.buf = append(lb.buf, data...)
	if lb.maxLen != 0 && bytes.IndexByte(lb.buf, '\n') == -1 && len(lb.buf) > lb.maxLen {
		return ErrorBufferFull
	}
	return nil
}

// Next consumes and parses the next complete line, if one is available.
// It returns ok == false, consuming nothing, when more bytes are needed.
func (lb *LineBuffer) Next() (result ParseResult, ok bool) {
	idx := bytes.IndexByte(lb.buf, '\n')
	if idx == -1 {
		return result, false
	}
	// consume the line and its terminator; ParseLine strips \r\n itself
	line := string(lb.buf[:idx+1])
	lb.buf = lb.buf[idx+1:]

	result.Line = trimLineTerminator(line)
	result.Message, result.Err = ParseLine(line)
	return result, true
}

// Buffered returns the number of unconsumed bytes.
func (lb *LineBuffer) Buffered() int {
	return len(lb.buf)
}

func trimLineTerminator(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
