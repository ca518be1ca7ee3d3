// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"strings"
	"testing"
)

func collect(t *testing.T, lb *LineBuffer) (results []ParseResult) {
	t.Helper()
	for {
		result, ok := lb.Next()
		if !ok {
			return
		}
		results = append(results, result)
	}
}

func TestLineBufferSplitRead(t *testing.T) {
	// a terminator split across reads must produce exactly the messages
	// that were sent, no more, no fewer
	lb := NewLineBuffer(0)

	if err := lb.Feed([]byte("PING :x\r")); err != nil {
		t.Fatal(err)
	}
	if results := collect(t, lb); len(results) != 0 {
		t.Fatalf("a partial line must not produce a message, got %d", len(results))
	}

	if err := lb.Feed([]byte("\nPING :y\r\n")); err != nil {
		t.Fatal(err)
	}
	results := collect(t, lb)
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 messages, got %d", len(results))
	}
	if results[0].Message.Params[0] != "x" || results[1].Message.Params[0] != "y" {
		t.Errorf("messages decoded out of order: %v", results)
	}
	if lb.Buffered() != 0 {
		t.Errorf("expected empty buffer, %d bytes left", lb.Buffered())
	}
}

func TestLineBufferByteAtATime(t *testing.T) {
	lb := NewLineBuffer(0)
	input := ":server 001 nick :Welcome\r\nPING :z\r\n"
	var results []ParseResult
	for i := 0; i < len(input); i++ {
		if err := lb.Feed([]byte{input[i]}); err != nil {
			t.Fatal(err)
		}
		results = append(results, collect(t, lb)...)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(results))
	}
	if results[0].Message.Command != "001" || results[1].Message.Command != "PING" {
		t.Errorf("decoded %v", results)
	}
}

func TestLineBufferBareLF(t *testing.T) {
	// tolerate peers that terminate with a bare \n
	lb := NewLineBuffer(0)
	lb.Feed([]byte("PING :x\nPING :y\n"))
	results := collect(t, lb)
	if len(results) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(results))
	}
	if results[0].Line != "PING :x" {
		t.Errorf("raw line not preserved: %q", results[0].Line)
	}
}

func TestLineBufferMalformedLine(t *testing.T) {
	// a malformed line yields its error and the stream continues
	lb := NewLineBuffer(0)
	lb.Feed([]byte("\r\nPING :x\r\n"))
	results := collect(t, lb)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Errorf("expected a parse error for the empty line")
	}
	if results[1].Err != nil || results[1].Message.Command != "PING" {
		t.Errorf("stream did not recover after the bad line")
	}
}

func TestLineBufferOverflow(t *testing.T) {
	lb := NewLineBuffer(64)
	if err := lb.Feed([]byte(strings.Repeat("a", 65))); err != ErrorBufferFull {
		t.Fatalf("expected ErrorBufferFull, got %v", err)
	}

	// a terminated line of any length within the fed chunk is fine
	lb = NewLineBuffer(64)
	if err := lb.Feed([]byte("PING :" + strings.Repeat("a", 32) + "\r\n")); err != nil {
		t.Fatal(err)
	}
	if results := collect(t, lb); len(results) != 1 {
		t.Fatalf("expected 1 message, got %d", len(results))
	}
}
