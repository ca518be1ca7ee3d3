// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"reflect"
	"strings"
	"testing"
)

type testcase struct {
	raw     string
	message Message
}

var decodeTests = []testcase{
	{"PING", MakeMessage("", "PING")},
	{"PING :x", MakeMessage("", "PING", "x")},
	{"privmsg #channel :hello world", MakeMessage("", "PRIVMSG", "#channel", "hello world")},
	{":nick!user@host PRIVMSG #channel :hi", MakeMessage("nick!user@host", "PRIVMSG", "#channel", "hi")},
	{":server.example 001 nick :Welcome", MakeMessage("server.example", "001", "nick", "Welcome")},
	// subsequent spaces between parameters collapse
	{"CAP  LS   302", MakeMessage("", "CAP", "LS", "302")},
	// an empty trailing parameter survives
	{"PRIVMSG #channel :", MakeMessage("", "PRIVMSG", "#channel", "")},
	// a colon inside a middle parameter is literal
	{"MODE #chan +b nick!*@*:weird", MakeMessage("", "MODE", "#chan", "+b", "nick!*@*:weird")},
}

func TestDecode(t *testing.T) {
	for _, pair := range decodeTests {
		message, err := ParseLine(pair.raw + "\r\n")
		if err != nil {
			t.Errorf("failed to parse [%s]: %v", pair.raw, err)
			continue
		}
		if !reflect.DeepEqual(message, pair.message) {
			t.Errorf("parsed [%s] as %#v, expected %#v", pair.raw, message, pair.message)
		}
	}
}

func TestDecodeTags(t *testing.T) {
	message, err := ParseLine("@time=2024-01-15T10:00:00.000Z;account=shivaram :shivaram!u@h PRIVMSG #chan :hi\r\n")
	if err != nil {
		t.Fatal(err)
	}
	expected := []Tag{
		{Name: "time", Value: "2024-01-15T10:00:00.000Z", HasValue: true},
		{Name: "account", Value: "shivaram", HasValue: true},
	}
	if !reflect.DeepEqual(message.Tags, expected) {
		t.Errorf("got tags %#v", message.Tags)
	}

	// escaped values unescape, valueless tags keep HasValue false
	message, err = ParseLine("@draft/reply=abc\\sdef;+typing PRIVMSG #chan :hi\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if present, value := message.GetTag("draft/reply"); !present || value != "abc def" {
		t.Errorf("expected unescaped tag value, got %q", value)
	}
	if present, _ := message.GetTag("+typing"); !present {
		t.Errorf("expected valueless tag to be present")
	}
	if message.Tags[1].HasValue {
		t.Errorf("valueless tag should not report a value")
	}
}

func TestDecodeDuplicateTags(t *testing.T) {
	message, err := ParseLine("@account=first;account=second PING :x\r\n")
	if err != nil {
		t.Fatal(err)
	}
	// the last occurrence wins on lookup, but both are retained
	if _, value := message.GetTag("account"); value != "second" {
		t.Errorf("expected last-wins lookup, got %q", value)
	}
	if len(message.Tags) != 2 {
		t.Errorf("expected both occurrences retained, got %d", len(message.Tags))
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, line := range []string{"", "\r\n", "  \r\n", ":onlyasource\r\n", "@tag=value\r\n"} {
		if _, err := ParseLine(line); err == nil {
			t.Errorf("expected error parsing %q", line)
		}
	}
	if _, err := ParseLine("PING :em\x00bedded\r\n"); err != ErrorLineContainsBadChar {
		t.Errorf("expected ErrorLineContainsBadChar, got %v", err)
	}
	if _, err := ParseLine("@" + strings.Repeat("a", MaxlenTagData+1) + " PING\r\n"); err != ErrorTagsTooLong {
		t.Errorf("expected ErrorTagsTooLong, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	// decode-encode must reproduce the wire form byte for byte
	lines := []string{
		"PING x",
		":nick!user@host PRIVMSG #channel :hello world",
		"@time=2024-01-15T10:00:00.000Z;account=a :n!u@h PRIVMSG #c :hi there",
		"@+typing PRIVMSG #c :is typing",
		"@k=a\\sb PING x",
		"CAP LS 302",
	}
	for _, line := range lines {
		message, err := ParseLine(line + "\r\n")
		if err != nil {
			t.Fatalf("failed to parse [%s]: %v", line, err)
		}
		encoded, err := message.Line()
		if err != nil {
			t.Fatalf("failed to encode [%s]: %v", line, err)
		}
		if encoded != line+"\r\n" {
			t.Errorf("round trip of [%s] produced [%s]", line, encoded)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	noCommand := MakeMessage("", "")
	if _, err := noCommand.LineBytes(); err != ErrorCommandMissing {
		t.Errorf("expected ErrorCommandMissing, got %v", err)
	}
	// a non-final parameter cannot contain a space
	badParam := MakeMessage("", "KICK", "#a", "bad nick", "reason")
	if _, err := badParam.LineBytes(); err != ErrorBadParam {
		t.Errorf("expected ErrorBadParam, got %v", err)
	}
	badChar := MakeMessage("", "PRIVMSG", "#a", "inject\r\nQUIT")
	if _, err := badChar.LineBytes(); err != ErrorLineContainsBadChar {
		t.Errorf("expected ErrorLineContainsBadChar, got %v", err)
	}
	msg := MakeMessage("", "PING", "x").WithTag("in\\valid", "v")
	if _, err := msg.LineBytes(); err != ErrorInvalidTagContent {
		t.Errorf("expected ErrorInvalidTagContent, got %v", err)
	}
}

func TestLineBytesMax(t *testing.T) {
	message := MakeMessage("", "PRIVMSG", "#channel", strings.Repeat("a", 600))
	line, err := message.LineBytesMax(512)
	if err != nil {
		t.Fatal(err)
	}
	if len(line) != 512 {
		t.Errorf("expected truncation to 512 bytes, got %d", len(line))
	}
	if !strings.HasSuffix(string(line), "\r\n") {
		t.Errorf("truncated line must stay CRLF terminated")
	}

	// tags do not count against the limit
	message = MakeMessage("", "PRIVMSG", "#channel", strings.Repeat("a", 400)).WithTag("time", strings.Repeat("b", 200))
	line, err = message.LineBytesMax(512)
	if err != nil {
		t.Fatal(err)
	}
	if parsed, _ := ParseLine(string(line)); parsed.Params[1] != strings.Repeat("a", 400) {
		t.Errorf("tagged line should not have been truncated")
	}

	// truncation may not split a UTF-8 sequence
	message = MakeMessage("", "PRIVMSG", "#c", strings.Repeat("é", 600))
	line, err = message.LineBytesMax(512)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseLine(string(line))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range parsed.Params[1] {
		if r == '�' {
			t.Fatalf("truncation split a UTF-8 sequence")
		}
	}
}

func TestSourceHelpers(t *testing.T) {
	message := MakeMessage("shivaram!~u@example.com", "PRIVMSG", "#c", "hi")
	if message.Nick() != "shivaram" {
		t.Errorf("got nick %q", message.Nick())
	}
	if message.SourceIsServer() {
		t.Errorf("a full mask is not a server source")
	}
	message = MakeMessage("irc.example.com", "PING", "x")
	if !message.SourceIsServer() {
		t.Errorf("a dotted bare name is a server source")
	}
}
