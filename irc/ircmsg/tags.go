// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"strings"
	"unicode/utf8"
)

// escapeOf returns the escape sequence character for b, or 0 if b is
// emitted verbatim in a tag value.
func escapeOf(b byte) byte {
	switch b {
	case '\\':
		return '\\'
	case ';':
		return ':'
	case ' ':
		return 's'
	case '\r':
		return 'r'
	case '\n':
		return 'n'
	}
	return 0
}

// unescapeOf inverts escapeOf: given the character following a backslash,
// it returns the raw character. Unrecognized escapes decode to the
// character itself.
func unescapeOf(b byte) byte {
	switch b {
	case ':':
		return ';'
	case 's':
		return ' '
	case 'r':
		return '\r'
	case 'n':
		return '\n'
	}
	return b
}

// EscapeTagValue escapes a raw string for use as a message tag value.
// Serialization calls this itself; clients normally don't need to.
func EscapeTagValue(raw string) string {
	i := 0
	for i < len(raw) && escapeOf(raw[i]) == 0 {
		i++
	}
	if i == len(raw) {
		return raw
	}

	var buf strings.Builder
	buf.Grow(len(raw) + 2)
	buf.WriteString(raw[:i])
	for ; i < len(raw); i++ {
		if e := escapeOf(raw[i]); e != 0 {
			buf.WriteByte('\\')
			buf.WriteByte(e)
		} else {
			buf.WriteByte(raw[i])
		}
	}
	return buf.String()
}

// UnescapeTagValue decodes an escaped message tag value. Unrecognized
// escapes yield the literal character; a trailing lone backslash is
// dropped. ParseLine calls this itself; clients normally don't need to.
func UnescapeTagValue(escaped string) string {
	slash := strings.IndexByte(escaped, '\\')
	if slash == -1 {
		return escaped
	}

	var buf strings.Builder
	buf.Grow(len(escaped))
	rest := escaped
	for slash != -1 {
		buf.WriteString(rest[:slash])
		if slash == len(rest)-1 {
			// trailing backslash with nothing to escape
			return buf.String()
		}
		buf.WriteByte(unescapeOf(rest[slash+1]))
		rest = rest[slash+2:]
		slash = strings.IndexByte(rest, '\\')
	}
	buf.WriteString(rest)
	return buf.String()
}

// validateTagName checks a tag key against the IRCv3 naming rules,
// leniently: the + client-tag prefix is allowed, and -, ., / are accepted
// anywhere rather than only inside a vendor prefix.
func validateTagName(name string) bool {
	trimmed := strings.TrimPrefix(name, "+")
	if len(trimmed) == 0 {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		switch c := trimmed[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-', c == '.', c == '/':
		default:
			return false
		}
	}
	return true
}

// tag values are required to be valid UTF-8
func validateTagValue(value string) bool {
	return utf8.ValidString(value)
}
