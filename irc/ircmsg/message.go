// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"bytes"
	"errors"
	"strings"
)

const (
	// "The size limit for message tags is 8191 bytes, including the leading
	//  '@' (0x40) and trailing space ' ' (0x20) characters."
	MaxlenTags = 8191

	// MaxlenTags - ('@' + ' ')
	MaxlenTagData = MaxlenTags - 2
)

var (
	// ErrorLineIsEmpty indicates that the given IRC line was empty.
	ErrorLineIsEmpty = errors.New("line is empty")

	// ErrorLineContainsBadChar indicates that the line contained NUL, CR or LF.
	ErrorLineContainsBadChar = errors.New("line contains invalid characters")

	// ErrorTagsTooLong indicates that the message exceeded the maximum tag length.
	ErrorTagsTooLong = errors.New("tag data exceeded the length limit")

	// ErrorInvalidTagContent indicates that a tag name or value was invalid.
	ErrorInvalidTagContent = errors.New("invalid tag name or value")

	// ErrorCommandMissing indicates that an IRC message lacked a command.
	ErrorCommandMissing = errors.New("IRC messages MUST have a command")

	// ErrorBadParam indicates that an IRC message could not be serialized because
	// its parameters violated the syntactic constraints on IRC parameters:
	// non-final parameters cannot be empty, contain a space, or start with `:`.
	ErrorBadParam = errors.New("cannot have an empty param, a param with spaces, or a param that starts with ':' before the last parameter")
)

// Tag is a single IRCv3 message tag. HasValue distinguishes `key` from `key=`:
// the two are equivalent on the wire, but preserving the distinction keeps
// serialization an exact inverse of parsing.
type Tag struct {
	Name     string
	Value    string
	HasValue bool
}

// Message represents an IRC message, as defined by the RFCs and as
// extended by the IRCv3 Message Tags specification. Tags are kept in
// the order they appeared on the wire. A Message is not modified after
// parsing; session code builds new Messages for sending.
type Message struct {
	Tags          []Tag
	Source        string
	Command       string
	Params        []string
	forceTrailing bool
}

// MakeMessage provides a simple way to create a new Message.
func MakeMessage(source string, command string, params ...string) (msg Message) {
	msg.Source = source
	msg.Command = command
	msg.Params = params
	return msg
}

// ForceTrailing ensures that when the message is serialized, the final
// parameter will be encoded as a "trailing parameter" (preceded by a colon).
// This is almost never necessary and should not be used except when having
// to interact with broken implementations.
func (msg *Message) ForceTrailing() {
	msg.forceTrailing = true
}

// GetTag returns whether a tag is present, and if so, what its value is.
// If a tag name appears multiple times, the last occurrence wins.
func (msg *Message) GetTag(tagName string) (present bool, value string) {
	for i := len(msg.Tags) - 1; i >= 0; i-- {
		if msg.Tags[i].Name == tagName {
			return true, msg.Tags[i].Value
		}
	}
	return false, ""
}

// HasTag returns whether a tag is present.
func (msg *Message) HasTag(tagName string) (present bool) {
	present, _ = msg.GetTag(tagName)
	return
}

// SetTag sets a tag, replacing the last occurrence if the name is already
// present, appending otherwise.
func (msg *Message) SetTag(tagName, tagValue string) {
	if len(tagName) == 0 {
		return
	}
	tag := Tag{Name: tagName, Value: tagValue, HasValue: tagValue != ""}
	for i := len(msg.Tags) - 1; i >= 0; i-- {
		if msg.Tags[i].Name == tagName {
			msg.Tags[i] = tag
			return
		}
	}
	msg.Tags = append(msg.Tags, tag)
}

// WithTag is SetTag returning the message, for chaining at construction.
func (msg Message) WithTag(tagName, tagValue string) Message {
	msg.SetTag(tagName, tagValue)
	return msg
}

// Nick returns the name component of the message source (typically a
// nickname, but possibly a server name).
func (msg *Message) Nick() (nick string) {
	nuh, err := ParseNUH(msg.Source)
	if err == nil {
		return nuh.Name
	}
	return
}

// NUH returns the source of the message as a parsed NUH ("nick-user-host");
// if the source is not well-formed as a NUH, it returns an error.
func (msg *Message) NUH() (nuh NUH, err error) {
	return ParseNUH(msg.Source)
}

// SourceIsServer reports whether the message source looks like a bare server
// name rather than a nick!user@host mask.
func (msg *Message) SourceIsServer() bool {
	if msg.Source == "" {
		return false
	}
	return strings.IndexByte(msg.Source, '!') == -1 &&
		strings.IndexByte(msg.Source, '@') == -1 &&
		strings.IndexByte(msg.Source, '.') != -1
}

// ParseLine creates and returns a Message from the given IRC line.
func ParseLine(line string) (msg Message, err error) {
	return parseLine(line, MaxlenTagData)
}

// slice off any amount of ' ' from the front of the string
func trimInitialSpaces(str string) string {
	var i int
	for i = 0; i < len(str) && str[i] == ' '; i++ {
	}
	return str[i:]
}

func parseLine(line string, maxTagDataLength int) (msg Message, err error) {
	// remove either \n or \r\n from the end of the line:
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	// whether we removed them ourselves, or whether they were removed
	// previously, the line must now be free of the forbidden bytes:
	if strings.IndexByte(line, '\x00') != -1 || strings.IndexByte(line, '\n') != -1 || strings.IndexByte(line, '\r') != -1 {
		return msg, ErrorLineContainsBadChar
	}

	if len(line) < 1 {
		return msg, ErrorLineIsEmpty
	}

	// tags
	if line[0] == '@' {
		tagEnd := strings.IndexByte(line, ' ')
		if tagEnd == -1 {
			return msg, ErrorLineIsEmpty
		}
		tags := line[1:tagEnd]
		if 0 < maxTagDataLength && maxTagDataLength < len(tags) {
			return msg, ErrorTagsTooLong
		}
		err = msg.parseTags(tags)
		if err != nil {
			return
		}
		// skip over the tags and the separating space
		line = line[tagEnd+1:]
	}

	// modern: "These message parts, and parameters themselves, are separated
	// by one or more ASCII SPACE characters"
	line = trimInitialSpaces(line)

	// source
	if 0 < len(line) && line[0] == ':' {
		sourceEnd := strings.IndexByte(line, ' ')
		if sourceEnd == -1 {
			return msg, ErrorLineIsEmpty
		}
		msg.Source = line[1:sourceEnd]
		// skip over the source and the separating space
		line = line[sourceEnd+1:]
	}

	line = trimInitialSpaces(line)

	// command
	commandEnd := strings.IndexByte(line, ' ')
	paramStart := commandEnd + 1
	if commandEnd == -1 {
		commandEnd = len(line)
		paramStart = len(line)
	}
	// normalize command to uppercase:
	msg.Command = strings.ToUpper(line[:commandEnd])
	if len(msg.Command) == 0 {
		return msg, ErrorLineIsEmpty
	}
	line = line[paramStart:]

	for {
		line = trimInitialSpaces(line)
		if len(line) == 0 {
			break
		}
		// handle trailing
		if line[0] == ':' {
			msg.Params = append(msg.Params, line[1:])
			break
		}
		paramEnd := strings.IndexByte(line, ' ')
		if paramEnd == -1 {
			msg.Params = append(msg.Params, line)
			break
		}
		msg.Params = append(msg.Params, line[:paramEnd])
		line = line[paramEnd+1:]
	}

	return msg, nil
}

// helper to parse the tag section of a line, preserving tag order
func (msg *Message) parseTags(tags string) (err error) {
	for 0 < len(tags) {
		tagEnd := strings.IndexByte(tags, ';')
		endPos := tagEnd
		nextPos := tagEnd + 1
		if tagEnd == -1 {
			endPos = len(tags)
			nextPos = len(tags)
		}
		tagPair := tags[:endPos]
		equalsIndex := strings.IndexByte(tagPair, '=')
		var tag Tag
		if equalsIndex == -1 {
			// tag with no value
			tag.Name = tagPair
		} else {
			tag.Name, tag.Value = tagPair[:equalsIndex], UnescapeTagValue(tagPair[equalsIndex+1:])
			tag.HasValue = true
		}
		// "Implementations [...] MUST NOT perform any validation that would
		//  reject the message if an invalid tag key name is used."
		if validateTagName(tag.Name) {
			if !validateTagValue(tag.Value) {
				return ErrorInvalidTagContent
			}
			msg.Tags = append(msg.Tags, tag)
		}
		// skip over the tag just processed, plus the delimiting ; if any
		tags = tags[nextPos:]
	}
	return nil
}

// LineBytesMax is LineBytes with a bound on the length of the non-tag
// portion of the line: truncateLen bytes including the terminating CRLF,
// 0 meaning unbounded. Truncation respects UTF-8 boundaries.
func (msg *Message) LineBytesMax(truncateLen int) (result []byte, err error) {
	result, err = msg.LineBytes()
	if err != nil || truncateLen == 0 {
		return
	}

	// tags are covered by their own length limit
	restStart := 0
	if result[0] == '@' {
		restStart = bytes.IndexByte(result, ' ') + 1
	}
	rest := result[restStart:]
	if len(rest) <= truncateLen {
		return
	}

	newLen := truncateLen - 2
	for 0 < newLen && rest[newLen]&0xc0 == 0x80 {
		newLen--
	}
	result = append(result[:restStart+newLen], '\r', '\n')
	return
}

// Line returns a sendable line created from a Message.
func (msg *Message) Line() (result string, err error) {
	bytes, err := msg.LineBytes()
	if err == nil {
		result = string(bytes)
	}
	return
}

func paramRequiresTrailing(param string) bool {
	return len(param) == 0 || strings.IndexByte(param, ' ') != -1 || param[0] == ':'
}

// LineBytes returns a sendable line created from a Message, terminated
// by exactly one CR LF.
func (msg *Message) LineBytes() (result []byte, err error) {
	if len(msg.Command) == 0 {
		return nil, ErrorCommandMissing
	}

	var buf bytes.Buffer

	if 0 < len(msg.Tags) {
		buf.WriteByte('@')
		for i, tag := range msg.Tags {
			if !(validateTagName(tag.Name) && validateTagValue(tag.Value)) {
				return nil, ErrorInvalidTagContent
			}
			if i != 0 {
				buf.WriteByte(';')
			}
			buf.WriteString(tag.Name)
			if tag.HasValue {
				buf.WriteByte('=')
				buf.WriteString(EscapeTagValue(tag.Value))
			}
		}
		if MaxlenTagData < buf.Len()-1 {
			return nil, ErrorTagsTooLong
		}
		buf.WriteByte(' ')
	}

	if len(msg.Source) > 0 {
		buf.WriteByte(':')
		buf.WriteString(msg.Source)
		buf.WriteByte(' ')
	}

	buf.WriteString(msg.Command)

	for i, param := range msg.Params {
		buf.WriteByte(' ')
		requiresTrailing := paramRequiresTrailing(param)
		lastParam := i == len(msg.Params)-1
		if (requiresTrailing || msg.forceTrailing) && lastParam {
			buf.WriteByte(':')
		} else if requiresTrailing && !lastParam {
			return nil, ErrorBadParam
		}
		buf.WriteString(param)
	}

	buf.WriteString("\r\n")

	result = buf.Bytes()
	toValidate := result[:len(result)-2]
	if bytes.IndexByte(toValidate, '\x00') != -1 || bytes.IndexByte(toValidate, '\r') != -1 || bytes.IndexByte(toValidate, '\n') != -1 {
		return nil, ErrorLineContainsBadChar
	}
	return result, nil
}
