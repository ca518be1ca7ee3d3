// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/xdg-go/scram"
)

const (
	// AUTHENTICATE payloads are chunked into lines of at most 400
	// base64 characters; a full-length chunk means "more follows" and
	// a bare "+" terminates a payload that was an exact multiple.
	saslChunkLen = 400

	// cap on the reassembled server payload, to bound a hostile server
	maxSASLResponseLen = 8192
)

// a saslMechanism holds the client side of one SASL conversation. Start
// returns the initial response (nil meaning "no initial response"); Step
// consumes a decoded server challenge and produces the next response.
type saslMechanism interface {
	Name() string
	Start() (response []byte, err error)
	Step(challenge []byte) (response []byte, done bool, err error)
}

func newSASLMechanism(config SASLConfig) (saslMechanism, error) {
	switch config.Mechanism {
	case "PLAIN":
		return &saslPlain{username: config.Username, password: config.Password}, nil
	case "EXTERNAL":
		return &saslExternal{}, nil
	case "SCRAM-SHA-256":
		client, err := scram.SHA256.NewClient(config.Username, config.Password, "")
		if err != nil {
			return nil, err
		}
		return &saslScram{conv: client.NewConversation()}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", config.Mechanism)
	}
}

type saslPlain struct {
	username string
	password string
}

func (s *saslPlain) Name() string { return "PLAIN" }

func (s *saslPlain) Start() ([]byte, error) {
	response := []byte(s.username)
	response = append(response, '\x00')
	response = append(response, s.username...)
	response = append(response, '\x00')
	response = append(response, s.password...)
	return response, nil
}

func (s *saslPlain) Step(challenge []byte) ([]byte, bool, error) {
	return nil, true, nil
}

// saslExternal authenticates via the TLS client certificate; the payload
// is empty (authorize as the certificate identity).
type saslExternal struct{}

func (s *saslExternal) Name() string { return "EXTERNAL" }

func (s *saslExternal) Start() ([]byte, error) {
	return []byte{}, nil
}

func (s *saslExternal) Step(challenge []byte) ([]byte, bool, error) {
	return nil, true, nil
}

type saslScram struct {
	conv *scram.ClientConversation
}

func (s *saslScram) Name() string { return "SCRAM-SHA-256" }

func (s *saslScram) Start() ([]byte, error) {
	first, err := s.conv.Step("")
	if err != nil {
		return nil, err
	}
	return []byte(first), nil
}

func (s *saslScram) Step(challenge []byte) ([]byte, bool, error) {
	response, err := s.conv.Step(string(challenge))
	if err != nil {
		return nil, false, err
	}
	return []byte(response), s.conv.Done(), nil
}

// EncodeSASLResponse base64-encodes a raw SASL payload and splits it into
// AUTHENTICATE argument chunks. An empty payload encodes as "+"; a payload
// whose encoding is an exact multiple of the chunk length gets a trailing
// "+" so the peer knows it has ended.
func EncodeSASLResponse(raw []byte) (result []string) {
	if len(raw) == 0 {
		return []string{"+"}
	}

	response := base64.StdEncoding.EncodeToString(raw)
	lastLen := 0
	for len(response) > 0 {
		length := len(response)
		if length > saslChunkLen {
			length = saslChunkLen
		}
		result = append(result, response[:length])
		response = response[length:]
		lastLen = length
	}

	if lastLen == saslChunkLen {
		result = append(result, "+")
	}

	return result
}

// saslBuffer reassembles a chunked AUTHENTICATE payload from the server.
// It resets itself whenever a payload completes, so one buffer serves the
// whole conversation.
type saslBuffer struct {
	chunks strings.Builder
}

func (b *saslBuffer) Clear() {
	b.chunks.Reset()
}

// Add processes one AUTHENTICATE chunk. done is true once the payload is
// complete; output is then the decoded bytes. A chunk of "+" terminates.
func (b *saslBuffer) Add(value string) (done bool, output []byte, err error) {
	switch {
	case value == "+":
	case len(value) == saslChunkLen:
		if b.chunks.Len()+saslChunkLen > maxSASLResponseLen {
			b.Clear()
			return true, nil, fmt.Errorf("SASL payload too long")
		}
		b.chunks.WriteString(value)
		return false, nil, nil
	case len(value) < saslChunkLen:
		b.chunks.WriteString(value)
	default:
		b.Clear()
		return true, nil, fmt.Errorf("invalid AUTHENTICATE chunk length %d", len(value))
	}

	output, err = base64.StdEncoding.DecodeString(b.chunks.String())
	b.Clear()
	if err != nil {
		return true, nil, err
	}
	return true, output, nil
}
