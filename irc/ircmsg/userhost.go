// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package ircmsg

import (
	"errors"
	"strings"
)

var (
	MalformedNUH = errors.New("NUH is malformed")
)

// NUH is the parsed form of a message source: nick!user@host. Name is a
// nickname for user-initiated messages and a server name for numerics and
// other server-initiated messages; User and Host may be empty.
type NUH struct {
	Name string
	User string
	Host string
}

// ParseNUH splits a message source into its name, user, and host parts.
// All parts other than the name are optional.
func ParseNUH(source string) (out NUH, err error) {
	if source == "" {
		return out, MalformedNUH
	}

	rest, host, found := strings.Cut(source, "@")
	if found {
		out.Host = host
	}
	name, user, found := strings.Cut(rest, "!")
	if found {
		out.User = user
	}
	out.Name = name

	return out, nil
}

// Canonical reassembles the source string the NUH was parsed from.
func (nuh *NUH) Canonical() string {
	result := nuh.Name
	if nuh.User != "" {
		result += "!" + nuh.User
	}
	if nuh.Host != "" {
		result += "@" + nuh.Host
	}
	return result
}
