// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kestrelirc/kestrel/irc/utils"
)

// A dccOffer is the decoded argument list of a DCC CTCP message.
// SEND carries filename/address/port/size, plus an optional reverse-mode
// token and optional key=value metadata (sha256 in particular).
// RESUME and ACCEPT carry filename/port/position.
type dccOffer struct {
	Command  string
	Filename string
	IP       net.IP
	Port     uint16
	Size     uint64
	Position uint64
	Token    string
	Metadata map[string]string
}

// splitDCCArgs tokenizes a DCC argument string, honoring the convention
// that filenames containing spaces are wrapped in double quotes.
func splitDCCArgs(args string) (fields []string) {
	rest := strings.TrimSpace(args)
	for rest != "" {
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end == -1 {
				fields = append(fields, rest[1:])
				return
			}
			fields = append(fields, rest[1:1+end])
			rest = strings.TrimLeft(rest[2+end:], " ")
		} else {
			var field string
			field, rest, _ = strings.Cut(rest, " ")
			fields = append(fields, field)
			rest = strings.TrimLeft(rest, " ")
		}
	}
	return
}

func parseDCCOffer(args string) (offer dccOffer, err error) {
	fields := splitDCCArgs(args)
	if len(fields) == 0 {
		return offer, errMalformedDCC
	}
	offer.Command = strings.ToUpper(fields[0])
	fields = fields[1:]

	switch offer.Command {
	case "SEND":
		if len(fields) < 4 {
			return offer, errMalformedDCC
		}
		offer.Filename = fields[0]
		offer.IP, err = utils.DCCStringToIP(fields[1])
		if err != nil {
			return offer, fmt.Errorf("%w: %v", errMalformedDCC, err)
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return offer, fmt.Errorf("%w: bad port", errMalformedDCC)
		}
		offer.Port = uint16(port)
		offer.Size, err = strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return offer, fmt.Errorf("%w: bad size", errMalformedDCC)
		}
		for _, extra := range fields[4:] {
			if key, value, found := strings.Cut(extra, "="); found {
				if offer.Metadata == nil {
					offer.Metadata = make(map[string]string)
				}
				offer.Metadata[key] = value
			} else {
				offer.Token = extra
			}
		}
		return offer, nil
	case "RESUME", "ACCEPT":
		if len(fields) < 3 {
			return offer, errMalformedDCC
		}
		offer.Filename = fields[0]
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return offer, fmt.Errorf("%w: bad port", errMalformedDCC)
		}
		offer.Port = uint16(port)
		offer.Position, err = strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return offer, fmt.Errorf("%w: bad position", errMalformedDCC)
		}
		if len(fields) > 3 {
			offer.Token = fields[3]
		}
		return offer, nil
	default:
		return offer, fmt.Errorf("%w: %s", errUnsupportedDCCCommand, offer.Command)
	}
}

// quoteDCCFilename wraps filenames containing spaces in double quotes.
func quoteDCCFilename(filename string) string {
	if strings.ContainsRune(filename, ' ') {
		return `"` + filename + `"`
	}
	return filename
}

// formatDCCSend renders a SEND offer. A zero port with a token is a
// reverse offer: the other party listens and echoes the token back with
// their own address.
func formatDCCSend(filename string, ip net.IP, port uint16, size uint64, token string, metadata map[string]string) string {
	var buf strings.Builder
	buf.WriteString("DCC SEND ")
	buf.WriteString(quoteDCCFilename(filename))
	buf.WriteByte(' ')
	buf.WriteString(utils.IPToDCCString(ip))
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(int(port)))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(size, 10))
	if token != "" {
		buf.WriteByte(' ')
		buf.WriteString(token)
	}
	for key, value := range metadata {
		buf.WriteByte(' ')
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(value)
	}
	return buf.String()
}

func formatDCCResume(command, filename string, port uint16, position uint64, token string) string {
	var buf strings.Builder
	buf.WriteString("DCC ")
	buf.WriteString(command)
	buf.WriteByte(' ')
	buf.WriteString(quoteDCCFilename(filename))
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(int(port)))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(position, 10))
	if token != "" {
		buf.WriteByte(' ')
		buf.WriteString(token)
	}
	return buf.String()
}
