// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	ErrNoPortAvailable = errors.New("no port in the configured range is available")
	ErrBadDCCAddress   = errors.New("invalid DCC address")
)

// AddrToIP returns the IP address for a net.Addr, or nil for non-TCP addresses.
func AddrToIP(addr net.Addr) net.IP {
	if tcpaddr, ok := addr.(*net.TCPAddr); ok {
		return tcpaddr.IP
	}
	return nil
}

// IPToDCCString renders an IP address the way DCC offers expect it:
// IPv4 addresses become the decimal value of their big-endian 32-bit
// representation, IPv6 addresses are passed through as literals (the
// convention modern clients follow).
func IPToDCCString(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(v4)), 10)
	}
	return ip.String()
}

// DCCStringToIP is the inverse of IPToDCCString.
func DCCStringToIP(s string) (net.IP, error) {
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(v))
		return net.IPv4(buf[0], buf[1], buf[2], buf[3]), nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}
	return nil, ErrBadDCCAddress
}

// ListenPortRange opens a TCP listener on bindAddr, trying each port of
// [lo, hi] in order. lo == hi == 0 asks the kernel for an ephemeral port.
func ListenPortRange(bindAddr string, lo, hi uint16) (net.Listener, error) {
	if lo == 0 && hi == 0 {
		return net.Listen("tcp", net.JoinHostPort(bindAddr, "0"))
	}
	for port := lo; port <= hi && port != 0; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(int(port))))
		if err == nil {
			return listener, nil
		}
	}
	return nil, fmt.Errorf("%w (%d-%d)", ErrNoPortAvailable, lo, hi)
}
