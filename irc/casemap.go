// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"errors"
	"strings"

	"golang.org/x/text/secure/precis"

	"github.com/kestrelirc/kestrel/irc/isupport"
)

var (
	errCouldNotStabilize = errors.New("Could not stabilize string while casefolding")
)

// Each pass of PRECIS casefolding is a composition of idempotent operations,
// but not idempotent itself, so the RFC's advice amounts to "do it four
// times and hope it converges".
func iterateFolding(profile *precis.Profile, oldStr string) (str string, err error) {
	str = oldStr
	// follow the stabilizing rules laid out here:
	// https://tools.ietf.org/html/draft-ietf-precis-7564bis-10.html#section-7
	for i := 0; i < 4; i++ {
		str, err = profile.CompareKey(str)
		if err != nil {
			return "", err
		}
		if oldStr == str {
			break
		}
		oldStr = str
	}
	if oldStr != str {
		return "", errCouldNotStabilize
	}
	return str, nil
}

// casefoldASCII applies the ascii casemapping rule: a-z is the lowercase of
// A-Z and nothing else folds.
func casefoldASCII(str string) string {
	var buf strings.Builder
	for i := 0; i < len(str); i++ {
		c := str[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf.WriteByte(c)
	}
	return buf.String()
}

// casefoldRFC1459 applies the rfc1459 casemapping rule, where {}|^ are the
// lowercase equivalents of []\~ per the original protocol's Scandinavian
// origins.
func casefoldRFC1459(str string) string {
	var buf strings.Builder
	for i := 0; i < len(str); i++ {
		c := str[i]
		switch {
		case 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		case c == '[':
			c = '{'
		case c == ']':
			c = '}'
		case c == '\\':
			c = '|'
		case c == '~':
			c = '^'
		}
		buf.WriteByte(c)
	}
	return buf.String()
}

// casefoldPRECIS applies the rfc8265 (PRECIS UsernameCaseMapped) rule that
// modern servers advertise. Strings that fail the profile fall back to the
// ascii rule so that comparisons still function.
func casefoldPRECIS(str string) string {
	folded, err := iterateFolding(precis.UsernameCaseMapped, str)
	if err != nil {
		return casefoldASCII(str)
	}
	return folded
}

// Casefold folds a nickname or channel name for comparison purposes, per
// the casemapping rule the server advertised in ISUPPORT.
func Casefold(mapping isupport.CaseMapping, str string) string {
	switch mapping {
	case isupport.CaseMappingASCII:
		return casefoldASCII(str)
	case isupport.CaseMappingRFC8265:
		return casefoldPRECIS(str)
	default:
		return casefoldRFC1459(str)
	}
}
