// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package isupport

import (
	"strconv"
	"strings"
)

// CaseMapping identifies the server's advertised casemapping rule.
type CaseMapping string

const (
	CaseMappingASCII   CaseMapping = "ascii"
	CaseMappingRFC1459 CaseMapping = "rfc1459"
	CaseMappingRFC8265 CaseMapping = "rfc8265"
)

const (
	// conventional pre-negotiation defaults; a 005 reply replaces these
	defaultChanTypes     = "#&+!"
	defaultStatusMsg     = ""
	defaultPrefixSymbols = "~&!@%+"
	defaultLineLen       = 512
)

// Table accumulates the RPL_ISUPPORT (005) tokens advertised by a server,
// together with the client-relevant parsed views of them. Tokens apply
// last-writer-wins: replaying the same 005 is idempotent.
type Table struct {
	// Tokens holds every advertised token by name; a token with no value
	// maps to the empty string. A `-TOKEN` negation deletes the entry and
	// restores the default view.
	Tokens map[string]string

	ChanTypes     string
	StatusMsg     string
	PrefixModes   string
	PrefixSymbols string
	CaseMapping   CaseMapping
	MaxTargets    int
	LineLen       int
	Network       string
}

// NewTable returns a Table with conventional defaults, as used before
// registration completes.
func NewTable() *Table {
	t := new(Table)
	t.Initialize()
	return t
}

func (t *Table) Initialize() {
	t.Tokens = make(map[string]string)
	t.ChanTypes = defaultChanTypes
	t.StatusMsg = defaultStatusMsg
	t.PrefixModes = ""
	t.PrefixSymbols = defaultPrefixSymbols
	t.CaseMapping = CaseMappingRFC1459
	t.MaxTargets = 1
	t.LineLen = defaultLineLen
	t.Network = ""
}

// Parse applies the payload parameters of a single 005 reply: everything
// between the client nickname and the trailing "are supported" parameter.
func (t *Table) Parse(params []string) {
	for _, param := range params {
		if param == "" || param == "-" || param == "=" {
			continue
		}

		negate := param[0] == '-'
		if negate {
			param = param[1:]
			if param == "" {
				continue
			}
		}

		name, value := param, ""
		if idx := strings.IndexByte(param, '='); idx != -1 {
			name, value = param[:idx], param[idx+1:]
		}
		name = strings.ToUpper(name)

		if negate {
			delete(t.Tokens, name)
		} else {
			t.Tokens[name] = value
		}
		t.apply(name, value, negate)
	}
}

// Contains returns whether the table has seen a token.
func (t *Table) Contains(name string) bool {
	_, ok := t.Tokens[name]
	return ok
}

// Value returns the raw value of a token, and whether it was advertised.
func (t *Table) Value(name string) (value string, ok bool) {
	value, ok = t.Tokens[name]
	return
}

func (t *Table) apply(name, value string, negate bool) {
	switch name {
	case "CHANTYPES":
		if negate {
			t.ChanTypes = defaultChanTypes
		} else {
			// an empty CHANTYPES means the server has no channels
			t.ChanTypes = value
		}
	case "STATUSMSG":
		if negate {
			value = defaultStatusMsg
		}
		t.StatusMsg = value
	case "PREFIX":
		if negate || value == "" {
			t.PrefixModes, t.PrefixSymbols = "", defaultPrefixSymbols
			return
		}
		// value has the form "(modes)symbols"
		if value[0] != '(' {
			return
		}
		closeIdx := strings.IndexByte(value, ')')
		if closeIdx == -1 || len(value[closeIdx+1:]) != closeIdx-1 {
			return
		}
		t.PrefixModes = value[1:closeIdx]
		t.PrefixSymbols = value[closeIdx+1:]
	case "CASEMAPPING":
		if negate {
			t.CaseMapping = CaseMappingRFC1459
			return
		}
		switch CaseMapping(value) {
		case CaseMappingASCII, CaseMappingRFC1459, CaseMappingRFC8265:
			t.CaseMapping = CaseMapping(value)
		default:
			// unknown rule; rfc1459 is the ancestral default
			t.CaseMapping = CaseMappingRFC1459
		}
	case "MAXTARGETS":
		if negate {
			t.MaxTargets = 1
			return
		}
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			t.MaxTargets = n
		}
	case "LINELEN":
		if negate {
			t.LineLen = defaultLineLen
			return
		}
		if n, err := strconv.Atoi(value); err == nil && defaultLineLen <= n {
			t.LineLen = n
		}
	case "NETWORK":
		if negate {
			value = ""
		}
		t.Network = value
	}
}

// IsChannel reports whether name begins with one of the server's channel
// type prefixes.
func (t *Table) IsChannel(name string) bool {
	return len(name) > 0 && strings.IndexByte(t.ChanTypes, name[0]) != -1
}

// StripStatusPrefix splits a message target into its leading membership
// prefixes (as in a STATUSMSG target like `@#chan`) and the bare target.
func (t *Table) StripStatusPrefix(target string) (prefixes string, rest string) {
	symbols := t.PrefixSymbols
	if t.StatusMsg != "" {
		symbols = t.StatusMsg
	}
	var i int
	for i = 0; i < len(target) && strings.IndexByte(symbols, target[i]) != -1; i++ {
	}
	return target[:i], target[i:]
}
