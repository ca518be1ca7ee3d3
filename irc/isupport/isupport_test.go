// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package isupport

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	table := NewTable()
	table.Parse([]string{
		"CHANTYPES=#", "CASEMAPPING=ascii", "PREFIX=(ov)@+",
		"MAXTARGETS=4", "LINELEN=1024", "NETWORK=ExampleNet", "STATUSMSG=@+",
		"UTF8ONLY", "EXTBAN=,m",
	})

	if table.ChanTypes != "#" {
		t.Errorf("ChanTypes = %q", table.ChanTypes)
	}
	if table.CaseMapping != CaseMappingASCII {
		t.Errorf("CaseMapping = %q", table.CaseMapping)
	}
	if table.PrefixModes != "ov" || table.PrefixSymbols != "@+" {
		t.Errorf("PREFIX parsed as (%q)%q", table.PrefixModes, table.PrefixSymbols)
	}
	if table.MaxTargets != 4 {
		t.Errorf("MaxTargets = %d", table.MaxTargets)
	}
	if table.LineLen != 1024 {
		t.Errorf("LineLen = %d", table.LineLen)
	}
	if table.Network != "ExampleNet" {
		t.Errorf("Network = %q", table.Network)
	}
	if !table.Contains("UTF8ONLY") {
		t.Errorf("valueless token not recorded")
	}
	if value, ok := table.Value("EXTBAN"); !ok || value != ",m" {
		t.Errorf("EXTBAN value = %q, %v", value, ok)
	}
}

func TestParseIdempotent(t *testing.T) {
	params := []string{"CHANTYPES=#&", "CASEMAPPING=rfc8265", "PREFIX=(qaohv)~&@%+", "LINELEN=4096"}

	table := NewTable()
	table.Parse(params)
	once := *table
	once.Tokens = nil

	table.Parse(params)
	table.Parse(params)
	twice := *table
	twice.Tokens = nil

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replaying the same tokens changed the table: %#v vs %#v", once, twice)
	}
}

func TestParseNegation(t *testing.T) {
	table := NewTable()
	table.Parse([]string{"CHANTYPES=#", "MAXTARGETS=8", "NETWORK=Net"})
	table.Parse([]string{"-CHANTYPES", "-MAXTARGETS", "-NETWORK"})

	if table.ChanTypes != "#&+!" {
		t.Errorf("negated CHANTYPES did not restore the default: %q", table.ChanTypes)
	}
	if table.MaxTargets != 1 {
		t.Errorf("negated MAXTARGETS did not restore the default: %d", table.MaxTargets)
	}
	if table.Network != "" {
		t.Errorf("negated NETWORK did not clear: %q", table.Network)
	}
	if table.Contains("CHANTYPES") {
		t.Errorf("negated token still recorded")
	}
}

func TestParseLastWriterWins(t *testing.T) {
	table := NewTable()
	table.Parse([]string{"CASEMAPPING=ascii"})
	table.Parse([]string{"CASEMAPPING=rfc8265"})
	if table.CaseMapping != CaseMappingRFC8265 {
		t.Errorf("later token should win, got %q", table.CaseMapping)
	}

	// malformed and unknown values degrade safely
	table.Parse([]string{"CASEMAPPING=bizarre"})
	if table.CaseMapping != CaseMappingRFC1459 {
		t.Errorf("unknown casemapping should fall back to rfc1459, got %q", table.CaseMapping)
	}
	table.Parse([]string{"LINELEN=12", "MAXTARGETS=junk"})
	if table.LineLen != 512 {
		t.Errorf("LINELEN below the protocol floor was honored: %d", table.LineLen)
	}
	if table.MaxTargets != 1 {
		t.Errorf("non-numeric MAXTARGETS was honored: %d", table.MaxTargets)
	}
}

func TestIsChannel(t *testing.T) {
	table := NewTable()
	table.Parse([]string{"CHANTYPES=#"})
	if !table.IsChannel("#kestrel") {
		t.Errorf("#kestrel should be a channel")
	}
	for _, name := range []string{"kestrel", "&old", ""} {
		if table.IsChannel(name) {
			t.Errorf("%q should not be a channel", name)
		}
	}
}

func TestStripStatusPrefix(t *testing.T) {
	table := NewTable()
	table.Parse([]string{"PREFIX=(ov)@+", "STATUSMSG=@+"})

	cases := []struct{ target, prefixes, rest string }{
		{"@#chan", "@", "#chan"},
		{"@+#chan", "@+", "#chan"},
		{"#chan", "", "#chan"},
		{"nick", "", "nick"},
	}
	for _, c := range cases {
		prefixes, rest := table.StripStatusPrefix(c.target)
		if prefixes != c.prefixes || rest != c.rest {
			t.Errorf("StripStatusPrefix(%q) = %q, %q", c.target, prefixes, rest)
		}
	}
}
