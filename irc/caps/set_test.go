// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package caps

import (
	"reflect"
	"testing"
)

func TestSets(t *testing.T) {
	s := NewSet()

	s.Enable(AccountTag, EchoMessage, UserhostInNames)

	if !s.Has(AccountTag, EchoMessage, UserhostInNames) {
		t.Error("Did not have the tags we expected")
	}

	if s.Has(AccountTag, EchoMessage, SASL, UserhostInNames) {
		t.Error("Has() returned true when we don't have all the given capabilities")
	}

	s.Disable(AccountTag)

	if s.Has(AccountTag) {
		t.Error("Disable() did not correctly disable the given capability")
	}

	enabledCaps := s.List()
	expectedCaps := []Capability{EchoMessage, UserhostInNames}
	if !reflect.DeepEqual(enabledCaps, expectedCaps) {
		t.Errorf("Expected %v, got %v", expectedCaps, enabledCaps)
	}

	if s.Count() != 2 {
		t.Errorf("Expected 2 enabled capabilities, got %d", s.Count())
	}

	if s.String() != "echo-message userhost-in-names" {
		t.Errorf("String() returned %q", s.String())
	}
}

func TestIsSupported(t *testing.T) {
	for _, capab := range Supported {
		if !IsSupported(string(capab)) {
			t.Errorf("%s should be supported", capab)
		}
	}
	if IsSupported("draft/nonexistent") {
		t.Error("unknown capability reported as supported")
	}
}
