// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package caps

import (
	"sort"
	"strings"
	"sync"
)

// Set holds a set of enabled capabilities.
type Set struct {
	sync.RWMutex
	// capabilities holds the capabilities this set has.
	capabilities map[Capability]bool
}

// NewSet returns a new Set, with the given capabilities enabled.
func NewSet(capabs ...Capability) *Set {
	newSet := Set{
		capabilities: make(map[Capability]bool),
	}
	newSet.Enable(capabs...)

	return &newSet
}

// Enable enables the given capabilities.
func (s *Set) Enable(capabs ...Capability) {
	s.Lock()
	defer s.Unlock()

	for _, capab := range capabs {
		s.capabilities[capab] = true
	}
}

// Disable disables the given capabilities.
func (s *Set) Disable(capabs ...Capability) {
	s.Lock()
	defer s.Unlock()

	for _, capab := range capabs {
		delete(s.capabilities, capab)
	}
}

// Has returns true if this set has all the given capabilities.
func (s *Set) Has(caps ...Capability) bool {
	s.RLock()
	defer s.RUnlock()

	for _, cap := range caps {
		if !s.capabilities[cap] {
			return false
		}
	}
	return true
}

// List returns a sorted list of our enabled capabilities.
func (s *Set) List() []Capability {
	s.RLock()
	defer s.RUnlock()

	allCaps := make([]Capability, 0, len(s.capabilities))
	for capab := range s.capabilities {
		allCaps = append(allCaps, capab)
	}
	sort.Slice(allCaps, func(i, j int) bool {
		return allCaps[i] < allCaps[j]
	})

	return allCaps
}

// Count returns how many enabled caps this set has.
func (s *Set) Count() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.capabilities)
}

// String returns all of our enabled capabilities as a space-separated string.
func (s *Set) String() string {
	list := s.List()
	strs := make([]string, len(list))
	for i, capab := range list {
		strs[i] = string(capab)
	}
	return strings.Join(strs, " ")
}
