// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"fmt"
	"strings"
)

const (
	// SemVer is the semantic version of Kestrel.
	SemVer = "1.1.0"
)

var (
	// Commit is the full git hash, if available
	Commit = ""

	// Ver is the full version of Kestrel, used in responses to clients.
	Ver = fmt.Sprintf("kestrel-%s", SemVer)
)

// SetVersionString initializes the global version strings, given the build
// metadata injected by the linker.
func SetVersionString(version, commit string) {
	Commit = commit
	if version != "" {
		Ver = fmt.Sprintf("kestrel-%s", strings.TrimPrefix(version, "v"))
	} else if commit != "" {
		Ver = fmt.Sprintf("kestrel-%s-%s", SemVer, commit)
	}
}
