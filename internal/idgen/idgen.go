// Package idgen allocates entity identifiers of the form
// <prefix>_<12 hex chars>, e.g. "task_3fa84c09b21d".
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Entity prefixes. Identifiers are opaque to callers; the prefix exists
// only so a human reading logs can tell entity kinds apart.
const (
	PrefixProject = "prj"
	PrefixSession = "sess"
	PrefixQueue   = "que"
	PrefixTask    = "task"
)

const suffixLen = 12 // hex chars, 48 bits of entropy

// New returns a fresh identifier with the given prefix.
func New(prefix string) string {
	buf := make([]byte, suffixLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has bigger problems than ID allocation.
		panic(fmt.Sprintf("idgen: rand.Read: %v", err))
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// Valid reports whether id has the <prefix>_<12 hex> shape for the given
// prefix.
func Valid(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || len(rest) != suffixLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
