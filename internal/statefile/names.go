package statefile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxNameLen bounds the readable part of a document name.
const maxNameLen = 64

// FileName maps an arbitrary key (a task id, an instance id) to a safe
// document file name ending in ".json". Keys made only of letters, digits,
// '.', '_' and '-' are used as is; any other key is sanitized and suffixed
// with a short hash so that distinct keys never share a file.
func FileName(key string) string {
	safe := true
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
			safe = false
		}
	}

	name := b.String()
	if name == "" || strings.HasPrefix(name, ".") || len(name) > maxNameLen {
		safe = false
	}
	if !safe {
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		name = strings.TrimLeft(name, ".")
		sum := sha256.Sum256([]byte(key))
		name = name + "-" + hex.EncodeToString(sum[:4])
	}
	return name + ".json"
}
