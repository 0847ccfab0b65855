// Package sanitize normalizes identifiers and names that come from config or
// clients before they reach a storage backend.
//
// Qdrant collection names are restricted to ^[a-z0-9_]{1,64}$ here so the
// documents collection and its "_settings" sibling both stay valid.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxIdentifierLength is the maximum length of a collection name.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of "_<8-char-hash>".
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"

	// MaxFilenameLength bounds uploaded file names stored in metadata.
	MaxFilenameLength = 255
)

// Identifier sanitizes s for use as a collection name.
//
//	"Memory Docs" -> "memory_docs"
//	"team/notes"  -> "team_notes"
//	"" or "!!!"   -> "default"
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	sanitized := b.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return DefaultIdentifier
	}
	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized)
	}
	return sanitized
}

// IsIdentifier reports whether s is already a valid collection name.
func IsIdentifier(s string) bool {
	return s != "" && Identifier(s) == s
}

// truncateWithHash keeps distinct long names distinct: <prefix>_<8-char-hash>.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]
	truncated := strings.TrimRight(s[:MaxIdentifierLength-HashSuffixLength], "_")
	return truncated + suffix
}

// Filename reduces a client-supplied file name to its base name without
// directories or control characters. It returns "" when nothing is left.
func Filename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	if len(name) > MaxFilenameLength {
		cut := MaxFilenameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

