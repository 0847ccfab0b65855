package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// redacted replaces secret values wherever config is printed or serialized.
const redacted = "[REDACTED]"

// Duration is a time.Duration read from YAML or environment variables.
// Besides Go duration strings ("90s", "1m30s") it accepts a bare integer as
// seconds, so MEMORYD_SERVER_SHUTDOWN_TIMEOUT=10 works.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.Atoi(s)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds an API key or a DSN with a password. Every formatting and
// marshaling path prints a placeholder; only Value returns the raw string.
type Secret string

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

// Masked describes the secret by length only, for logs.
func (s Secret) Masked() string {
	return "[REDACTED:" + strconv.Itoa(len(s)) + "]"
}

func (s Secret) placeholder() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string   { return s.placeholder() }
func (s Secret) GoString() string { return "Secret(" + redacted + ")" }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.placeholder())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.placeholder()), nil
}

// UnmarshalText accepts the raw secret.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
