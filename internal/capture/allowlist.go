package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates a pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds content patterns that redaction must leave alone and
// optional extra capture patterns.
type Allowlist struct {
	Regexes   []string
	StopWords []string
	Patterns  []Pattern
}

// DefaultAllowlistPath is ~/.config/memoryd/allowlist.toml.
func DefaultAllowlistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "memoryd", "allowlist.toml")
}

// LoadAllowlist reads an allowlist file:
//
//	[allowlist]
//	regexes = ['EXAMPLE_[A-Z]+']
//	stopwords = ['dummy']
//
//	[[capture]]
//	name = "ticket"
//	regex = '(?i)\bticket [A-Z]+-\d+\b'
//
// A missing file yields an empty allowlist. Every regex is validated.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
		Capture []Pattern `toml:"capture"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, p := range file.Capture {
		if _, err := regexp.Compile(p.Regex); err != nil {
			return nil, fmt.Errorf("%w: capture %q in %s: %v", ErrInvalidRegex, p.Name, path, err)
		}
	}

	return &Allowlist{
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
		Patterns:  file.Capture,
	}, nil
}
