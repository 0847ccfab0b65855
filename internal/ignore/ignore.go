// Package ignore decides which files under a watched directory are ingested.
//
// Patterns are doublestar globs matched against slash-separated paths
// relative to the root. Exclude patterns can also come from gitignore-style
// files in the root (.gitignore, .memoryignore).
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnoreFiles are read from the root when present.
var DefaultIgnoreFiles = []string{".gitignore", ".memoryignore"}

// DefaultExcludes always apply.
var DefaultExcludes = []string{"**/.git/**", "**/node_modules/**", "**/*.swp", "**/*~"}

// DefaultIncludes are used when no include pattern is configured.
var DefaultIncludes = []string{"**/*.md", "**/*.txt"}

// Matcher filters paths below Root.
type Matcher struct {
	Root     string
	includes []string
	excludes []string
}

// NewMatcher builds a matcher for root. Empty includes select
// DefaultIncludes. Ignore files found in root are appended to excludes.
func NewMatcher(root string, includes, excludes []string) (*Matcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	if len(includes) == 0 {
		includes = DefaultIncludes
	}

	fromFiles, err := ParseProject(abs, DefaultIgnoreFiles)
	if err != nil {
		return nil, err
	}
	all := append(append(append([]string{}, DefaultExcludes...), excludes...), fromFiles...)

	for _, p := range append(append([]string{}, includes...), all...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}

	return &Matcher{
		Root:     abs,
		includes: includes,
		excludes: deduplicate(all),
	}, nil
}

// Match reports whether path (absolute or relative to Root) should be ingested.
func (m *Matcher) Match(path string) bool {
	rel, ok := m.rel(path)
	if !ok {
		return false
	}
	if m.Excluded(path) {
		return false
	}
	for _, p := range m.includes {
		if doublestar.MatchUnvalidated(p, rel) {
			return true
		}
	}
	return false
}

// Excluded reports whether path matches an exclude pattern. Directories are
// checked with a trailing slash so "dir/**" prunes the directory itself.
func (m *Matcher) Excluded(path string) bool {
	rel, ok := m.rel(path)
	if !ok {
		return true
	}
	for _, p := range m.excludes {
		if doublestar.MatchUnvalidated(p, rel) || doublestar.MatchUnvalidated(p, rel+"/") {
			return true
		}
	}
	return false
}

func (m *Matcher) rel(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Root, path)
	}
	rel, err := filepath.Rel(m.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ParseProject reads the named ignore files from root and returns their
// combined patterns. Missing files are skipped.
func ParseProject(root string, names []string) ([]string, error) {
	var patterns []string
	for _, name := range names {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
	}
	return deduplicate(patterns), nil
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine converts one gitignore line to a glob. Comments, blanks and
// negations yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return toGlobPattern(line)
}

func toGlobPattern(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "/")

	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}

	// Unanchored names match at any depth.
	if !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "*") {
		pattern = "**/" + pattern
	}

	// Bare names without an extension are treated as directories.
	if !strings.HasSuffix(pattern, "/**") && !strings.HasSuffix(pattern, "/*") && !strings.Contains(pattern, ".") {
		pattern += "/**"
	}
	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
