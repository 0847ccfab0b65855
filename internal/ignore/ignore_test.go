package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# this is a comment", ""},
		{"negation skipped", "!important.txt", ""},
		{"simple file glob", "*.log", "*.log"},
		{"simple directory", "node_modules", "**/node_modules/**"},
		{"directory with slash", "node_modules/", "node_modules/**"},
		{"nested path", "vendor/cache", "vendor/cache/**"},
		{"absolute path", "/dist", "**/dist/**"},
		{"double star pattern", "**/build", "**/build/**"},
		{"file with extension", "file.txt", "**/file.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLine(tt.line))
		})
	}
}

func TestParseProject(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# build\ndist/\nnode_modules/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".memoryignore"), []byte("node_modules/\nsecrets.md\n"), 0o644))

	patterns, err := ParseProject(dir, DefaultIgnoreFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"dist/**", "node_modules/**", "**/secrets.md"}, patterns)
}

func TestParseProject_NoIgnoreFiles(t *testing.T) {
	patterns, err := ParseProject(t.TempDir(), DefaultIgnoreFiles)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestMatcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".memoryignore"), []byte("private/\n"), 0o644))

	m, err := NewMatcher(dir, nil, []string{"**/draft-*.md"})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"README.md", true},
		{"notes/today.txt", true},
		{filepath.Join(dir, "notes", "deep", "idea.md"), true},
		{"main.go", false},
		{"notes/draft-plan.md", false},
		{"private/keys.md", false},
		{".git/HEAD.md", false},
		{"node_modules/pkg/README.md", false},
		{"notes/today.md.swp", false},
		{"../outside.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatcher_CustomIncludes(t *testing.T) {
	m, err := NewMatcher(t.TempDir(), []string{"docs/**/*.rst"}, nil)
	require.NoError(t, err)

	assert.True(t, m.Match("docs/api/index.rst"))
	assert.False(t, m.Match("README.md"))
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	_, err := NewMatcher(t.TempDir(), []string{"[unclosed"}, nil)
	assert.Error(t, err)
}

func TestDeduplicate(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c", "d"}, deduplicate([]string{"a", "b", "a", "c", "b", "d"}))
}
