package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, `
unknown_section = "value"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestLoad_UnknownKey_SectionTypo(t *testing.T) {
	path := writeTestConfig(t, `
[filestor]
root = "/tmp/data"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "filestor"`)
	assert.Contains(t, err.Error(), `did you mean "filestore"`)
}

func TestLoad_UnknownKey_SectionReportedOnce(t *testing.T) {
	path := writeTestConfig(t, `
[filestor]
root = "/tmp/data"
zone = "notes"
watch = true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, 1, strings.Count(err.Error(), `"filestor"`))
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	path := writeTestConfig(t, `
[retry]
max_attempt = 3
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "retry.max_attempt"`)
	assert.Contains(t, err.Error(), `did you mean "retry.max_attempts"`)
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
completely_unrelated_key = true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"max_attempt", "max_attempts", 1},
		{"filestor", "filestore", 1},
		{"completely_different", "xyz", 19},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch_Found(t *testing.T) {
	known := []string{"initial_backoff", "max_attempts", "max_backoff"}
	assert.Equal(t, "max_attempts", closestMatch("max_attempt", known))
	assert.Equal(t, "max_backoff", closestMatch("max_backof", known))
}

func TestClosestMatch_NotFound(t *testing.T) {
	known := []string{"initial_backoff", "max_attempts"}
	assert.Equal(t, "", closestMatch("completely_unrelated", known))
}
