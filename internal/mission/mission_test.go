package mission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw     string
		want    Mode
		wantErr bool
	}{
		{"search", ModeSearch, false},
		{" USER ", ModeUser, false},
		{"list", ModeList, false},
		{"url", ModeURL, false},
		{"profile", ModeProfile, false},
		{"timeline", "", true},
		{"", "", true},
	}
	for _, tc := range testCases {
		got, err := ParseMode(tc.raw)
		if tc.wantErr {
			require.ErrorIs(t, err, ErrInvalidMission, "mode %q", tc.raw)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestValidateRequiresPositiveMaxItems(t *testing.T) {
	t.Parallel()

	err := Mission{Mode: ModeSearch}.Validate()
	require.ErrorIs(t, err, ErrInvalidMission)
	require.NoError(t, Mission{Mode: ModeSearch, MaxItems: 1}.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	m := Mission{Mode: ModeUser, Handles: []string{"a"}, MaxItems: 5}
	cp := m.Clone()
	cp.Handles[0] = "b"
	assert.Equal(t, "a", m.Handles[0])
}

func TestFileSourceLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeDoc(t, "config.json", `{
  "mission": {"mode": "user", "handles": ["golang", "rob_pike"], "max_items": 25},
  "settings": {"total_stored": 3}
}`)
	m, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeUser, m.Mode)
	assert.Equal(t, []string{"golang", "rob_pike"}, m.Handles)
	assert.Equal(t, 25, m.MaxItems)
}

func TestFileSourceLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeDoc(t, "config.yaml", "settings:\n  total_stored: 0\n")
	m, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeSearch, m.Mode)
	assert.Empty(t, m.Query)
	assert.Equal(t, DefaultMaxItems, m.MaxItems)
}

func TestFileSourceLoadSingleQueryString(t *testing.T) {
	t.Parallel()

	path := writeDoc(t, "config.yaml", "mission:\n  mode: search\n  query: AI Agents 2026\n")
	m, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AI Agents 2026"}, m.Query)
}

func TestFileSourceLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("Missing", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.json")).Load(context.Background())
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("UnknownMode", func(t *testing.T) {
		t.Parallel()
		path := writeDoc(t, "config.json", `{"mission": {"mode": "timeline"}}`)
		_, err := NewFileSource(path).Load(context.Background())
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.True(t, errors.Is(err, ErrInvalidMission))
	})

	t.Run("ZeroMaxItems", func(t *testing.T) {
		t.Parallel()
		path := writeDoc(t, "config.json", `{"mission": {"mode": "search", "max_items": 0}}`)
		_, err := NewFileSource(path).Load(context.Background())
		require.ErrorIs(t, err, ErrInvalidMission)
	})
}

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
