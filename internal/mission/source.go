package mission

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ConfigError reports a missing or invalid mission source. A cycle that hits a
// ConfigError stops before contacting the job runner.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mission source %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// document is the subset of the mission file this package owns.
type document struct {
	Mission Mission `mapstructure:"mission"`
}

// FileSource reads the mission section of a JSON or YAML document. The file is
// re-read on every Load so edits made between cycles take effect on the next one.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the document location.
func (s *FileSource) Path() string {
	return s.path
}

// Load parses the document and returns a validated Mission.
func (s *FileSource) Load(ctx context.Context) (Mission, error) {
	if err := ctx.Err(); err != nil {
		return Mission{}, fmt.Errorf("load mission: %w", err)
	}
	if strings.TrimSpace(s.path) == "" {
		return Mission{}, &ConfigError{Path: s.path, Err: fmt.Errorf("path is required")}
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetDefault("mission.mode", string(ModeSearch))
	v.SetDefault("mission.query", []string{})
	v.SetDefault("mission.handles", []string{})
	v.SetDefault("mission.urls", []string{})
	v.SetDefault("mission.max_items", DefaultMaxItems)

	if err := v.ReadInConfig(); err != nil {
		return Mission{}, &ConfigError{Path: s.path, Err: fmt.Errorf("read: %w", err)}
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return Mission{}, &ConfigError{Path: s.path, Err: fmt.Errorf("decode: %w", err)}
	}
	m := doc.Mission
	mode, err := ParseMode(string(m.Mode))
	if err != nil {
		return Mission{}, &ConfigError{Path: s.path, Err: err}
	}
	m.Mode = mode
	if err := m.Validate(); err != nil {
		return Mission{}, &ConfigError{Path: s.path, Err: err}
	}
	return m, nil
}
