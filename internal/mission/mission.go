// Package mission defines the declarative collection request that drives one
// ingestion cycle.
package mission

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects which kind of collection the job runner performs.
type Mode string

// Supported collection modes.
const (
	ModeSearch  Mode = "search"
	ModeUser    Mode = "user"
	ModeList    Mode = "list"
	ModeURL     Mode = "url"
	ModeProfile Mode = "profile"
)

// DefaultMaxItems caps a mission that does not declare max_items.
const DefaultMaxItems = 10

// ErrInvalidMission is returned for missions that cannot be submitted.
var ErrInvalidMission = errors.New("invalid mission")

// Mission describes what to collect. It is immutable for the duration of a
// cycle; callers receive copies.
type Mission struct {
	Mode     Mode     `json:"mode" mapstructure:"mode" yaml:"mode"`
	Query    []string `json:"query" mapstructure:"query" yaml:"query"`
	Handles  []string `json:"handles" mapstructure:"handles" yaml:"handles"`
	URLs     []string `json:"urls" mapstructure:"urls" yaml:"urls"`
	MaxItems int      `json:"max_items" mapstructure:"max_items" yaml:"max_items"`
}

// ParseMode normalizes a raw mode string. Unknown values are rejected rather
// than silently treated as search.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ModeSearch, ModeUser, ModeList, ModeURL, ModeProfile:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidMission, raw)
	}
}

// Validate enforces the invariants required before a mission is submitted.
func (m Mission) Validate() error {
	if _, err := ParseMode(string(m.Mode)); err != nil {
		return err
	}
	if m.MaxItems <= 0 {
		return fmt.Errorf("%w: max_items must be > 0", ErrInvalidMission)
	}
	return nil
}

// Clone returns a deep copy so downstream code cannot mutate the source.
func (m Mission) Clone() Mission {
	cp := m
	cp.Query = cloneStrings(m.Query)
	cp.Handles = cloneStrings(m.Handles)
	cp.URLs = cloneStrings(m.URLs)
	return cp
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
