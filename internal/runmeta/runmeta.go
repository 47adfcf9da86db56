// Package runmeta persists the bookkeeping record of the most recent cycle. The
// record lives under the "settings" key of a JSON or YAML document that may also
// hold the mission; every other key in that document is preserved on write.
package runmeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Section is the document key that holds run metadata.
const Section = "settings"

// Metadata is read by the status API and updated once per cycle.
type Metadata struct {
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	TotalStored     int        `json:"total_stored"`
	LastCloudSyncAt *time.Time `json:"last_cloud_sync,omitempty"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	LastNewItems    int        `json:"last_new_items"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	LastFailureKind string     `json:"last_failure_kind,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Store reads and merges Metadata into a document on disk. Writes replace the
// file atomically via rename.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store for path.
func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("metadata path is required")
	}
	return &Store{path: path}, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored metadata. A missing document or section yields the
// zero value.
func (s *Store) Load(ctx context.Context) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, fmt.Errorf("load metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDoc()
	if err != nil {
		return Metadata{}, err
	}
	return decodeSection(doc)
}

// Update applies fn to the current metadata and writes the result back,
// merging it into the existing settings section.
func (s *Store) Update(ctx context.Context, fn func(*Metadata)) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, fmt.Errorf("update metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return Metadata{}, err
	}
	meta, err := decodeSection(doc)
	if err != nil {
		return Metadata{}, err
	}
	fn(&meta)

	fields, err := toMap(meta)
	if err != nil {
		return Metadata{}, err
	}
	section, _ := doc[Section].(map[string]any)
	if section == nil {
		section = make(map[string]any, len(fields))
	}
	for _, key := range metadataKeys {
		if v, ok := fields[key]; ok {
			section[key] = v
		} else {
			delete(section, key)
		}
	}
	doc[Section] = section

	if err := s.writeDoc(doc); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// metadataKeys lists every key owned by Metadata so cleared optional fields
// are removed from the section instead of lingering.
var metadataKeys = []string{
	"last_run_at",
	"total_stored",
	"last_cloud_sync",
	"last_cycle_id",
	"last_new_items",
	"last_failure_at",
	"last_failure_kind",
	"last_error",
}

func (s *Store) isYAML() bool {
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (s *Store) readDoc() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read metadata %s: %w", s.path, err)
	}
	doc := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if s.isYAML() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (s *Store) writeDoc(doc map[string]any) error {
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	mode := fs.FileMode(0o600)
	if info, statErr := os.Stat(s.path); statErr == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace metadata %s: %w", s.path, err)
	}
	return nil
}

func decodeSection(doc map[string]any) (Metadata, error) {
	var meta Metadata
	raw, ok := doc[Section]
	if !ok || raw == nil {
		return meta, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Metadata{}, fmt.Errorf("decode %s section: %w", Section, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode %s section: %w", Section, err)
	}
	return meta, nil
}

func toMap(meta Metadata) (map[string]any, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return fields, nil
}
