// Package preview maintains the "latest data" snapshot: the tail of the most
// recent job batch, stored as a JSON array for the dashboard.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/mission-vault/internal/storage"
)

// Defaults applied by New.
const (
	DefaultObject = "x_data_latest.json"
	DefaultLimit  = 50
	contentType   = "application/json"
)

// Config controls where the snapshot lives and how many items it keeps.
type Config struct {
	Object string `mapstructure:"object"`
	Limit  int    `mapstructure:"limit"`
}

// Store is a blob backend that can be written and read back.
type Store interface {
	storage.BlobStore
	storage.BlobReader
}

// Snapshot writes and reads the preview object.
type Snapshot struct {
	store  Store
	object string
	limit  int
}

// New builds a Snapshot over store.
func New(store Store, cfg Config) (*Snapshot, error) {
	if store == nil {
		return nil, errors.New("preview requires a blob store")
	}
	object := strings.TrimSpace(cfg.Object)
	if object == "" {
		object = DefaultObject
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Snapshot{store: store, object: object, limit: limit}, nil
}

// Write replaces the snapshot with the last Limit items of batch, in batch
// order. An empty batch produces an empty array.
func (s *Snapshot) Write(ctx context.Context, batch []json.RawMessage) (string, error) {
	tail := batch
	if len(tail) > s.limit {
		tail = tail[len(tail)-s.limit:]
	}
	if tail == nil {
		tail = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(tail, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	uri, err := s.store.PutObject(ctx, s.object, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write preview %s: %w", s.object, err)
	}
	return uri, nil
}

// Read returns the stored snapshot, or an empty slice when none exists yet.
func (s *Snapshot) Read(ctx context.Context) ([]json.RawMessage, error) {
	data, err := s.store.GetObject(ctx, s.object)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read preview %s: %w", s.object, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode preview %s: %w", s.object, err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}
