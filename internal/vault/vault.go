// Package vault implements the append-only, ID-deduplicated item log. The log
// holds one JSON record per line in ingestion order and is never rewritten.
package vault

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/metrics"
)

// MissingIDPolicy decides what happens to items without an id.
type MissingIDPolicy string

// Supported missing-id policies.
const (
	// MissingIDAppend treats id-less items as always new.
	MissingIDAppend MissingIDPolicy = "append"
	// MissingIDReject drops id-less items as malformed.
	MissingIDReject MissingIDPolicy = "reject"
)

// Config captures the parameters for a file-backed vault.
type Config struct {
	Path      string          `mapstructure:"path"`
	IDField   string          `mapstructure:"id_field"`
	MissingID MissingIDPolicy `mapstructure:"missing_id"`
}

// IOError reports a failed read or append. A cycle that hits an IOError must
// not advance its stored-item counters.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Stats summarizes a full scan of the log.
type Stats struct {
	Items     int `json:"items"`
	Anonymous int `json:"anonymous"`
	Corrupt   int `json:"corrupt"`
}

// Vault is a single-writer append-only store. The mutex serializes writers
// within this process; callers must not point two processes at one file.
type Vault struct {
	path    string
	idField string
	policy  MissingIDPolicy
	logger  *zap.Logger

	mu sync.Mutex
}

// New creates a file-backed vault, creating the parent directory if needed.
func New(cfg Config, logger *zap.Logger) (*Vault, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("vault path is required")
	}
	if cfg.IDField == "" {
		cfg.IDField = DefaultIDField
	}
	switch cfg.MissingID {
	case "":
		cfg.MissingID = MissingIDAppend
	case MissingIDAppend, MissingIDReject:
	default:
		return nil, fmt.Errorf("unknown missing id policy %q", cfg.MissingID)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, &IOError{Op: "init", Path: cfg.Path, Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		path:    cfg.Path,
		idField: cfg.IDField,
		policy:  cfg.MissingID,
		logger:  logger,
	}, nil
}

// Path returns the log location.
func (v *Vault) Path() string {
	return v.path
}

// IDField returns the record key used for identity.
func (v *Vault) IDField() string {
	return v.idField
}

// LoadKnownIDs scans the whole log and returns every stored id. Lines that do
// not parse are skipped; a corrupt line never fails the load.
func (v *Vault) LoadKnownIDs(ctx context.Context) (map[string]struct{}, error) {
	known, _, err := v.scan(ctx)
	return known, err
}

// Stats scans the log and reports item counts.
func (v *Vault) Stats(ctx context.Context) (Stats, error) {
	known, stats, err := v.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.Items = len(known) + stats.Anonymous
	return stats, nil
}

// FilterNew returns the items whose id is not in known, preserving input order.
// Repeated ids inside items keep only their first occurrence.
func (v *Vault) FilterNew(items []Item, known map[string]struct{}) []Item {
	fresh := make([]Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID == "" {
			if v.policy == MissingIDReject {
				continue
			}
			fresh = append(fresh, item)
			continue
		}
		if _, ok := known[item.ID]; ok {
			continue
		}
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		fresh = append(fresh, item)
	}
	return fresh
}

// AppendBatch appends items in order and returns those actually written. The
// id set is reloaded under the writer lock and anything already stored is
// skipped, so uniqueness holds even if the caller did not filter. Each line is
// written and synced on its own: after a crash the log holds a prefix of the
// batch and every previously committed line is intact.
func (v *Vault) AppendBatch(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	known, _, err := v.scan(ctx)
	if err != nil {
		return nil, err
	}
	pending := v.FilterNew(items, known)
	if skipped := len(items) - len(pending); skipped > 0 {
		v.logger.Warn("append skipped items already in vault", zap.Int("skipped", skipped))
	}
	if len(pending) == 0 {
		return nil, nil
	}

	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, &IOError{Op: "open", Path: v.path, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			v.logger.Warn("vault close failed", zap.Error(cerr))
		}
	}()

	if err := v.terminateTornLine(f); err != nil {
		return nil, err
	}

	written := make([]Item, 0, len(pending))
	var line bytes.Buffer
	for _, item := range pending {
		line.Reset()
		if err := json.Compact(&line, item.Payload); err != nil {
			return written, &IOError{Op: "encode", Path: v.path, Err: fmt.Errorf("item %q: %w", item.ID, err)}
		}
		line.WriteByte('\n')
		if _, err := f.Write(line.Bytes()); err != nil {
			return written, &IOError{Op: "append", Path: v.path, Err: err}
		}
		if err := f.Sync(); err != nil {
			return written, &IOError{Op: "sync", Path: v.path, Err: err}
		}
		written = append(written, item)
	}
	return written, nil
}

// terminateTornLine ends a partial trailing line left by an interrupted
// append so the next record starts on its own line.
func (v *Vault) terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: v.path, Err: err}
	}
	if info.Size() == 0 {
		return nil
	}
	r, err := os.Open(v.path)
	if err != nil {
		return &IOError{Op: "open", Path: v.path, Err: err}
	}
	defer func() {
		_ = r.Close()
	}()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return &IOError{Op: "read", Path: v.path, Err: err}
	}
	if last[0] == '\n' {
		return nil
	}
	v.logger.Warn("terminating torn trailing line in vault", zap.String("path", v.path))
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return &IOError{Op: "append", Path: v.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Op: "sync", Path: v.path, Err: err}
	}
	return nil
}

func (v *Vault) scan(ctx context.Context) (map[string]struct{}, Stats, error) {
	known := make(map[string]struct{})
	var stats Stats

	f, err := os.Open(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return known, stats, nil
		}
		return nil, Stats{}, &IOError{Op: "open", Path: v.path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, &IOError{Op: "read", Path: v.path, Err: err}
		}
		raw, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			lineNo++
			item, err := ParseItem(raw, v.idField)
			switch {
			case err != nil:
				stats.Corrupt++
				v.logger.Debug("skipping unparsable vault line", zap.Int("line", lineNo), zap.Error(err))
			case item.ID == "":
				stats.Anonymous++
			default:
				known[item.ID] = struct{}{}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, Stats{}, &IOError{Op: "read", Path: v.path, Err: readErr}
		}
	}
	metrics.ObserveCorruptLines(stats.Corrupt)
	return known, stats, nil
}
