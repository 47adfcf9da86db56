// Package cloudsync mirrors the vault file to blob storage off the ingestion
// path. Uploads are requested with Signal, coalesced, and retried with backoff;
// failures are logged and never reach the cycle that triggered them.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/metrics"
	"github.com/JakeFAU/mission-vault/internal/storage"
)

// Defaults applied by New.
const (
	DefaultPrefix      = "backups"
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	ContentType        = "application/x-ndjson"
)

// Outcome labels reported to metrics.
const (
	OutcomeUploaded = "uploaded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Config tunes the backup worker.
type Config struct {
	Prefix      string        `mapstructure:"prefix"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SyncError reports a backup that failed after all retries.
type SyncError struct {
	Object   string
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("cloud sync %s failed after %d attempt(s): %v", e.Object, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Hasher digests the vault file so unchanged snapshots are not re-uploaded.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock supplies the sync timestamp.
type Clock interface {
	Now() time.Time
}

// SyncedFunc is invoked after a successful upload.
type SyncedFunc func(ctx context.Context, at time.Time) error

// Worker uploads the vault on demand.
type Worker struct {
	store     storage.BlobStore
	vaultPath string
	object    string
	hasher    Hasher
	clock     Clock
	retry     *RetryPolicy
	onSynced  SyncedFunc
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	pending chan struct{}

	syncMu     sync.Mutex
	lastDigest string
}

// Option customises a Worker.
type Option func(*Worker)

// WithOnSynced registers fn to run after each successful upload.
func WithOnSynced(fn SyncedFunc) Option {
	return func(w *Worker) { w.onSynced = fn }
}

// WithLogger sets the worker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New builds a Worker that copies vaultPath to <prefix>/<vault file name>.
func New(store storage.BlobStore, vaultPath string, hasher Hasher, clock Clock, cfg Config, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, errors.New("cloud sync requires a blob store")
	}
	if strings.TrimSpace(vaultPath) == "" {
		return nil, errors.New("cloud sync requires a vault path")
	}
	if hasher == nil || clock == nil {
		return nil, errors.New("cloud sync requires a hasher and a clock")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	w := &Worker{
		store:     store,
		vaultPath: vaultPath,
		object:    path.Join(prefix, filepath.Base(vaultPath)),
		hasher:    hasher,
		clock:     clock,
		retry:     NewRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay),
		logger:    zap.NewNop(),
		sleep:     sleepContext,
		pending:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Object returns the destination object path.
func (w *Worker) Object() string {
	return w.object
}

// Signal requests a backup without blocking. Requests made while one is
// already pending collapse into it.
func (w *Worker) Signal() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// Run serves signals until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
			if err := w.Sync(ctx); err != nil {
				w.logger.Warn("cloud sync failed", zap.Error(err))
			}
		}
	}
}

// Flush performs a pending backup, if any, before returning. It is used on
// shutdown after Run has stopped.
func (w *Worker) Flush(ctx context.Context) error {
	select {
	case <-w.pending:
		return w.Sync(ctx)
	default:
		return nil
	}
}

// Sync uploads the vault now, retrying transient failures. A missing vault
// file or an unchanged digest is a successful no-op.
func (w *Worker) Sync(ctx context.Context) error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	digest, err := w.hasher.HashFile(w.vaultPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("vault file absent, nothing to back up", zap.String("path", w.vaultPath))
			return nil
		}
		metrics.ObserveCloudSync(OutcomeFailed)
		return &SyncError{Object: w.object, Attempts: 0, Err: err}
	}
	if digest == w.lastDigest {
		metrics.ObserveCloudSync(OutcomeSkipped)
		w.logger.Debug("vault unchanged since last backup", zap.String("sha256", digest))
		return nil
	}

	var (
		uri     string
		attempt int
	)
	for attempt = 1; ; attempt++ {
		uri, err = w.upload(ctx)
		if err == nil {
			break
		}
		if !w.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := w.retry.Backoff(attempt)
		w.logger.Info("retrying cloud sync",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	if err != nil {
		metrics.ObserveCloudSync(OutcomeFailed)
		return &SyncError{Object: w.object, Attempts: attempt, Err: err}
	}

	w.lastDigest = digest
	metrics.ObserveCloudSync(OutcomeUploaded)
	at := w.clock.Now()
	w.logger.Info("vault backed up",
		zap.String("uri", uri),
		zap.String("sha256", digest),
		zap.Int("attempts", attempt),
	)
	if w.onSynced != nil {
		if err := w.onSynced(ctx, at); err != nil {
			w.logger.Warn("record cloud sync time", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) upload(ctx context.Context) (string, error) {
	f, err := os.Open(w.vaultPath) // #nosec G304 -- path comes from operator configuration.
	if err != nil {
		return "", fmt.Errorf("open vault: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	uri, err := w.store.PutObject(ctx, w.object, ContentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", w.object, err)
	}
	return uri, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
