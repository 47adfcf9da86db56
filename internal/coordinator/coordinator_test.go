package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/cloudsync"
	"github.com/JakeFAU/mission-vault/internal/hash/sha256"
	"github.com/JakeFAU/mission-vault/internal/jobrunner"
	"github.com/JakeFAU/mission-vault/internal/lifecycle"
	"github.com/JakeFAU/mission-vault/internal/mission"
	"github.com/JakeFAU/mission-vault/internal/preview"
	memorypublisher "github.com/JakeFAU/mission-vault/internal/publisher/memory"
	"github.com/JakeFAU/mission-vault/internal/runmeta"
	"github.com/JakeFAU/mission-vault/internal/storage/memory"
	"github.com/JakeFAU/mission-vault/internal/vault"
)

// scriptedRunner replays statuses (the last one repeats) and serves items.
type scriptedRunner struct {
	mu       sync.Mutex
	statuses []jobrunner.Status
	items    []json.RawMessage
	submits  int
	polls    int
	onPoll   func(n int)
}

func (r *scriptedRunner) Submit(context.Context, jobrunner.Request) (jobrunner.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	return jobrunner.Job{ID: fmt.Sprintf("run-%d", r.submits), DatasetRef: "ds", Status: jobrunner.StatusPending}, nil
}

func (r *scriptedRunner) Status(context.Context, string) (jobrunner.Status, error) {
	r.mu.Lock()
	r.polls++
	n := r.polls
	idx := min(n-1, len(r.statuses)-1)
	status := r.statuses[idx]
	hook := r.onPoll
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return status, nil
}

func (r *scriptedRunner) Items(context.Context, string) ([]json.RawMessage, error) {
	return r.items, nil
}

func (r *scriptedRunner) counts() (submits, polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits, r.polls
}

type countingSync struct {
	mu      sync.Mutex
	signals int
}

func (s *countingSync) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals++
}

func (s *countingSync) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("cycle-%d", g.n), nil
}

type failingPreview struct{}

func (failingPreview) Write(context.Context, []json.RawMessage) (string, error) {
	return "", errors.New("preview bucket unavailable")
}

type harness struct {
	dir        string
	configPath string
	runner     *scriptedRunner
	vault      *vault.Vault
	meta       *runmeta.Store
	blobs      *memory.BlobStore
	preview    *preview.Snapshot
	sync       *countingSync
	publisher  *memorypublisher.Publisher
	deps       Deps
}

const searchMission = `{"mission": {"mode": "search", "query": ["golang"], "max_items": 5}}`

func newHarness(t *testing.T, doc string, runner *scriptedRunner) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:        dir,
		configPath: filepath.Join(dir, "config.json"),
		runner:     runner,
		blobs:      memory.NewBlobStore(),
		sync:       &countingSync{},
		publisher:  memorypublisher.New(),
	}
	if doc != "" {
		require.NoError(t, os.WriteFile(h.configPath, []byte(doc), 0o600))
	}
	var err error
	h.vault, err = vault.New(vault.Config{Path: filepath.Join(dir, "vault", "x_vault.jsonl")}, zap.NewNop())
	require.NoError(t, err)
	h.meta, err = runmeta.NewStore(h.configPath)
	require.NoError(t, err)
	h.preview, err = preview.New(h.blobs, preview.Config{Limit: 10})
	require.NoError(t, err)

	h.deps = Deps{
		Missions:  mission.NewFileSource(h.configPath),
		Jobs:      lifecycle.New(runner, lifecycle.Config{PollInterval: time.Millisecond, MaxWait: 5 * time.Second}, zap.NewNop()),
		Vault:     h.vault,
		Metadata:  h.meta,
		Preview:   h.preview,
		Sync:      h.sync,
		Publisher: h.publisher,
		Clock:     &stepClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Logger:    zap.NewNop(),
	}
	return h
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(h.deps)
	require.NoError(t, err)
	return c
}

func (h *harness) vaultIDs(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.vault.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		item, err := vault.ParseItem([]byte(line), vault.DefaultIDField)
		require.NoError(t, err)
		out = append(out, item.ID)
	}
	return out
}

func records(ids ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%q,"text":"post %s"}`, id, id)))
	}
	return out
}

func succeeding(ids ...string) *scriptedRunner {
	return &scriptedRunner{
		statuses: []jobrunner.Status{jobrunner.StatusRunning, jobrunner.StatusSucceeded},
		items:    records(ids...),
	}
}

func TestRunCycleIntoEmptyVault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding("a", "b"))
	ctx := context.Background()

	report, err := h.coordinator(t).RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, h.vaultIDs(t))
	assert.Equal(t, 2, report.NewItems)
	assert.Equal(t, 2, report.TotalStored)
	assert.Equal(t, mission.ModeSearch, report.Mode)
	assert.Equal(t, "run-1", report.JobID)
	assert.Equal(t, 1, h.sync.count())

	meta, err := h.meta.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.TotalStored)
	assert.Equal(t, 2, meta.LastNewItems)
	assert.Equal(t, "cycle-1", meta.LastCycleID)
	require.NotNil(t, meta.LastRunAt)
	assert.True(t, report.FinishedAt.Equal(*meta.LastRunAt))

	// The mission section survives the metadata merge.
	loaded, err := mission.NewFileSource(h.configPath).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"golang"}, loaded.Query)

	latest, err := h.preview.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, latest, 2)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCycleCompleted, events[0].Type)
	assert.Equal(t, "cycle-1", events[0].Attributes["cycle_id"])
}

func TestRunCycleSkipsKnownItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding("a", "b"))
	ctx := context.Background()
	seed, _ := vault.ParseBatch(records("a"), vault.DefaultIDField)
	_, err := h.vault.AppendBatch(ctx, seed)
	require.NoError(t, err)

	report, err := h.coordinator(t).RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, h.vaultIDs(t))
	assert.Equal(t, 1, report.NewItems)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.TotalStored)

	latest, err := h.preview.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, latest, 2, "preview holds the raw batch, not only new items")
}

func TestRunCycleIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding("a", "b", "a"))
	c := h.coordinator(t)
	ctx := context.Background()

	first, err := c.RunCycle(ctx)
	require.NoError(t, err)
	second, err := c.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, h.vaultIDs(t))
	assert.Equal(t, 2, first.NewItems)
	assert.Zero(t, second.NewItems)
	assert.Equal(t, 2, second.TotalStored)
	assert.Equal(t, 1, h.sync.count(), "no backup signal when nothing was appended")
	assert.Len(t, h.publisher.Events(), 2)
}

func TestRunCycleTimedOutJobLeavesStateAlone(t *testing.T) {
	t.Parallel()

	previous := "2026-05-01T00:00:00Z"
	doc := `{"mission": {"mode": "user", "handles": ["golang"]}, "settings": {"last_run_at": "` + previous + `", "total_stored": 4}}`
	runner := &scriptedRunner{statuses: []jobrunner.Status{
		jobrunner.StatusRunning, jobrunner.StatusRunning, jobrunner.StatusTimedOut,
	}}
	h := newHarness(t, doc, runner)
	ctx := context.Background()

	_, err := h.coordinator(t).RunCycle(ctx)
	require.Error(t, err)
	kind, ok := lifecycle.FailureKind(err)
	require.True(t, ok)
	assert.Equal(t, lifecycle.KindTimeout, kind)
	assert.Equal(t, string(lifecycle.KindTimeout), FailureKind(err))

	_, polls := runner.counts()
	assert.Equal(t, 3, polls)
	assert.Empty(t, h.vaultIDs(t))
	assert.Zero(t, h.sync.count())

	meta, err := h.meta.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, meta.LastRunAt)
	assert.Equal(t, previous, meta.LastRunAt.UTC().Format(time.RFC3339))
	assert.Equal(t, 4, meta.TotalStored)
	assert.Equal(t, "timeout", meta.LastFailureKind)
	assert.NotEmpty(t, meta.LastError)
	assert.NotNil(t, meta.LastFailureAt)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCycleFailed, events[0].Type)
	assert.Equal(t, "timeout", events[0].Attributes["kind"])
}

func TestRunCycleConfigErrorSkipsRunner(t *testing.T) {
	t.Parallel()

	runner := succeeding("a")
	h := newHarness(t, `{"mission": {"mode": "hashtag"}}`, runner)

	_, err := h.coordinator(t).RunCycle(context.Background())
	var cfgErr *mission.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, KindConfig, FailureKind(err))

	submits, polls := runner.counts()
	assert.Zero(t, submits)
	assert.Zero(t, polls)
	assert.Empty(t, h.vaultIDs(t))
}

func TestRunCycleMissingMissionDocument(t *testing.T) {
	t.Parallel()

	runner := succeeding("a")
	h := newHarness(t, "", runner)
	h.deps.Missions = mission.NewFileSource(filepath.Join(h.dir, "absent.json"))

	_, err := h.coordinator(t).RunCycle(context.Background())
	var cfgErr *mission.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	submits, _ := runner.counts()
	assert.Zero(t, submits)
}

func TestRunCycleVaultErrorDoesNotAdvanceTotal(t *testing.T) {
	t.Parallel()

	doc := `{"mission": {"mode": "search", "query": ["x"]}, "settings": {"total_stored": 9}}`
	h := newHarness(t, doc, succeeding("a"))
	require.NoError(t, os.Mkdir(h.vault.Path(), 0o750))
	ctx := context.Background()

	_, err := h.coordinator(t).RunCycle(ctx)
	var ioErr *vault.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, KindVaultIO, FailureKind(err))

	meta, err := h.meta.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, meta.TotalStored)
	assert.Nil(t, meta.LastRunAt)
	assert.Equal(t, KindVaultIO, meta.LastFailureKind)
}

func TestRunCycleSurvivesBackupFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding("a"))
	backups := memory.NewBlobStore()
	backups.FailWith(errors.New("bucket unavailable"))
	worker, err := cloudsync.New(backups, h.vault.Path(), sha256.New(), &stepClock{}, cloudsync.Config{
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	h.deps.Sync = worker
	ctx := context.Background()

	report, err := h.coordinator(t).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewItems)

	var syncErr *cloudsync.SyncError
	require.ErrorAs(t, worker.Flush(ctx), &syncErr)

	meta, err := h.meta.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.TotalStored)
	assert.Nil(t, meta.LastCloudSyncAt)
}

func TestRunCycleToleratesPreviewAndPublishFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding("a"))
	h.deps.Preview = failingPreview{}
	h.publisher.FailWith(errors.New("topic gone"))

	report, err := h.coordinator(t).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewItems)
	assert.Empty(t, report.PreviewURI)
}

func TestRunCycleRejectsConcurrentCycle(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	runner := succeeding("a")
	runner.onPoll = func(int) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h := newHarness(t, searchMission, runner)
	c := h.coordinator(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	_, err := c.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a"}, h.vaultIDs(t))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	h := newHarness(t, searchMission, succeeding())
	deps := h.deps
	deps.Vault = nil
	_, err := New(deps)
	require.Error(t, err)

	deps = h.deps
	deps.Preview, deps.Sync, deps.Publisher = nil, nil, nil
	_, err = New(deps)
	require.NoError(t, err)
}
