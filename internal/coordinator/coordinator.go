// Package coordinator runs one ingestion cycle end to end: load the mission,
// drive the remote job, append unseen items to the vault, refresh the preview
// and record the outcome in run metadata.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/lifecycle"
	"github.com/JakeFAU/mission-vault/internal/metrics"
	"github.com/JakeFAU/mission-vault/internal/mission"
	"github.com/JakeFAU/mission-vault/internal/publisher"
	"github.com/JakeFAU/mission-vault/internal/runmeta"
	"github.com/JakeFAU/mission-vault/internal/vault"
)

const tracerName = "github.com/JakeFAU/mission-vault/internal/coordinator"

// ErrCycleInProgress is returned when RunCycle is called while another cycle
// is still running.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

// Event types published after each cycle.
const (
	EventCycleCompleted = "cycle.completed"
	EventCycleFailed    = "cycle.failed"
)

// Failure kinds for errors raised outside the job controller.
const (
	KindConfig   = "config_error"
	KindVaultIO  = "vault_io_error"
	KindInternal = "internal_error"
)

// MissionSource yields the mission for a cycle.
type MissionSource interface {
	Load(ctx context.Context) (mission.Mission, error)
}

// JobController runs one remote job to completion.
type JobController interface {
	Run(ctx context.Context, m mission.Mission) (lifecycle.Batch, error)
}

// Vault is the deduplicating item log.
type Vault interface {
	IDField() string
	LoadKnownIDs(ctx context.Context) (map[string]struct{}, error)
	FilterNew(items []vault.Item, known map[string]struct{}) []vault.Item
	AppendBatch(ctx context.Context, items []vault.Item) ([]vault.Item, error)
}

// MetadataStore persists run metadata.
type MetadataStore interface {
	Update(ctx context.Context, fn func(*runmeta.Metadata)) (runmeta.Metadata, error)
}

// Preview stores the latest-batch snapshot.
type Preview interface {
	Write(ctx context.Context, batch []json.RawMessage) (string, error)
}

// SyncSignaler requests an asynchronous vault backup.
type SyncSignaler interface {
	Signal()
}

// Clock supplies cycle timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates cycle identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps bundles the collaborators of a Coordinator. Preview, Sync and
// Publisher are optional.
type Deps struct {
	Missions  MissionSource
	Jobs      JobController
	Vault     Vault
	Metadata  MetadataStore
	Preview   Preview
	Sync      SyncSignaler
	Publisher publisher.Publisher
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Report summarises a completed cycle.
type Report struct {
	CycleID     string       `json:"cycle_id"`
	Mode        mission.Mode `json:"mode"`
	JobID       string       `json:"job_id"`
	Polls       int          `json:"polls"`
	Fetched     int          `json:"fetched"`
	Dropped     int          `json:"dropped"`
	NewItems    int          `json:"new_items"`
	Duplicates  int          `json:"duplicates"`
	TotalStored int          `json:"total_stored"`
	PreviewURI  string       `json:"preview_uri,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Coordinator serialises ingestion cycles.
type Coordinator struct {
	deps   Deps
	logger *zap.Logger
	mu     sync.Mutex
}

// New validates deps and builds a Coordinator.
func New(deps Deps) (*Coordinator, error) {
	switch {
	case deps.Missions == nil:
		return nil, errors.New("coordinator requires a mission source")
	case deps.Jobs == nil:
		return nil, errors.New("coordinator requires a job controller")
	case deps.Vault == nil:
		return nil, errors.New("coordinator requires a vault")
	case deps.Metadata == nil:
		return nil, errors.New("coordinator requires a metadata store")
	case deps.Clock == nil:
		return nil, errors.New("coordinator requires a clock")
	case deps.IDs == nil:
		return nil, errors.New("coordinator requires an id generator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{deps: deps, logger: logger}, nil
}

// RunCycle performs one ingestion cycle. Any error other than a failed backup,
// preview or notification aborts the cycle and is returned; job failures leave
// the vault untouched.
func (c *Coordinator) RunCycle(ctx context.Context) (Report, error) {
	if !c.mu.TryLock() {
		return Report{}, ErrCycleInProgress
	}
	defer c.mu.Unlock()

	cycleID, err := c.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate cycle id: %w", err)
	}
	report := Report{CycleID: cycleID, StartedAt: c.deps.Clock.Now()}
	logger := c.logger.With(zap.String("cycle_id", cycleID))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.RunCycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	report, err = c.ingest(ctx, logger, report)
	span.SetAttributes(
		attribute.String("mission.mode", string(report.Mode)),
		attribute.Int("cycle.new_items", report.NewItems),
	)
	if err != nil {
		kind := FailureKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		metrics.ObserveCycle(kind)
		logger.Error("cycle failed", zap.String("kind", kind), zap.Error(err))
		c.recordFailure(ctx, logger, cycleID, kind, err)
		c.publish(ctx, logger, publisher.Event{
			Type:       EventCycleFailed,
			Attributes: map[string]string{"cycle_id": cycleID, "kind": kind},
			Payload: map[string]string{
				"cycle_id": cycleID,
				"kind":     kind,
				"error":    err.Error(),
			},
		})
		return report, err
	}

	metrics.ObserveCycle("succeeded")
	metrics.ObserveIngest(report.NewItems, report.Duplicates, report.TotalStored, report.FinishedAt)
	logger.Info("cycle completed",
		zap.String("job_id", report.JobID),
		zap.Int("fetched", report.Fetched),
		zap.Int("new_items", report.NewItems),
		zap.Int("total_stored", report.TotalStored),
	)
	c.publish(ctx, logger, publisher.Event{
		Type:       EventCycleCompleted,
		Attributes: map[string]string{"cycle_id": cycleID, "mode": string(report.Mode)},
		Payload:    report,
	})
	return report, nil
}

func (c *Coordinator) ingest(ctx context.Context, logger *zap.Logger, report Report) (Report, error) {
	m, err := c.deps.Missions.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Mode = m.Mode
	logger = logger.With(zap.String("mode", string(m.Mode)))

	batch, err := c.deps.Jobs.Run(ctx, m)
	if err != nil {
		return report, err
	}
	report.JobID = batch.Job.ID
	report.Polls = batch.Polls
	report.Fetched = len(batch.Items)

	items, dropped := vault.ParseBatch(batch.Items, c.deps.Vault.IDField())
	report.Dropped = dropped
	if dropped > 0 {
		logger.Warn("dropped records that are not JSON objects", zap.Int("dropped", dropped))
	}

	known, err := c.deps.Vault.LoadKnownIDs(ctx)
	if err != nil {
		return report, err
	}
	fresh := c.deps.Vault.FilterNew(items, known)
	var appended []vault.Item
	if len(fresh) > 0 {
		appended, err = c.deps.Vault.AppendBatch(ctx, fresh)
		if err != nil {
			return report, err
		}
	}
	report.NewItems = len(appended)
	report.Duplicates = len(items) - len(fresh)

	if c.deps.Preview != nil {
		uri, err := c.deps.Preview.Write(ctx, batch.Items)
		if err != nil {
			logger.Warn("preview write failed", zap.Error(err))
		} else {
			report.PreviewURI = uri
		}
	}

	report.TotalStored = len(known) + len(appended)
	report.FinishedAt = c.deps.Clock.Now()
	_, err = c.deps.Metadata.Update(ctx, func(meta *runmeta.Metadata) {
		at := report.FinishedAt
		meta.LastRunAt = &at
		meta.TotalStored = report.TotalStored
		meta.LastNewItems = report.NewItems
		meta.LastCycleID = report.CycleID
	})
	if len(appended) > 0 && c.deps.Sync != nil {
		c.deps.Sync.Signal()
	}
	if err != nil {
		return report, fmt.Errorf("update run metadata: %w", err)
	}
	return report, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, logger *zap.Logger, cycleID, kind string, cause error) {
	at := c.deps.Clock.Now()
	_, err := c.deps.Metadata.Update(context.WithoutCancel(ctx), func(meta *runmeta.Metadata) {
		meta.LastFailureAt = &at
		meta.LastFailureKind = kind
		meta.LastError = cause.Error()
		meta.LastCycleID = cycleID
	})
	if err != nil {
		logger.Warn("record cycle failure", zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, logger *zap.Logger, event publisher.Event) {
	if c.deps.Publisher == nil {
		return
	}
	id, err := c.deps.Publisher.Publish(context.WithoutCancel(ctx), event)
	if err != nil {
		logger.Warn("publish cycle event failed", zap.String("event", event.Type), zap.Error(err))
		return
	}
	logger.Debug("cycle event published", zap.String("event", event.Type), zap.String("message_id", id))
}

// FailureKind classifies a RunCycle error for metadata and metrics.
func FailureKind(err error) string {
	if kind, ok := lifecycle.FailureKind(err); ok {
		return string(kind)
	}
	var cfgErr *mission.ConfigError
	if errors.As(err, &cfgErr) {
		return KindConfig
	}
	var ioErr *vault.IOError
	if errors.As(err, &ioErr) {
		return KindVaultIO
	}
	return KindInternal
}
