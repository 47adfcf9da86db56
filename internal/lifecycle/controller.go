// Package lifecycle drives a remote scraping job from submission to a terminal
// state and retrieves its results.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/jobrunner"
	"github.com/JakeFAU/mission-vault/internal/metrics"
	"github.com/JakeFAU/mission-vault/internal/mission"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 30 * time.Minute
)

// Config controls polling behavior.
type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Batch is the raw result set of one successful job.
type Batch struct {
	Job     jobrunner.Job
	Items   []json.RawMessage
	Polls   int
	Elapsed time.Duration
}

// Controller owns the polling state machine. It never retries a submission;
// that decision belongs to whoever schedules cycles.
type Controller struct {
	runner jobrunner.Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Controller.
func New(runner jobrunner.Runner, cfg Config, logger *zap.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Run submits m, waits for the job to finish and fetches its items.
func (c *Controller) Run(ctx context.Context, m mission.Mission) (Batch, error) {
	start := time.Now()
	job, err := c.Submit(ctx, m)
	if err != nil {
		return Batch{}, err
	}

	job, polls, err := c.await(ctx, job)
	metrics.ObserveJobWait(time.Since(start))
	if err != nil {
		metrics.ObserveJob(string(failureKind(err)))
		return Batch{}, err
	}

	items, err := c.runner.Items(ctx, job.DatasetRef)
	if err != nil {
		metrics.ObserveJob(string(KindFetch))
		return Batch{}, &JobFailure{Kind: KindFetch, JobID: job.ID, Status: job.Status, Err: err}
	}
	metrics.ObserveJob("succeeded")
	c.logger.Info("job results fetched",
		zap.String("job_id", job.ID),
		zap.Int("items", len(items)),
		zap.Int("polls", polls),
	)
	return Batch{
		Job:     job,
		Items:   items,
		Polls:   polls,
		Elapsed: time.Since(start),
	}, nil
}

// Submit maps the mission onto a runner request and starts the job.
func (c *Controller) Submit(ctx context.Context, m mission.Mission) (jobrunner.Job, error) {
	req, err := BuildRequest(m)
	if err != nil {
		return jobrunner.Job{}, &JobFailure{Kind: KindInvalidMission, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return jobrunner.Job{}, &JobFailure{Kind: KindCancelled, Err: err}
	}
	job, err := c.runner.Submit(ctx, req)
	if err != nil {
		return jobrunner.Job{}, &JobFailure{Kind: KindSubmit, Err: err}
	}
	if job.Status == "" {
		job.Status = jobrunner.StatusPending
	}
	c.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("dataset", job.DatasetRef),
		zap.String("mode", string(m.Mode)),
		zap.Int("max_items", m.MaxItems),
	)
	return job, nil
}

// Poll performs a single status check and returns the updated job.
func (c *Controller) Poll(ctx context.Context, job jobrunner.Job) (jobrunner.Job, error) {
	status, err := c.runner.Status(ctx, job.ID)
	metrics.ObservePoll()
	if err != nil {
		return job, &JobFailure{Kind: KindPoll, JobID: job.ID, Status: job.Status, Err: err}
	}
	if !status.Known() {
		return job, &JobFailure{
			Kind:  KindPoll,
			JobID: job.ID,
			Err:   fmt.Errorf("unknown status %q", status),
		}
	}
	job.Status = status
	return job, nil
}

// await polls until the job is terminal, the wait budget runs out, or ctx is
// cancelled. Cancellation is only observed between requests: an in-flight
// status call is allowed to finish.
func (c *Controller) await(ctx context.Context, job jobrunner.Job) (jobrunner.Job, int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	polls := 0
	for {
		if err := waitCtx.Err(); err != nil {
			return job, polls, c.stopped(ctx, job, err)
		}

		var err error
		job, err = c.Poll(context.WithoutCancel(ctx), job)
		polls++
		if err != nil {
			return job, polls, err
		}
		c.logger.Debug("job polled",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("poll", polls),
		)

		if job.Status.Terminal() {
			return job, polls, terminalError(job)
		}

		timer.Reset(c.cfg.PollInterval)
		select {
		case <-waitCtx.Done():
			return job, polls, c.stopped(ctx, job, waitCtx.Err())
		case <-timer.C:
		}
	}
}

func (c *Controller) stopped(parent context.Context, job jobrunner.Job, cause error) error {
	if parent.Err() != nil {
		c.logger.Warn("job polling cancelled", zap.String("job_id", job.ID))
		return &JobFailure{Kind: KindCancelled, JobID: job.ID, Status: job.Status, Err: parent.Err()}
	}
	c.logger.Warn("job exceeded wait budget",
		zap.String("job_id", job.ID),
		zap.Duration("max_wait", c.cfg.MaxWait),
	)
	return &JobFailure{
		Kind:   KindTimeout,
		JobID:  job.ID,
		Status: job.Status,
		Err:    fmt.Errorf("no terminal status within %s: %w", c.cfg.MaxWait, cause),
	}
}

func terminalError(job jobrunner.Job) error {
	switch job.Status {
	case jobrunner.StatusSucceeded:
		return nil
	case jobrunner.StatusFailed:
		return &JobFailure{Kind: KindRunFailed, JobID: job.ID, Status: job.Status}
	case jobrunner.StatusAborted:
		return &JobFailure{Kind: KindAborted, JobID: job.ID, Status: job.Status}
	case jobrunner.StatusTimedOut:
		return &JobFailure{Kind: KindTimeout, JobID: job.ID, Status: job.Status}
	default:
		return &JobFailure{Kind: KindPoll, JobID: job.ID, Err: errors.New("status is not terminal")}
	}
}

func failureKind(err error) Kind {
	if kind, ok := FailureKind(err); ok {
		return kind
	}
	return KindPoll
}

// BuildRequest maps a mission onto the runner request shape.
func BuildRequest(m mission.Mission) (jobrunner.Request, error) {
	if err := m.Validate(); err != nil {
		return jobrunner.Request{}, err
	}
	req := jobrunner.Request{
		MaxItems:    m.MaxItems,
		AddUserInfo: true,
	}
	m = m.Clone()
	switch m.Mode {
	case mission.ModeSearch:
		req.SearchQueries = m.Query
	case mission.ModeUser:
		req.TwitterHandles = m.Handles
	case mission.ModeList, mission.ModeURL:
		req.StartURLs = m.URLs
	case mission.ModeProfile:
		req.TwitterHandles = m.Handles
		req.ScrapeProfile = true
	default:
		return jobrunner.Request{}, fmt.Errorf("%w: unknown mode %q", mission.ErrInvalidMission, m.Mode)
	}
	return req, nil
}
