// Package app builds the collector's long-lived services from configuration
// and runs them: a single cycle, the scheduler, or the scheduler plus the
// status API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/api"
	"github.com/JakeFAU/mission-vault/internal/clock/system"
	"github.com/JakeFAU/mission-vault/internal/cloudsync"
	"github.com/JakeFAU/mission-vault/internal/config"
	"github.com/JakeFAU/mission-vault/internal/coordinator"
	"github.com/JakeFAU/mission-vault/internal/hash/sha256"
	"github.com/JakeFAU/mission-vault/internal/id/uuid"
	"github.com/JakeFAU/mission-vault/internal/jobrunner/apify"
	"github.com/JakeFAU/mission-vault/internal/lifecycle"
	"github.com/JakeFAU/mission-vault/internal/logging"
	"github.com/JakeFAU/mission-vault/internal/metrics"
	"github.com/JakeFAU/mission-vault/internal/mission"
	"github.com/JakeFAU/mission-vault/internal/preview"
	"github.com/JakeFAU/mission-vault/internal/publisher"
	gcppublisher "github.com/JakeFAU/mission-vault/internal/publisher/pubsub"
	"github.com/JakeFAU/mission-vault/internal/runmeta"
	"github.com/JakeFAU/mission-vault/internal/scheduler"
	gcsstorage "github.com/JakeFAU/mission-vault/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mission-vault/internal/storage/local"
	memorystorage "github.com/JakeFAU/mission-vault/internal/storage/memory"
	"github.com/JakeFAU/mission-vault/internal/telemetry"
	"github.com/JakeFAU/mission-vault/internal/vault"
)

const shutdownTimeout = 30 * time.Second

// App holds the services built from one Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	missions    *mission.FileSource
	metadata    *runmeta.Store
	vault       *vault.Vault
	preview     *preview.Snapshot
	sync        *cloudsync.Worker
	coordinator *coordinator.Coordinator

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerProvider  *sdktrace.TracerProvider
}


// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building collector",
		zap.String("mission_file", cfg.MissionFile),
		zap.String("metadata_file", cfg.MetadataFile),
		zap.String("vault", cfg.Vault.Path),
	)

	if err := a.build(ctx); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracerProvider, err = telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.missions = mission.NewFileSource(a.cfg.MissionFile)
	a.metadata, err = runmeta.NewStore(a.cfg.MetadataFile)
	if err != nil {
		return fmt.Errorf("metadata store init failed: %w", err)
	}
	a.vault, err = vault.New(a.cfg.Vault, a.logger.Named("vault"))
	if err != nil {
		return fmt.Errorf("vault init failed: %w", err)
	}

	runner, err := apify.New(apify.Config{
		BaseURL:   a.cfg.Runner.BaseURL,
		Token:     a.cfg.Runner.Token,
		ActorID:   a.cfg.Runner.ActorID,
		Timeout:   a.cfg.Runner.Timeout,
		RateLimit: a.cfg.Runner.RateLimit,
	}, nil)
	if err != nil {
		return fmt.Errorf("job runner init failed: %w", err)
	}
	controller := lifecycle.New(runner, lifecycle.Config{
		PollInterval: a.cfg.Lifecycle.PollInterval,
		MaxWait:      a.cfg.Lifecycle.MaxWait,
	}, a.logger.Named("lifecycle"))

	if err := a.setupPreview(ctx); err != nil {
		return err
	}
	if err := a.setupCloudSync(ctx); err != nil {
		return err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	deps := coordinator.Deps{
		Missions:  a.missions,
		Jobs:      controller,
		Vault:     a.vault,
		Metadata:  a.metadata,
		Clock:     a.clock,
		IDs:       uuid.New(),
		Logger:    a.logger.Named("coordinator"),
		Publisher: pub,
	}
	if a.preview != nil {
		deps.Preview = a.preview
	}
	if a.sync != nil {
		deps.Sync = a.sync
	}
	a.coordinator, err = coordinator.New(deps)
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context, sc config.StorageConfig, role string) (preview.Store, error) {
	switch sc.Backend {
	case config.BackendGCS:
		if a.storageClient == nil {
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("gcs client init failed: %w", err)
			}
			a.storageClient = client
		}
		store, err := gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket:   sc.Bucket,
			Metadata: map[string]string{"role": role},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("role", role), zap.String("bucket", sc.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(sc.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("role", role), zap.String("path", sc.Local.BaseDir))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory storage backend", zap.String("role", role))
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q for %s", sc.Backend, role)
	}
}

func (a *App) setupPreview(ctx context.Context) error {
	if !a.cfg.Preview.Enabled {
		a.logger.Info("latest preview disabled")
		return nil
	}
	store, err := a.setupBlobStore(ctx, a.cfg.Preview.Storage, "preview")
	if err != nil {
		return err
	}
	a.preview, err = preview.New(store, preview.Config{
		Object: a.cfg.Preview.Object,
		Limit:  a.cfg.Preview.Limit,
	})
	if err != nil {
		return fmt.Errorf("preview init failed: %w", err)
	}
	return nil
}

func (a *App) setupCloudSync(ctx context.Context) error {
	if !a.cfg.CloudSync.Enabled {
		a.logger.Info("cloud sync disabled")
		return nil
	}
	store, err := a.setupBlobStore(ctx, a.cfg.CloudSync.Storage, "backup")
	if err != nil {
		return err
	}
	syncLogger := a.logger.Named("cloudsync")
	a.sync, err = cloudsync.New(store, a.vault.Path(), sha256.New(), a.clock, cloudsync.Config{
		Prefix:      a.cfg.CloudSync.Prefix,
		MaxAttempts: a.cfg.CloudSync.MaxAttempts,
		BaseDelay:   a.cfg.CloudSync.BaseDelay,
		MaxDelay:    a.cfg.CloudSync.MaxDelay,
	},
		cloudsync.WithLogger(syncLogger),
		cloudsync.WithOnSynced(a.recordSync),
	)
	if err != nil {
		return fmt.Errorf("cloud sync init failed: %w", err)
	}
	a.logger.Info("cloud sync enabled", zap.String("object", a.sync.Object()))
	return nil
}

func (a *App) recordSync(ctx context.Context, at time.Time) error {
	_, err := a.metadata.Update(ctx, func(meta *runmeta.Metadata) {
		meta.LastCloudSyncAt = &at
	})
	if err != nil {
		return fmt.Errorf("record cloud sync: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, cycle events are not published")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// Coordinator exposes the cycle coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// RunOnce executes a single cycle and waits for the resulting backup, if any.
func (a *App) RunOnce(ctx context.Context) (coordinator.Report, error) {
	report, err := a.coordinator.RunCycle(ctx)
	a.flushSync(ctx)
	return report, err
}

// SyncNow uploads the vault immediately.
func (a *App) SyncNow(ctx context.Context) error {
	if a.sync == nil {
		return errors.New("cloud sync is not enabled")
	}
	if err := a.sync.Sync(ctx); err != nil {
		return fmt.Errorf("cloud sync: %w", err)
	}
	return nil
}

// Schedule runs cycles on the configured interval until ctx is cancelled.
func (a *App) Schedule(ctx context.Context) error {
	sched := a.newScheduler()
	a.startSync(ctx)
	sched.Run(ctx)
	a.flushSync(ctx)
	return nil
}

// Serve runs the scheduler and the status API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	sched := a.newScheduler()
	deps := api.Deps{
		Missions:  a.missions,
		Metadata:  a.metadata,
		Vault:     a.vault,
		Scheduler: sched,
		Clock:     a.clock,
		APIKey:    a.cfg.Server.APIKey,
		Logger:    a.logger.Named("api"),
	}
	if a.preview != nil {
		deps.Preview = a.preview
	}
	apiServer, err := api.NewServer(deps)
	if err != nil {
		return fmt.Errorf("status server init failed: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	a.startSync(ctx)
	sched.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.flushSync(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(a.coordinator, scheduler.Config{
		Interval:   a.cfg.Schedule.Interval,
		RunOnStart: a.cfg.Schedule.RunOnStart,
	}, a.logger.Named("scheduler"))
}

func (a *App) startSync(ctx context.Context) {
	if a.sync == nil {
		return
	}
	go a.sync.Run(ctx)
}

func (a *App) flushSync(ctx context.Context) {
	if a.sync == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.sync.Flush(flushCtx); err != nil {
		a.logger.Warn("cloud sync failed", zap.Error(err))
	}
}

// Close releases clients and flushes the logger.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(context.Background()); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
