package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"rootsense/api/internal/repos"
	"rootsense/shared/cachex"
	"rootsense/shared/clients/blobstore"
	"rootsense/shared/config"
	"rootsense/shared/dbx"
	"rootsense/shared/lockx"
	"rootsense/shared/logx"
	"rootsense/shared/metricsx"
	"rootsense/shared/mqx"
	"rootsense/shared/observability"
)

const (
	taskOutboxScan         = "outbox.scan"
	taskOutboxDispatch     = "outbox.dispatch"
	taskBlobSweep          = "blob.sweep"
	taskLeaderboardRefresh = "leaderboard.refresh"
)

const blobSweepLockKey = "rootsense:locks:blob-sweep"

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

func main() {
	cfg, problems := config.Load("rootsense-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	outboxRepo := repos.NewOutboxRepo(dbPool)
	treesRepo := repos.NewTreesRepo(dbPool, outboxRepo, logger)
	departmentsRepo := repos.NewDepartmentsRepo(dbPool)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "cache_init_failed", "leaderboard refresh and sweep lock disabled",
			slog.String("error", err.Error()))
	} else {
		defer cache.Close()
	}

	blobClient, err := blobstore.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "blobstore_init_failed", "blob sweep disabled",
			slog.String("error", err.Error()))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		events, err := outboxRepo.ClaimPending(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		for _, event := range events {
			payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
			task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(cfg.AsynqQueue))
			if _, err := client.Enqueue(task); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
				attempts := event.Attempts + 1
				nextRetry := time.Now().UTC().Add(retryDelay(attempts))
				_ = outboxRepo.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), attempts >= cfg.OutboxMaxAttempts)
			}
		}
		return nil
	})
	mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload dispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
		if err != nil {
			return err
		}
		event, err := outboxRepo.GetByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
			return nil
		}
		headers := map[string]string{
			"event_id":       event.EventID.String(),
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
			"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := producer.Publish(ctx, event.Topic, []byte(event.AggregateID.String()), event.Payload, headers); err != nil {
			attempts := event.Attempts + 1
			nextRetry := time.Now().UTC().Add(retryDelay(attempts))
			dead := attempts >= cfg.OutboxMaxAttempts
			_ = outboxRepo.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), dead)
			if dead {
				logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
					slog.String("event_id", event.EventID.String()),
					slog.Int("attempts", attempts),
				)
				return nil
			}
			return err
		}
		if err := outboxRepo.MarkDelivered(ctx, event.EventID); err != nil {
			return err
		}
		return nil
	})
	mux.HandleFunc(taskBlobSweep, func(ctx context.Context, t *asynq.Task) error {
		if blobClient == nil || cache == nil {
			return nil
		}
		// Single-flight across worker replicas; a skipped run is fine, the
		// next tick picks the orphans up.
		locker := lockx.New(cache.Client())
		lock, ok, err := locker.Acquire(ctx, blobSweepLockKey, 10*time.Minute)
		if err != nil || !ok {
			return err
		}
		defer func() { _ = locker.Release(ctx, lock) }()
		return sweepOrphanBlobs(ctx, logger, treesRepo, blobClient, time.Duration(cfg.BlobSweepMinAgeSec)*time.Second)
	})
	mux.HandleFunc(taskLeaderboardRefresh, func(ctx context.Context, t *asynq.Task) error {
		if cache == nil {
			return nil
		}
		scores, err := departmentsRepo.Leaderboard(ctx, 20)
		if err != nil {
			return err
		}
		ttl := 2 * time.Duration(cfg.LeaderboardRefreshSec) * time.Second
		return cache.SetJSON(ctx, cachex.KeyLeaderboard, scores, ttl)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	schedules := []struct {
		spec string
		task string
	}{
		{"@every " + strconv.Itoa(cfg.OutboxScanSec) + "s", taskOutboxScan},
		{"@every " + strconv.Itoa(cfg.BlobSweepIntervalSec) + "s", taskBlobSweep},
		{"@every " + strconv.Itoa(cfg.LeaderboardRefreshSec) + "s", taskLeaderboardRefresh},
	}
	for _, s := range schedules {
		if _, err := scheduler.Register(s.spec, asynq.NewTask(s.task, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", s.task),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "worker stopped")
}

// sweepOrphanBlobs deletes stored images no tree row references. Objects
// younger than minAge are left alone so an in-flight save whose row has not
// committed yet cannot lose its upload.
func sweepOrphanBlobs(ctx context.Context, logger logx.Logger, treesRepo *repos.TreesRepo, blobClient *blobstore.Client, minAge time.Duration) error {
	referenced, err := treesRepo.ImageURLs(ctx)
	if err != nil {
		return err
	}
	objects, err := blobClient.List(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-minAge)
	var swept int
	for _, obj := range objects {
		if obj.CreatedAt.After(cutoff) {
			continue
		}
		if referenced[blobClient.PublicURL(obj.Name)] {
			continue
		}
		if err := blobClient.Delete(ctx, obj.Name); err != nil {
			logger.Warn(ctx, "blob_delete_failed", "orphan blob delete failed",
				slog.String("key", obj.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		swept++
	}
	if swept > 0 {
		logger.Info(ctx, "blobs_swept", "orphan blobs removed",
			slog.Int("count", swept),
			slog.Int("objects_seen", len(objects)),
		)
	}
	return nil
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
