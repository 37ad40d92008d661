package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"rootsense/api/internal/models"
	"rootsense/api/internal/repos"
	"rootsense/shared/config"
	"rootsense/shared/dbx"
	"rootsense/shared/events"
	"rootsense/shared/influxx"
	"rootsense/shared/logx"
	"rootsense/shared/metricsx"
	"rootsense/shared/mqx"
	"rootsense/shared/observability"
)

func main() {
	cfg, problems := config.Load("activity-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	reader, err := mqx.NewConsumer(cfg, events.TopicActivityEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	activityRepo := repos.NewActivityRepo(dbPool)

	influxClient, err := influxx.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "influx_init_failed", "health trend writes disabled",
			slog.String("error", err.Error()))
	} else {
		defer influxClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "activity events consumer started",
		slog.String("topic", events.TopicActivityEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicActivityEvents),
		)
		if err := handleActivityEvent(spanCtx, logger, activityRepo, influxClient, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "activity events consumer stopped")
}

// handleActivityEvent materializes one envelope into the activity feed and,
// for tree saves, a health sample. The feed row is keyed by the outbox event
// id, so a redelivered message becomes a no-op insert.
func handleActivityEvent(ctx context.Context, logger logx.Logger, activityRepo *repos.ActivityRepo, influxClient *influxx.Client, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/aggregate_id")
	}

	item := models.ActivityItem{
		ActivityID: envelope.EventID,
		EventType:  envelope.EventType,
		Payload:    envelope.Payload,
		OccurredAt: envelope.OccurredAt,
	}

	switch envelope.EventType {
	case events.EventTreeAdded:
		var tree events.TreeAddedPayload
		if err := json.Unmarshal(envelope.Payload, &tree); err != nil {
			return err
		}
		item.Actor = tree.ReportedBy
		item.Department = tree.Department
		item.Description = fmt.Sprintf("%s added tree %s at %s (%s)", tree.ReportedBy, tree.TreeID, tree.Location, tree.Health)
		if influxClient != nil {
			if err := influxClient.WriteTreeHealth(ctx, tree.TreeID, tree.Location, tree.Health, tree.GreenCoverage, tree.LeafDensity, envelope.OccurredAt); err != nil {
				metricsx.IncInfluxWriteFailure()
				logger.Warn(ctx, "influx_write_failed", "tree health sample dropped",
					slog.String("tree_id", tree.TreeID),
					slog.String("error", err.Error()),
				)
			}
		}
	case events.EventIssueReported, events.EventIssueStarted, events.EventIssueResolved:
		var issue events.IssuePayload
		if err := json.Unmarshal(envelope.Payload, &issue); err != nil {
			return err
		}
		item.Actor = issue.ReportedBy
		item.Department = issue.Department
		item.Description = issueDescription(envelope.EventType, issue)
	default:
		item.Description = envelope.EventType
	}

	return activityRepo.Insert(ctx, item)
}

func issueDescription(eventType string, issue events.IssuePayload) string {
	switch eventType {
	case events.EventIssueReported:
		return fmt.Sprintf("%s reported %q (%s, %s priority)", issue.ReportedBy, issue.Title, issue.Type, issue.Priority)
	case events.EventIssueStarted:
		return fmt.Sprintf("work started on %q", issue.Title)
	case events.EventIssueResolved:
		return fmt.Sprintf("%q was resolved", issue.Title)
	}
	return issue.Title
}
