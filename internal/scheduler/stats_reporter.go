// internal/scheduler/stats_reporter.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"batch-ingest/internal/metrics"
	"batch-ingest/internal/usecase"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StatsSource provides the queue summary the reporter publishes.
type StatsSource interface {
	QueueStats(ctx context.Context) (*usecase.QueueStats, error)
}

// StatsReporter periodically refreshes queue gauges and logs a summary.
type StatsReporter struct {
	cron   *cron.Cron
	source StatsSource
	logger *slog.Logger
	tracer trace.Tracer
}

// NewStatsReporter schedules a report on schedule, which accepts six-field
// cron expressions and descriptors such as "@every 30s".
func NewStatsReporter(source StatsSource, schedule string, logger *slog.Logger) (*StatsReporter, error) {
	r := &StatsReporter{
		cron:   cron.New(cron.WithSeconds()),
		source: source,
		logger: logger.With("component", "stats-reporter"),
		tracer: otel.Tracer("batch-ingest-scheduler"),
	}

	if _, err := r.cron.AddJob(schedule, &reportJob{reporter: r}); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule until ctx is done.
func (r *StatsReporter) Start(ctx context.Context) error {
	r.logger.Info("stats reporter started")
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("stats reporter stopped")
	return ctx.Err()
}

// Report publishes one summary.
func (r *StatsReporter) Report(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "scheduler.ReportStats")
	defer span.End()

	stats, err := r.source.QueueStats(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	metrics.SetPending(stats.ByPriority)
	r.logger.Info("queue summary",
		"dispatcher", stats.Dispatcher,
		"pending", stats.Pending,
		"pending_by_priority", stats.ByPriority,
		"ingestions_by_status", stats.Ingestions,
		"replicas", len(stats.Replicas),
	)
	return nil
}

// reportJob adapts the reporter to cron.Job.
type reportJob struct {
	reporter *StatsReporter
}

func (j *reportJob) Run() {
	if err := j.reporter.Report(context.Background()); err != nil {
		j.reporter.logger.Error("failed to report queue stats", "error", err)
	}
}
