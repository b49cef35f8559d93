package settlement

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/Additional-Code/bulkbuy/service/settlement"

// stageMetrics holds the settlement instruments. Nil instruments are skipped.
type stageMetrics struct {
	runs           metric.Int64Counter
	errors         metric.Int64Counter
	timeouts       metric.Int64Counter
	duration       metric.Float64Histogram
	units          metric.Int64Counter
	manualFollowUp metric.Int64Counter
}

func newStageMetrics(logger *zap.Logger) *stageMetrics {
	meter := otel.Meter(meterName)
	m := &stageMetrics{}
	var err error

	if m.runs, err = meter.Int64Counter("settlement_stage_runs_total",
		metric.WithDescription("Settlement stage invocations")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_stage_runs_total"), zap.Error(err))
	}
	if m.errors, err = meter.Int64Counter("settlement_stage_errors_total",
		metric.WithDescription("Settlement stages aborted by infrastructure errors")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_stage_errors_total"), zap.Error(err))
	}
	if m.timeouts, err = meter.Int64Counter("settlement_stage_timeouts_total",
		metric.WithDescription("Settlement stages that hit their deadline")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_stage_timeouts_total"), zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("settlement_stage_duration_seconds",
		metric.WithDescription("Settlement stage wall time"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_stage_duration_seconds"), zap.Error(err))
	}
	if m.units, err = meter.Int64Counter("settlement_units_total",
		metric.WithDescription("Per-entity units handled by settlement stages, by outcome")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_units_total"), zap.Error(err))
	}
	if m.manualFollowUp, err = meter.Int64Counter("settlement_manual_followup_total",
		metric.WithDescription("Payments skipped pending member payment method repair")); err != nil {
		logger.Warn("create metric failed", zap.String("metric", "settlement_manual_followup_total"), zap.Error(err))
	}
	return m
}

func (m *stageMetrics) observeRun(ctx context.Context, stage Stage, elapsed time.Duration, err error, timedOut bool) {
	attrs := metric.WithAttributes(attribute.String("stage", string(stage)))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
	if timedOut && m.timeouts != nil {
		m.timeouts.Add(ctx, 1, attrs)
	}
}

func (m *stageMetrics) recordUnits(ctx context.Context, res Result) {
	if m.units == nil {
		return
	}
	for outcome, n := range map[string]int{
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	} {
		if n == 0 {
			continue
		}
		m.units.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("stage", string(res.Stage)),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *stageMetrics) incManualFollowUp(ctx context.Context, reason string) {
	if m.manualFollowUp == nil {
		return
	}
	m.manualFollowUp.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
