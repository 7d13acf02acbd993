// Package telemetry holds the OpenTelemetry instruments shared by the
// storage engine and the ops HTTP surface that exports them.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter. Instruments created from the global meter are
// forwarded once Setup installs a provider.
var meter = otel.Meter("ledgermind")

var (
	lockWait       metric.Float64Histogram
	txTotal        metric.Int64Counter
	txDuration     metric.Float64Histogram
	searchTotal    metric.Int64Counter
	searchDuration metric.Float64Histogram
	decayTotal     metric.Int64Counter
	reflectTotal   metric.Int64Counter
	maintenanceErr metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if lockWait, err = meter.Float64Histogram(
			"ledgermind_lock_wait_seconds",
			metric.WithDescription("Time spent acquiring the storage lock"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}

		if txTotal, err = meter.Int64Counter(
			"ledgermind_transactions_total",
			metric.WithDescription("Transactions by outcome (commit, rollback)"),
		); err != nil {
			metricsErr = err
			return
		}

		if txDuration, err = meter.Float64Histogram(
			"ledgermind_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions from begin to outcome"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}

		if searchTotal, err = meter.Int64Counter(
			"ledgermind_search_total",
			metric.WithDescription("Search requests by retrieval path (hybrid, keyword)"),
		); err != nil {
			metricsErr = err
			return
		}

		if searchDuration, err = meter.Float64Histogram(
			"ledgermind_search_duration_seconds",
			metric.WithDescription("Search latency"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}

		if decayTotal, err = meter.Int64Counter(
			"ledgermind_decay_actions_total",
			metric.WithDescription("Records and events touched by decay, by action"),
		); err != nil {
			metricsErr = err
			return
		}

		if reflectTotal, err = meter.Int64Counter(
			"ledgermind_reflection_proposals_total",
			metric.WithDescription("Proposals created or updated by reflection"),
		); err != nil {
			metricsErr = err
			return
		}

		if maintenanceErr, err = meter.Int64Counter(
			"ledgermind_maintenance_failures_total",
			metric.WithDescription("Failed maintenance iterations by tier"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordLockWait records how long an acquisition took.
func RecordLockWait(ctx context.Context, waited time.Duration, exclusive, ok bool) {
	if initMetrics() != nil {
		return
	}
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	lockWait.Record(ctx, waited.Seconds(), metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status(ok)),
	))
}

// RecordTransaction records a finished transaction. outcome is "commit" or
// "rollback"; reason is set for rollbacks.
func RecordTransaction(ctx context.Context, outcome, reason string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	txTotal.Add(ctx, 1, attrs)
	txDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSearch records one search request.
func RecordSearch(ctx context.Context, path string, results int, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("path", path))
	searchTotal.Add(ctx, 1, attrs)
	searchDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDecay records n items handled by one decay action.
func RecordDecay(ctx context.Context, action string, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	decayTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// RecordReflection records proposals touched by a reflection pass.
func RecordReflection(ctx context.Context, n int) {
	if n == 0 || initMetrics() != nil {
		return
	}
	reflectTotal.Add(ctx, int64(n))
}

// RecordMaintenanceFailure records a failed scheduler iteration.
func RecordMaintenanceFailure(ctx context.Context, tier string) {
	if initMetrics() != nil {
		return
	}
	maintenanceErr.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
