// Package telemetry provides OpenTelemetry instrumentation for the key-value store.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// StoreMetricsMeterName is the name used for the store metrics meter
	StoreMetricsMeterName = "github.com/stacklok/gitkv/store"

	// ValidationMetricsMeterName is the name used for the validation metrics meter
	ValidationMetricsMeterName = "github.com/stacklok/gitkv/validation"
)

// StoreMetrics holds the OpenTelemetry instruments for reference caches
type StoreMetrics struct {
	cacheLookups     metric.Int64Counter
	lockFailures     metric.Int64Counter
	versionConflicts metric.Int64Counter
	commitDuration   metric.Float64Histogram
	refChanges       metric.Int64Counter
}

// NewStoreMetrics creates a new StoreMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStoreMetrics(provider metric.MeterProvider) (*StoreMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StoreMetricsMeterName)

	cacheLookups, err := meter.Int64Counter(
		"gitkv_cache_lookups_total",
		metric.WithDescription("Number of cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	lockFailures, err := meter.Int64Counter(
		"gitkv_lock_failures_total",
		metric.WithDescription("Number of mutations rejected because the key was locked"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	versionConflicts, err := meter.Int64Counter(
		"gitkv_version_conflicts_total",
		metric.WithDescription("Number of mutations rejected because of a stale version"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"gitkv_commit_duration_seconds",
		metric.WithDescription("Duration of commits made on behalf of mutations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	refChanges, err := meter.Int64Counter(
		"gitkv_reference_changes_total",
		metric.WithDescription("Number of reference changes observed outside the store"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		cacheLookups:     cacheLookups,
		lockFailures:     lockFailures,
		versionConflicts: versionConflicts,
		commitDuration:   commitDuration,
		refChanges:       refChanges,
	}, nil
}

// RecordCacheLookup records a cache hit or miss on a reference
func (m *StoreMetrics) RecordCacheLookup(ctx context.Context, ref string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ref", ref),
		attribute.String("result", result),
	))
}

// RecordLockFailure records a mutation rejected by the key lock
func (m *StoreMetrics) RecordLockFailure(ctx context.Context, ref string) {
	if m == nil || m.lockFailures == nil {
		return
	}
	m.lockFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("ref", ref)))
}

// RecordVersionConflict records a mutation rejected by the version check
func (m *StoreMetrics) RecordVersionConflict(ctx context.Context, ref string) {
	if m == nil || m.versionConflicts == nil {
		return
	}
	m.versionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("ref", ref)))
}

// RecordCommitDuration records how long a commit took for an operation
func (m *StoreMetrics) RecordCommitDuration(ctx context.Context, ref, operation string, duration time.Duration, success bool) {
	if m == nil || m.commitDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ref", ref),
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}

	m.commitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordReferenceChange records a reference that moved or disappeared
// between two polls
func (m *StoreMetrics) RecordReferenceChange(ctx context.Context, ref, change string) {
	if m == nil || m.refChanges == nil {
		return
	}
	m.refChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ref", ref),
		attribute.String("change", change),
	))
}

// ValidationMetrics holds the OpenTelemetry instruments for snapshot validation
type ValidationMetrics struct {
	defects            metric.Int64Gauge
	validationDuration metric.Float64Histogram
}

// NewValidationMetrics creates a new ValidationMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewValidationMetrics(provider metric.MeterProvider) (*ValidationMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ValidationMetricsMeterName)

	defects, err := meter.Int64Gauge(
		"gitkv_validation_defects",
		metric.WithDescription("Number of defects found by the last validation run"),
		metric.WithUnit("{defect}"),
	)
	if err != nil {
		return nil, err
	}

	validationDuration, err := meter.Float64Histogram(
		"gitkv_validation_duration_seconds",
		metric.WithDescription("Duration of validation runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return &ValidationMetrics{
		defects:            defects,
		validationDuration: validationDuration,
	}, nil
}

// RecordValidation records the outcome of a validation run over scope
// (a reference name, or "all")
func (m *ValidationMetrics) RecordValidation(ctx context.Context, scope string, defects int, duration time.Duration) {
	if m == nil || m.defects == nil || m.validationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("scope", scope))
	m.defects.Record(ctx, int64(defects), attrs)
	m.validationDuration.Record(ctx, duration.Seconds(), attrs)
}
