// Package metrics wraps the OpenTelemetry instruments the build pipeline
// reports through: one build's total duration and outcome, plus counters for
// cache hits and misses by layer kind and for blobs and bytes pushed.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for one build process. Construction may
// fail if the meter rejects an instrument name/unit, so callers should
// treat New like any other fallible setup step rather than ignore
// its error.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	blobsPushed   metric.Int64Counter
	bytesPushed   metric.Int64Counter
}

// New creates the build pipeline's instrument set against meter.
func New(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"strata_build_duration_seconds",
		metric.WithDescription("Duration of an image build in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"strata_builds_total",
		metric.WithDescription("Total number of builds, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"strata_cache_hits_total",
		metric.WithDescription("Layer cache hits, by kind"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"strata_cache_misses_total",
		metric.WithDescription("Layer cache misses, by kind"),
	)
	if err != nil {
		return nil, err
	}

	blobsPushed, err := meter.Int64Counter(
		"strata_blobs_pushed_total",
		metric.WithDescription("Blobs actually uploaded to the registry (excludes checkBlob hits and mounts)"),
	)
	if err != nil {
		return nil, err
	}

	bytesPushed, err := meter.Int64Counter(
		"strata_bytes_pushed_total",
		metric.WithDescription("Bytes uploaded to the registry"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
		blobsPushed:   blobsPushed,
		bytesPushed:   bytesPushed,
	}, nil
}

// RecordBuild records one completed build's outcome and wall-clock duration.
func (m *Metrics) RecordBuild(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.buildDuration.Record(ctx, duration.Seconds(), attrs)
	m.buildTotal.Add(ctx, 1, attrs)
}

// RecordCacheLookup records one cache Checker lookup for the given layer kind.
func (m *Metrics) RecordCacheLookup(ctx context.Context, kind string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if hit {
		m.cacheHits.Add(ctx, 1, attrs)
		return
	}
	m.cacheMisses.Add(ctx, 1, attrs)
}

// RecordBlobPush records one blob actually uploaded (a checkBlob hit or a
// successful cross-repo mount doesn't call this).
func (m *Metrics) RecordBlobPush(ctx context.Context, bytes int64) {
	m.blobsPushed.Add(ctx, 1)
	m.bytesPushed.Add(ctx, bytes)
}
