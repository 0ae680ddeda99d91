// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for artifact cache operations.
var (
	tracer = otel.Tracer("cellpipe.cache")
	meter  = otel.Meter("cellpipe.cache")
)

// Metrics for cache operations.
var (
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	cacheCorruptions metric.Int64Counter
	cacheGetLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"artifact_cache_hits_total",
			metric.WithDescription("Total number of artifact cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"artifact_cache_misses_total",
			metric.WithDescription("Total number of artifact cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"artifact_cache_evictions_total",
			metric.WithDescription("Total number of artifact cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheCorruptions, err = meter.Int64Counter(
			"artifact_cache_corruptions_total",
			metric.WithDescription("Total number of corrupted disk artifacts purged"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"artifact_cache_get_duration_seconds",
			metric.WithDescription("Duration of artifact cache get operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context, tier Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
}

func recordMiss(ctx context.Context, tier Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
}

func recordEviction(ctx context.Context, tier Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
}

func recordCorruption(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheCorruptions.Add(ctx, 1)
}

func recordGetLatency(ctx context.Context, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

// startSpan creates a span for a cache operation.
func startSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ArtifactCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.key", key),
		),
	)
}
