// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolver implements dependency resolution for pipeline stages.
//
// Ensure walks the stage graph depth-first and makes the target stage
// (and everything it depends on) applied in the context's state. For each
// stage it resolves parameters (explicit override, then the parameters
// the stage was last applied with in this context, then documented
// defaults), checks whether the state already satisfies the stage, and
// otherwise fetches the artifact from the tiered cache or computes it.
// Re-parameterizing an already-applied stage invalidates that stage and
// its entire downstream closure before recomputation.
//
// The context's writer lock is held for one stage's resolve-and-commit
// step at a time, so long pipelines do not starve readers on the same
// context, while a single stage's annotations always commit atomically.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/cellpipe/services/analysis/cache"
	"github.com/AleutianAI/cellpipe/services/analysis/execution"
	"github.com/AleutianAI/cellpipe/services/analysis/stages"
	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

var tracer = otel.Tracer("cellpipe.resolver")

// maxResolveDepth bounds the dependency walk. The fixed graph is far
// shallower; hitting the bound means the graph invariant broke.
const maxResolveDepth = 32

// Source reports how a stage was satisfied.
type Source string

const (
	// SourceState means the stage was already applied with these params.
	SourceState Source = "state"

	// SourceMemory and SourceDisk mean a cache hit replayed the artifact.
	SourceMemory Source = "memory"
	SourceDisk   Source = "disk"

	// SourceComputed means the stage was executed.
	SourceComputed Source = "computed"
)

// StageResult is one stage's outcome during an Ensure walk.
type StageResult struct {
	Stage     string         `json:"stage"`
	Params    string         `json:"params"`
	Source    Source         `json:"source"`
	CacheKey  string         `json:"cache_key,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Tables    map[string]any `json:"tables,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Config wires a Resolver.
type Config struct {
	Graph *stages.Graph
	Cache *cache.Cache

	// Charts renders stage charts; nil disables chart artifacts.
	Charts stages.ChartRenderer

	// ArtifactsDir is the root for chart and report files.
	ArtifactsDir string

	// DefaultDataset is the dataset directory used when a load has no
	// explicit path.
	DefaultDataset string

	Logger *slog.Logger
}

// Resolver ensures stages are applied in execution contexts.
//
// Thread Safety: safe for concurrent use; per-context serialization is
// delegated to the execution handles.
type Resolver struct {
	graph          *stages.Graph
	cache          *cache.Cache
	charts         stages.ChartRenderer
	artifactsDir   string
	defaultDataset string
	logger         *slog.Logger
}

// New builds a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("resolver: graph is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("resolver: cache is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		graph:          cfg.Graph,
		cache:          cfg.Cache,
		charts:         cfg.Charts,
		artifactsDir:   cfg.ArtifactsDir,
		defaultDataset: cfg.DefaultDataset,
		logger:         logger,
	}, nil
}

// Ensure makes target and its prerequisites applied in the context's
// state, in dependency order, and reports the outcome of every compute
// stage visited. Overrides map stage ids to parameter payloads; stages
// without an override reuse their last-applied parameters, falling back
// to documented defaults.
func (r *Resolver) Ensure(ctx context.Context, h *execution.Handle, target string, overrides map[string]json.RawMessage) ([]StageResult, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Ensure")
	span.SetAttributes(
		attribute.String("pipeline.target", target),
		attribute.String("pipeline.context_id", h.ID()),
	)
	defer span.End()

	order, err := r.resolveOrder(target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]StageResult, 0, len(order))
	for _, stageID := range order {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}

		res, err := r.ensureOne(ctx, h, stageID, overrides)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}
		results = append(results, res)
	}

	span.SetAttributes(attribute.Int("pipeline.stages_visited", len(results)))
	return results, nil
}

// resolveOrder returns the compute stages needed for target in dependency
// order (prerequisites first), with a depth guard against a broken graph.
func (r *Resolver) resolveOrder(target string) ([]string, error) {
	var order []string
	seen := make(map[string]bool)

	var walk func(id string, depth int) error
	walk = func(id string, depth int) error {
		if depth > maxResolveDepth {
			return fmt.Errorf("%w: resolution depth exceeded at %s", stages.ErrCycleDetected, id)
		}
		if seen[id] {
			return nil
		}
		seen[id] = true

		d, ok := r.graph.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", stages.ErrUnknownStage, id)
		}
		for _, dep := range d.Deps {
			if err := walk(dep, depth+1); err != nil {
				return err
			}
		}
		if !d.Synthetic {
			order = append(order, id)
		}
		return nil
	}

	if err := walk(target, 0); err != nil {
		return nil, err
	}
	return order, nil
}

// ensureOne runs one stage's resolve-and-commit step under the context's
// writer lock.
func (r *Resolver) ensureOne(ctx context.Context, h *execution.Handle, stageID string, overrides map[string]json.RawMessage) (StageResult, error) {
	ctx, span := tracer.Start(ctx, "Resolver.ensureStage")
	span.SetAttributes(attribute.String("pipeline.stage", stageID))
	defer span.End()

	start := time.Now()
	var res StageResult

	err := h.Update(func(s *state.AnalysisState) error {
		desc, _ := r.graph.Get(stageID)

		params, canonical, err := r.resolveParams(s, stageID, overrides)
		if err != nil {
			return err
		}
		res = StageResult{Stage: stageID, Params: canonical}

		// Already applied with identical parameters: nothing to do.
		if s.IsApplied(stageID, canonical) {
			res.Source = SourceState
			return nil
		}

		// Applied with different parameters: the stage and its whole
		// downstream closure are stale in the journal, and downstream
		// cache entries must not outlive the parameters they assumed.
		if _, applied := s.AppliedParams(stageID); applied {
			r.invalidateFrom(ctx, s, stageID)
		}

		// The fingerprint covers everything applied before this stage.
		fingerprint := s.Fingerprint()
		key := cache.Key(stageID, canonical, fingerprint)
		res.CacheKey = key

		// A flight wait here happens under this context's writer lock.
		// Locks are per context, so another context sharing the flight
		// waits on its own lock and unrelated contexts keep progressing.
		payload, tier, err := r.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
			out, err := desc.Compute(ctx, &stages.Input{
				State:        s,
				Params:       params,
				Charts:       r.charts,
				ArtifactPath: r.artifactPath(stageID, key),
				Logger:       r.logger.With("stage", stageID, "context_id", h.ID()),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
		if err != nil {
			return &StageError{Stage: stageID, Err: err}
		}

		var out stages.Output
		if err := json.Unmarshal(payload, &out); err != nil {
			// A damaged artifact slipped through: purge the stage's cache
			// namespace and recompute on the next request.
			r.cache.Invalidate(ctx, stageID)
			return &StageError{Stage: stageID, Err: fmt.Errorf("decode cached artifact: %w", err)}
		}

		// Cancellation between compute and commit leaves the state
		// untouched; the artifact stays cached for the retry.
		if err := ctx.Err(); err != nil {
			return err
		}

		if out.Delta == nil {
			out.Delta = &state.Delta{}
		}
		out.Delta.Stage = stageID
		out.Delta.Params = canonical
		s.Apply(out.Delta)

		res.Source = sourceFromTier(tier)
		res.Summary = out.Summary
		res.Tables = out.Tables
		res.Artifacts = out.Artifacts
		return nil
	})

	res.Duration = time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	span.SetAttributes(attribute.String("pipeline.source", string(res.Source)))
	r.logger.DebugContext(ctx, "stage ensured",
		"stage", stageID, "source", res.Source, "duration", res.Duration)
	return res, nil
}

// resolveParams picks the effective parameters for a stage: explicit
// override, then last-applied, then defaults. A load stage without a
// dataset path gets the configured default so the path participates in
// the canonical parameters and the cache key.
func (r *Resolver) resolveParams(s *state.AnalysisState, stageID string, overrides map[string]json.RawMessage) (stages.Params, string, error) {
	raw, hasOverride := overrides[stageID]
	if !hasOverride {
		if prev, ok := s.AppliedParams(stageID); ok {
			raw = json.RawMessage(prev)
		}
	}

	params, err := stages.DecodeParams(stageID, raw)
	if err != nil {
		return nil, "", err
	}

	if lp, ok := params.(stages.LoadParams); ok && lp.DatasetPath == "" {
		lp.DatasetPath = r.defaultDataset
		if err := stages.ValidateParams(lp); err != nil {
			return nil, "", err
		}
		params = lp
	}

	canonical, err := stages.Canonical(params)
	if err != nil {
		return nil, "", err
	}
	return params, canonical, nil
}

// invalidateFrom drops stageID and its downstream closure from the
// journal, and purges the downstream cache namespaces so later stages
// cannot replay artifacts derived from the superseded parameters. The
// stage's own cache entries stay: they are keyed by parameters, so the
// old result remains retrievable if the caller switches back.
func (r *Resolver) invalidateFrom(ctx context.Context, s *state.AnalysisState, stageID string) {
	doomed := append([]string{stageID}, r.graph.Downstream(stageID)...)
	s.Invalidate(doomed)
	for _, sid := range doomed[1:] {
		if _, _, err := r.cache.Invalidate(ctx, sid); err != nil {
			r.logger.Warn("cache invalidation failed", "stage", sid, "error", err)
		}
	}
	r.logger.InfoContext(ctx, "re-parameterization invalidated downstream stages",
		"stage", stageID, "invalidated", doomed)
}

// artifactPath maps chart names to deterministic files under the stage's
// artifact directory, keyed by a short hash prefix so re-parameterized
// runs do not collide.
func (r *Resolver) artifactPath(stageID, key string) func(name string) string {
	// key is "<stage>/<64 hex>"; keep a short prefix for the filename.
	hash := key[len(stageID)+1:]
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return func(name string) string {
		if filepath.Ext(name) == "" {
			name += ".svg"
		}
		return filepath.Join(r.artifactsDir, stageID, hash+"_"+name)
	}
}

func sourceFromTier(t cache.Tier) Source {
	switch t {
	case cache.TierMemory:
		return SourceMemory
	case cache.TierDisk:
		return SourceDisk
	default:
		return SourceComputed
	}
}
