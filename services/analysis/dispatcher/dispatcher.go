// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatcher maps analysis tool invocations onto pipeline stages.
//
// Each tool targets one stage of the fixed DAG; the resolver pulls in
// whatever prerequisites the context is missing, so callers never need to
// sequence tools manually. Invocations are bounded by a semaphore worker
// pool and a per-call timeout, and every outcome is reported as a
// ToolResult with a stable machine-readable error code.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/cellpipe/services/analysis/execution"
	"github.com/AleutianAI/cellpipe/services/analysis/resolver"
	"github.com/AleutianAI/cellpipe/services/analysis/stages"
	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

// Tool names.
const (
	ToolLoadData         = "load_data"
	ToolQualityControl   = "quality_control"
	ToolPreprocess       = "preprocess"
	ToolReduceDimensions = "reduce_dimensions"
	ToolCluster          = "cluster"
	ToolMarkerGenes      = "marker_genes"
	ToolGenerateReport   = "generate_report"
	ToolCompletePipeline = "complete_pipeline"
)

// toolTargets maps each tool to the stage it ensures. reduce_dimensions
// targets embed, which produces both the PCA and UMAP embeddings and
// pulls the neighbor graph in as a prerequisite.
var toolTargets = map[string]string{
	ToolLoadData:         stages.StageLoad,
	ToolQualityControl:   stages.StageQC,
	ToolPreprocess:       stages.StagePreprocess,
	ToolReduceDimensions: stages.StageEmbed,
	ToolCluster:          stages.StageCluster,
	ToolMarkerGenes:      stages.StageMarkers,
	ToolGenerateReport:   stages.StageReport,
	ToolCompletePipeline: stages.StageComplete,
}

// Tools returns the names of all registered tools.
func Tools() []string {
	return []string{
		ToolLoadData, ToolQualityControl, ToolPreprocess, ToolReduceDimensions,
		ToolCluster, ToolMarkerGenes, ToolGenerateReport, ToolCompletePipeline,
	}
}

// ToolInfo describes one tool for the HTTP surface: the stage it targets,
// the annotation keys that stage writes, and its default parameters.
type ToolInfo struct {
	Name     string          `json:"name"`
	Stage    string          `json:"stage"`
	Produces []string        `json:"produces,omitempty"`
	Defaults json.RawMessage `json:"defaults,omitempty"`
}

// Stable error codes reported in ToolResult.Code.
const (
	CodeUnknownTool        = "unknown_tool"
	CodeInvalidParams      = "invalid_params"
	CodeStageFailure       = "stage_failure"
	CodeContextUnavailable = "context_unavailable"
	CodeTimeout            = "timeout"
	CodeCancelled          = "cancelled"
	CodeCycleDetected      = "cycle_detected"
	CodeConfigurationError = "configuration_error"
)

// Request is one tool invocation.
type Request struct {
	// Tool is the tool name.
	Tool string `json:"tool"`

	// ContextID selects the execution context.
	ContextID string `json:"context_id"`

	// Args is the tool's parameter payload; empty means defaults.
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the uniform response envelope for every invocation.
type ToolResult struct {
	Tool      string `json:"tool"`
	ContextID string `json:"context_id"`

	// Status is "ok" or "error".
	Status string `json:"status"`

	// Code is set on error to one of the stable error codes.
	Code string `json:"code,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message,omitempty"`

	// FailedStage names the stage that broke, when one did.
	FailedStage string `json:"failed_stage,omitempty"`

	// Stages reports every compute stage visited, in execution order,
	// with how each was satisfied (state, memory, disk, computed).
	Stages []resolver.StageResult `json:"stages,omitempty"`

	// AutoExecuted lists prerequisite stages that were computed or
	// replayed on the caller's behalf, beyond the tool's own target.
	AutoExecuted []string `json:"auto_executed,omitempty"`

	// State is a snapshot of the context after the invocation.
	State *state.Summary `json:"state,omitempty"`

	// Duration is the wall-clock time of the invocation.
	Duration time.Duration `json:"duration_ns"`
}

// Config wires a Dispatcher.
type Config struct {
	Resolver *resolver.Resolver
	Manager  *execution.Manager
	Graph    *stages.Graph

	// MaxConcurrent bounds simultaneous invocations. Default 8.
	MaxConcurrent int64

	// Timeout bounds one invocation end to end. Default 10 minutes.
	Timeout time.Duration

	Logger *slog.Logger
}

// Dispatcher routes tool invocations to the resolver.
//
// Thread Safety: safe for concurrent use.
type Dispatcher struct {
	resolver *resolver.Resolver
	manager  *execution.Manager
	graph    *stages.Graph
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("dispatcher: resolver is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("dispatcher: manager is required")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("dispatcher: graph is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver: cfg.Resolver,
		manager:  cfg.Manager,
		graph:    cfg.Graph,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// Describe returns every tool with its target stage's produced
// annotations and default parameters.
func (d *Dispatcher) Describe() []ToolInfo {
	out := make([]ToolInfo, 0, len(toolTargets))
	for _, tool := range Tools() {
		target := toolTargets[tool]
		info := ToolInfo{Name: tool, Stage: target}
		if desc, ok := d.graph.Get(target); ok {
			info.Produces = desc.Produces
			if desc.Defaults != nil {
				if raw, err := json.Marshal(desc.Defaults()); err == nil {
					info.Defaults = raw
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// Invoke executes one tool call. The returned ToolResult always carries
// the outcome; the error return is reserved for caller-side context
// cancellation while waiting for a worker slot.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*ToolResult, error) {
	start := time.Now()

	target, ok := toolTargets[req.Tool]
	if !ok {
		res := d.fail(req, CodeUnknownTool, fmt.Sprintf("unknown tool %q", req.Tool), nil, start)
		return res, nil
	}
	if req.ContextID == "" {
		res := d.fail(req, CodeInvalidParams, "context_id is required", nil, start)
		return res, nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	overrides, err := buildOverrides(req.Tool, target, req.Args)
	if err != nil {
		res := d.fail(req, CodeInvalidParams, err.Error(), nil, start)
		return res, nil
	}

	h := d.manager.Acquire(req.ContextID)
	results, err := d.resolver.Ensure(ctx, h, target, overrides)
	if err != nil {
		code, failedStage := classify(err)
		res := d.fail(req, code, err.Error(), results, start)
		res.FailedStage = failedStage
		recordInvocation(req.Tool, code, time.Since(start))
		d.logger.WarnContext(ctx, "tool invocation failed",
			"tool", req.Tool, "context_id", req.ContextID, "code", code, "error", err)
		return res, nil
	}

	res := &ToolResult{
		Tool:         req.Tool,
		ContextID:    req.ContextID,
		Status:       "ok",
		Stages:       results,
		AutoExecuted: autoExecuted(target, results),
		Duration:     time.Since(start),
	}
	if summary := d.snapshot(h); summary != nil {
		res.State = summary
	}

	recordInvocation(req.Tool, "ok", res.Duration)
	d.logger.InfoContext(ctx, "tool invocation completed",
		"tool", req.Tool, "context_id", req.ContextID,
		"stages_visited", len(results), "duration", res.Duration)
	return res, nil
}

// Teardown destroys an execution context. Subsequent invocations against
// the same id start from a fresh state.
func (d *Dispatcher) Teardown(contextID string) bool {
	return d.manager.Teardown(contextID)
}

// Snapshot returns the state summary of a context, if it exists.
func (d *Dispatcher) Snapshot(contextID string) (*state.Summary, bool) {
	h, ok := d.manager.Get(contextID)
	if !ok {
		return nil, false
	}
	summary := d.snapshot(h)
	return summary, summary != nil
}

func (d *Dispatcher) snapshot(h *execution.Handle) *state.Summary {
	var summary state.Summary
	if err := h.Read(func(s *state.AnalysisState) error {
		summary = s.Summarize()
		return nil
	}); err != nil {
		return nil
	}
	return &summary
}

func (d *Dispatcher) fail(req Request, code, msg string, results []resolver.StageResult, start time.Time) *ToolResult {
	return &ToolResult{
		Tool:      req.Tool,
		ContextID: req.ContextID,
		Status:    "error",
		Code:      code,
		Message:   msg,
		Stages:    results,
		Duration:  time.Since(start),
	}
}

// buildOverrides turns a tool's args into per-stage parameter overrides.
// Plain tools parameterize exactly their target stage. reduce_dimensions
// spans two stages and splits its arguments; complete_pipeline carries a
// map of per-stage overrides instead.
func buildOverrides(tool, target string, args json.RawMessage) (map[string]json.RawMessage, error) {
	if tool == ToolReduceDimensions {
		return splitReduceDimensions(args)
	}
	if tool == ToolCompletePipeline {
		p, err := stages.DecodeParams(stages.StageComplete, args)
		if err != nil {
			return nil, err
		}
		cp := p.(stages.CompleteParams)
		// Bad overrides fail up front rather than mid-pipeline.
		for sid, raw := range cp.Overrides {
			if !knownStage(sid) {
				return nil, fmt.Errorf("%w: override for unknown stage %q", stages.ErrInvalidParams, sid)
			}
			if _, err := stages.DecodeParams(sid, raw); err != nil {
				return nil, err
			}
		}
		return cp.Overrides, nil
	}

	if len(args) == 0 {
		return nil, nil
	}
	// Validate eagerly so bad parameters fail before any stage runs.
	if _, err := stages.DecodeParams(target, args); err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{target: args}, nil
}

// reduceDimensionsArgs is the tool-level parameter surface of
// reduce_dimensions: n_neighbors configures the neighbor graph and
// n_components the embedding computed from it.
type reduceDimensionsArgs struct {
	NComponents *int `json:"n_components"`
	NNeighbors  *int `json:"n_neighbors"`
}

// splitReduceDimensions routes n_neighbors to the neighbors stage and
// n_components to the embed stage. Unknown fields are rejected so a typo
// fails the call instead of silently running with defaults.
func splitReduceDimensions(args json.RawMessage) (map[string]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	var a reduceDimensionsArgs
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: reduce_dimensions: %v", stages.ErrInvalidParams, err)
	}

	overrides := make(map[string]json.RawMessage, 2)
	if a.NNeighbors != nil {
		raw := json.RawMessage(fmt.Sprintf(`{"n_neighbors":%d}`, *a.NNeighbors))
		if _, err := stages.DecodeParams(stages.StageNeighbors, raw); err != nil {
			return nil, err
		}
		overrides[stages.StageNeighbors] = raw
	}
	if a.NComponents != nil {
		raw := json.RawMessage(fmt.Sprintf(`{"n_components":%d}`, *a.NComponents))
		if _, err := stages.DecodeParams(stages.StageEmbed, raw); err != nil {
			return nil, err
		}
		overrides[stages.StageEmbed] = raw
	}
	if len(overrides) == 0 {
		return nil, nil
	}
	return overrides, nil
}

// knownStage reports whether id names a stage of the pipeline.
func knownStage(id string) bool {
	switch id {
	case stages.StageLoad, stages.StageQC, stages.StagePreprocess, stages.StageNeighbors,
		stages.StageEmbed, stages.StageCluster, stages.StageMarkers, stages.StageReport:
		return true
	}
	return false
}

// autoExecuted lists the stages satisfied on the caller's behalf: every
// visited stage except the target that was not already applied.
func autoExecuted(target string, results []resolver.StageResult) []string {
	var out []string
	for _, r := range results {
		if r.Stage == target || r.Source == resolver.SourceState {
			continue
		}
		out = append(out, r.Stage)
	}
	return out
}

// classify maps a resolution error to its stable code and failed stage.
func classify(err error) (code, failedStage string) {
	var se *resolver.StageError
	if errors.As(err, &se) {
		failedStage = se.Stage
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, failedStage
	case errors.Is(err, execution.ErrContextUnavailable):
		return CodeContextUnavailable, failedStage
	case errors.Is(err, stages.ErrCycleDetected):
		return CodeCycleDetected, failedStage
	case errors.Is(err, stages.ErrInvalidParams):
		return CodeInvalidParams, failedStage
	case errors.Is(err, stages.ErrUnknownStage):
		return CodeConfigurationError, failedStage
	case errors.Is(err, context.Canceled):
		// Caller went away mid-invocation; the stage stays unsatisfied
		// and a retry re-attempts it.
		return CodeCancelled, failedStage
	default:
		return CodeStageFailure, failedStage
	}
}
