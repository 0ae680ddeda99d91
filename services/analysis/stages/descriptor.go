// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stages declares the fixed analysis pipeline DAG and the compute
// contract of each stage.
//
// The graph is static:
//
//	load → qc → preprocess → neighbors → {embed, cluster}
//	cluster → markers;  report ← {embed, markers}
//	complete (synthetic) ← report
//
// The embed stage produces both the PCA and UMAP embeddings, so the full
// pipeline consists of exactly eight compute stages plus the synthetic
// composite. Stage computes are idempotent: re-running a stage with
// identical parameters yields the same annotations and overwrites, never
// accumulates, chart files.
package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

// Stage identifiers.
const (
	StageLoad       = "load"
	StageQC         = "qc"
	StagePreprocess = "preprocess"
	StageNeighbors  = "neighbors"
	StageEmbed      = "embed"
	StageCluster    = "cluster"
	StageMarkers    = "markers"
	StageReport     = "report"

	// StageComplete is the synthetic composite requiring the whole DAG.
	StageComplete = "complete"
)

// Input carries everything a compute function may use. The resolver holds
// the context's writer lock for the full compute-and-annotate step, so
// State may be read directly.
type Input struct {
	// State is the current analysis state. Compute functions must treat
	// it as read-only; all mutation goes through the returned Delta.
	State *state.AnalysisState

	// Params is the validated parameter struct for this stage.
	Params Params

	// Charts renders chart artifacts. May be nil when charts are disabled.
	Charts ChartRenderer

	// ArtifactPath maps a chart name to its deterministic output path,
	// derived from the stage's cache key.
	ArtifactPath func(name string) string

	// Logger is the stage-scoped logger.
	Logger *slog.Logger
}

// Output is the staged result of one compute. Delta is committed to the
// state by the resolver only after the compute succeeds and the request
// is still live, so partial annotations are never visible.
type Output struct {
	// Delta holds the annotations this stage produces.
	Delta *state.Delta `json:"delta"`

	// Summary is a short human-readable description of what happened.
	Summary string `json:"summary"`

	// Tables holds numeric result tables keyed by name.
	Tables map[string]any `json:"tables,omitempty"`

	// Artifacts lists chart file paths written by this stage.
	Artifacts []string `json:"artifacts,omitempty"`
}

// ComputeFunc executes one stage.
type ComputeFunc func(ctx context.Context, in *Input) (*Output, error)

// Descriptor describes one stage of the pipeline.
type Descriptor struct {
	// ID is the stage identifier.
	ID string

	// Deps lists prerequisite stage ids in resolution order.
	Deps []string

	// Produces lists the annotation keys the stage writes, for
	// introspection.
	Produces []string

	// Synthetic marks composite nodes with no compute of their own.
	Synthetic bool

	// Defaults returns the documented default parameters.
	Defaults func() Params

	// Compute executes the stage. Nil for synthetic nodes.
	Compute ComputeFunc
}

// Graph is the validated, immutable stage DAG.
type Graph struct {
	stages map[string]*Descriptor
	order  []string
}

// NewGraph builds the fixed pipeline graph. The topology is declared
// statically; construction still verifies acyclicity and dependency
// existence as a defensive invariant check.
func NewGraph() (*Graph, error) {
	descriptors := []*Descriptor{
		{
			ID:       StageLoad,
			Produces: []string{"raw", "working"},
			Defaults: func() Params { return DefaultLoadParams() },
			Compute:  computeLoad,
		},
		{
			ID:       StageQC,
			Deps:     []string{StageLoad},
			Produces: []string{"obs:n_genes_by_counts", "obs:total_counts", "obs:pct_counts_mt"},
			Defaults: func() Params { return DefaultQCParams() },
			Compute:  computeQC,
		},
		{
			ID:       StagePreprocess,
			Deps:     []string{StageQC},
			Produces: []string{"var:highly_variable", "var:dispersion"},
			Defaults: func() Params { return DefaultPreprocessParams() },
			Compute:  computePreprocess,
		},
		{
			ID:       StageNeighbors,
			Deps:     []string{StagePreprocess},
			Produces: []string{"neighbors"},
			Defaults: func() Params { return DefaultNeighborsParams() },
			Compute:  computeNeighbors,
		},
		{
			ID:       StageEmbed,
			Deps:     []string{StageNeighbors},
			Produces: []string{"emb:pca", "emb:umap"},
			Defaults: func() Params { return DefaultEmbedParams() },
			Compute:  computeEmbed,
		},
		{
			ID:       StageCluster,
			Deps:     []string{StageNeighbors},
			Produces: []string{"obs:cluster"},
			Defaults: func() Params { return DefaultClusterParams() },
			Compute:  computeCluster,
		},
		{
			ID:       StageMarkers,
			Deps:     []string{StageCluster},
			Produces: []string{"var:marker_score"},
			Defaults: func() Params { return DefaultMarkersParams() },
			Compute:  computeMarkers,
		},
		{
			ID:       StageReport,
			Deps:     []string{StageEmbed, StageMarkers},
			Defaults: func() Params { return ReportParams{} },
			Compute:  computeReport,
		},
		{
			ID:        StageComplete,
			Deps:      []string{StageReport},
			Synthetic: true,
			Defaults:  func() Params { return CompleteParams{} },
		},
	}

	g := &Graph{stages: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, dup := g.stages[d.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, d.ID)
		}
		g.stages[d.ID] = d
		g.order = append(g.order, d.ID)
	}

	for _, d := range descriptors {
		for _, dep := range d.Deps {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownStage, d.ID, dep)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns the descriptor for a stage id.
func (g *Graph) Get(id string) (*Descriptor, bool) {
	d, ok := g.stages[id]
	return d, ok
}

// StageIDs returns all stage ids in declaration order.
func (g *Graph) StageIDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of stages including synthetic nodes.
func (g *Graph) Len() int {
	return len(g.stages)
}

// Downstream returns the transitive dependents of a stage, excluding the
// stage itself, in declaration order. Used for invalidation propagation:
// re-parameterizing a stage invalidates everything returned here.
func (g *Graph) Downstream(id string) []string {
	affected := map[string]bool{id: true}
	// Declaration order lists prerequisites before dependents, so a
	// single forward pass reaches the transitive closure.
	var out []string
	for _, sid := range g.order {
		if affected[sid] {
			continue
		}
		d := g.stages[sid]
		for _, dep := range d.Deps {
			if affected[dep] {
				affected[sid] = true
				out = append(out, sid)
				break
			}
		}
	}
	return out
}

// checkAcyclic runs a DFS cycle check over the dependency edges.
func (g *Graph) checkAcyclic() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		inStack[id] = true
		for _, dep := range g.stages[id].Deps {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if inStack[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, id, dep)
			}
		}
		inStack[id] = false
		return nil
	}

	for id := range g.stages {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}
