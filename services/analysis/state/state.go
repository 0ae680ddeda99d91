// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state defines the shared mutable analysis object for one
// execution context.
//
// AnalysisState accumulates the outputs of pipeline stages: per-cell and
// per-gene annotation tables, named embeddings, the neighbor-graph flag,
// and an ordered journal of applied stages with their parameters.
// Annotations are additive; a stage's re-run replaces only that stage's
// own columns, and columns are removed only by explicit invalidation or
// reset.
//
// Thread Safety:
//
//	AnalysisState is NOT internally synchronized. The execution package
//	serializes all mutation through a per-context writer lock.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Matrix is a dense expression matrix (cells x genes).
type Matrix struct {
	// Cells holds cell barcodes, one per row.
	Cells []string

	// Genes holds gene symbols, one per column.
	Genes []string

	// Counts holds expression values, Counts[i][j] = cell i, gene j.
	Counts [][]float64
}

// Dims returns (cells, genes).
func (m *Matrix) Dims() (int, int) {
	if m == nil {
		return 0, 0
	}
	return len(m.Cells), len(m.Genes)
}

// Clone returns a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	if m == nil {
		return nil
	}
	out := &Matrix{
		Cells:  append([]string(nil), m.Cells...),
		Genes:  append([]string(nil), m.Genes...),
		Counts: make([][]float64, len(m.Counts)),
	}
	for i, row := range m.Counts {
		out.Counts[i] = append([]float64(nil), row...)
	}
	return out
}

// Table is a named-column annotation table. Float and label columns share
// the same row dimension (cells for obs, genes for var).
type Table struct {
	Floats map[string][]float64
	Labels map[string][]string
}

// NewTable returns an empty annotation table.
func NewTable() *Table {
	return &Table{
		Floats: make(map[string][]float64),
		Labels: make(map[string][]string),
	}
}

// Columns returns the names of all columns, floats then labels.
func (t *Table) Columns() []string {
	out := make([]string, 0, len(t.Floats)+len(t.Labels))
	for name := range t.Floats {
		out = append(out, name)
	}
	for name := range t.Labels {
		out = append(out, name)
	}
	return out
}

// AppliedStage is one entry of the ordered applied-stage journal.
type AppliedStage struct {
	// Stage is the stage identifier (e.g. "cluster").
	Stage string `json:"stage"`

	// Params is the canonical JSON encoding of the parameters the stage
	// was executed with.
	Params string `json:"params"`

	// AppliedAt records when the stage's outputs were committed.
	AppliedAt time.Time `json:"applied_at"`
}

// AnalysisState is the shared mutable analysis object for one context.
type AnalysisState struct {
	// Raw is the matrix as loaded, untouched by filtering.
	Raw *Matrix

	// Working is the matrix downstream stages operate on. QC replaces it
	// with the filtered subset; preprocess normalizes its values in place.
	// Cell and gene dimensions are stable after QC.
	Working *Matrix

	// Obs is the per-cell annotation table (rows match Working cells).
	Obs *Table

	// Var is the per-gene annotation table (rows match Working genes).
	Var *Table

	// Embeddings holds named coordinate sets (e.g. "pca", "umap"),
	// one row per Working cell.
	Embeddings map[string][][]float64

	// HasNeighbors reports whether the neighbor graph has been computed.
	HasNeighbors bool

	applied []AppliedStage

	// owner maps an annotation key ("obs:cluster", "var:highly_variable",
	// "emb:umap") to the stage that produced it, so invalidation removes
	// exactly that stage's outputs.
	owner map[string]string
}

// New returns an empty AnalysisState.
func New() *AnalysisState {
	return &AnalysisState{
		Obs:        NewTable(),
		Var:        NewTable(),
		Embeddings: make(map[string][][]float64),
		owner:      make(map[string]string),
	}
}

// Applied returns the ordered applied-stage journal.
func (s *AnalysisState) Applied() []AppliedStage {
	return append([]AppliedStage(nil), s.applied...)
}

// AppliedStageIDs returns the stage ids of the journal in order.
func (s *AnalysisState) AppliedStageIDs() []string {
	out := make([]string, len(s.applied))
	for i, a := range s.applied {
		out[i] = a.Stage
	}
	return out
}

// IsApplied reports whether the stage has been applied with exactly the
// given canonical parameters.
func (s *AnalysisState) IsApplied(stage, params string) bool {
	for _, a := range s.applied {
		if a.Stage == stage {
			return a.Params == params
		}
	}
	return false
}

// AppliedParams returns the canonical parameters the stage was last
// applied with, if any.
func (s *AnalysisState) AppliedParams(stage string) (string, bool) {
	for _, a := range s.applied {
		if a.Stage == stage {
			return a.Params, true
		}
	}
	return "", false
}

// Fingerprint hashes the applied journal in order. Two states that went
// through the same stages with the same parameters share a fingerprint,
// which keys cached artifacts to their exact input state.
func (s *AnalysisState) Fingerprint() string {
	h := sha256.New()
	for _, a := range s.applied {
		h.Write([]byte(a.Stage))
		h.Write([]byte{0})
		h.Write([]byte(a.Params))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Delta is the staged output of one stage execution. It is assembled
// outside the writer lock and committed atomically by Apply, so a
// cancelled or failed compute never leaves partial annotations.
type Delta struct {
	Stage  string
	Params string

	// Raw, Working replace the matrices when non-nil (load, qc).
	Raw     *Matrix
	Working *Matrix

	ObsFloats map[string][]float64
	ObsLabels map[string][]string
	VarFloats map[string][]float64
	VarLabels map[string][]string

	// Embeddings adds or replaces named coordinate sets.
	Embeddings map[string][][]float64

	// SetNeighbors marks the neighbor graph as present.
	SetNeighbors bool
}

// Apply commits a stage delta to the state: replaces the stage's journal
// entry and its own annotation columns, never another stage's.
func (s *AnalysisState) Apply(d *Delta) {
	// Drop the stage's previous outputs before re-recording them.
	s.removeOutputs(d.Stage)

	if d.Raw != nil {
		s.Raw = d.Raw
	}
	if d.Working != nil {
		s.Working = d.Working
	}
	for name, col := range d.ObsFloats {
		s.Obs.Floats[name] = col
		s.owner["obs:"+name] = d.Stage
	}
	for name, col := range d.ObsLabels {
		s.Obs.Labels[name] = col
		s.owner["obs:"+name] = d.Stage
	}
	for name, col := range d.VarFloats {
		s.Var.Floats[name] = col
		s.owner["var:"+name] = d.Stage
	}
	for name, col := range d.VarLabels {
		s.Var.Labels[name] = col
		s.owner["var:"+name] = d.Stage
	}
	for name, emb := range d.Embeddings {
		s.Embeddings[name] = emb
		s.owner["emb:"+name] = d.Stage
	}
	if d.SetNeighbors {
		s.HasNeighbors = true
		s.owner["neighbors"] = d.Stage
	}

	// Replace the journal entry in place to preserve order, or append.
	entry := AppliedStage{Stage: d.Stage, Params: d.Params, AppliedAt: time.Now().UTC()}
	for i, a := range s.applied {
		if a.Stage == d.Stage {
			s.applied[i] = entry
			return
		}
	}
	s.applied = append(s.applied, entry)
}

// Invalidate removes the given stages' journal entries and their owned
// annotations. Used when a stage is re-parameterized: the stage and its
// downstream closure are invalidated before recomputation.
func (s *AnalysisState) Invalidate(stages []string) {
	doomed := make(map[string]bool, len(stages))
	for _, st := range stages {
		doomed[st] = true
	}

	kept := s.applied[:0]
	for _, a := range s.applied {
		if doomed[a.Stage] {
			s.removeOutputs(a.Stage)
		} else {
			kept = append(kept, a)
		}
	}
	s.applied = kept
}

// Reset wipes all state. The disk cache tier is unaffected; reset is an
// in-memory operation only.
func (s *AnalysisState) Reset() {
	s.Raw = nil
	s.Working = nil
	s.Obs = NewTable()
	s.Var = NewTable()
	s.Embeddings = make(map[string][][]float64)
	s.HasNeighbors = false
	s.applied = nil
	s.owner = make(map[string]string)
}

// removeOutputs deletes every annotation owned by the stage.
func (s *AnalysisState) removeOutputs(stage string) {
	for key, own := range s.owner {
		if own != stage {
			continue
		}
		switch {
		case key == "neighbors":
			s.HasNeighbors = false
		case len(key) > 4 && key[:4] == "obs:":
			delete(s.Obs.Floats, key[4:])
			delete(s.Obs.Labels, key[4:])
		case len(key) > 4 && key[:4] == "var:":
			delete(s.Var.Floats, key[4:])
			delete(s.Var.Labels, key[4:])
		case len(key) > 4 && key[:4] == "emb:":
			delete(s.Embeddings, key[4:])
		}
		delete(s.owner, key)
	}
}

// Summary is a read-only snapshot of the state used by report assembly
// and the HTTP surface.
type Summary struct {
	Cells        int            `json:"cells"`
	Genes        int            `json:"genes"`
	RawCells     int            `json:"raw_cells"`
	RawGenes     int            `json:"raw_genes"`
	ObsColumns   []string       `json:"obs_columns"`
	VarColumns   []string       `json:"var_columns"`
	Embeddings   []string       `json:"embeddings"`
	HasNeighbors bool           `json:"has_neighbors"`
	Applied      []AppliedStage `json:"applied"`
}

// Summarize builds a Summary snapshot.
func (s *AnalysisState) Summarize() Summary {
	cells, genes := s.Working.Dims()
	rawCells, rawGenes := s.Raw.Dims()
	embs := make([]string, 0, len(s.Embeddings))
	for name := range s.Embeddings {
		embs = append(embs, name)
	}
	return Summary{
		Cells:        cells,
		Genes:        genes,
		RawCells:     rawCells,
		RawGenes:     rawGenes,
		ObsColumns:   s.Obs.Columns(),
		VarColumns:   s.Var.Columns(),
		Embeddings:   embs,
		HasNeighbors: s.HasNeighbors,
		Applied:      s.Applied(),
	}
}
