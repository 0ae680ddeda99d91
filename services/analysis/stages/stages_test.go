// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

func TestGraphTopology(t *testing.T) {
	g, err := NewGraph()
	require.NoError(t, err)

	assert.Equal(t, 9, g.Len())

	report, ok := g.Get(StageReport)
	require.True(t, ok)
	assert.Equal(t, []string{StageEmbed, StageMarkers}, report.Deps)

	complete, ok := g.Get(StageComplete)
	require.True(t, ok)
	assert.True(t, complete.Synthetic)
	assert.Nil(t, complete.Compute)

	_, ok = g.Get("nope")
	assert.False(t, ok)
}

func TestGraphDownstream(t *testing.T) {
	g, err := NewGraph()
	require.NoError(t, err)

	assert.Equal(t,
		[]string{StageEmbed, StageCluster, StageMarkers, StageReport, StageComplete},
		g.Downstream(StageNeighbors))

	assert.Equal(t,
		[]string{StageMarkers, StageReport, StageComplete},
		g.Downstream(StageCluster))

	assert.Empty(t, g.Downstream(StageComplete))
}

func TestDecodeParamsDefaults(t *testing.T) {
	p, err := DecodeParams(StageQC, nil)
	require.NoError(t, err)
	qc := p.(QCParams)
	assert.Equal(t, 200, qc.MinGenes)
	assert.Equal(t, 3, qc.MinCells)
	assert.Equal(t, float64(20), qc.MaxMitoPct)

	p, err = DecodeParams(StageCluster, nil)
	require.NoError(t, err)
	cl := p.(ClusterParams)
	assert.Equal(t, 0.5, cl.Resolution)
	assert.Equal(t, "leiden", cl.Algorithm)
}

func TestDecodeParamsOverlay(t *testing.T) {
	p, err := DecodeParams(StageCluster, json.RawMessage(`{"resolution":0.8}`))
	require.NoError(t, err)
	cl := p.(ClusterParams)
	assert.Equal(t, 0.8, cl.Resolution)
	// Unspecified fields keep their defaults.
	assert.Equal(t, "leiden", cl.Algorithm)
}

func TestDecodeParamsRejectsInvalid(t *testing.T) {
	_, err := DecodeParams(StageCluster, json.RawMessage(`{"resolution":-1}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = DecodeParams(StageCluster, json.RawMessage(`{"algorithm":"kmeans"}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = DecodeParams(StageCluster, json.RawMessage(`{resolution}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = DecodeParams("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestCanonicalIsDeterministic(t *testing.T) {
	a, err := Canonical(DefaultQCParams())
	require.NoError(t, err)
	b, err := Canonical(QCParams{MinGenes: 200, MinCells: 3, MaxMitoPct: 20})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Canonical(QCParams{MinGenes: 100, MinCells: 3, MaxMitoPct: 20})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

// testState builds a small matrix with one mitochondrial gene.
func testState() *state.AnalysisState {
	m := &state.Matrix{
		Cells: []string{"C1", "C2", "C3", "C4", "C5", "C6"},
		Genes: []string{"CD3D", "MS4A1", "NKG7", "MT-CO1", "LYZ"},
		Counts: [][]float64{
			{5, 0, 2, 1, 8},
			{0, 7, 0, 2, 3},
			{9, 1, 4, 0, 1},
			{2, 2, 2, 30, 2}, // high mito cell
			{1, 0, 6, 1, 5},
			{3, 4, 0, 0, 7},
		},
	}
	s := state.New()
	s.Apply(&state.Delta{Stage: StageLoad, Params: "{}", Raw: m, Working: m.Clone()})
	return s
}

func testInput(t *testing.T, s *state.AnalysisState, p Params) *Input {
	t.Helper()
	dir := t.TempDir()
	return &Input{
		State:        s,
		Params:       p,
		Charts:       SVGRenderer{},
		ArtifactPath: func(name string) string { return filepath.Join(dir, name+".svg") },
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestComputeQCFiltersCellsAndGenes(t *testing.T) {
	s := testState()
	p := QCParams{MinGenes: 3, MinCells: 2, MaxMitoPct: 50}

	out, err := computeQC(context.Background(), testInput(t, s, p))
	require.NoError(t, err)
	require.NotNil(t, out.Delta.Working)

	// C4 has 75% mitochondrial counts and is dropped.
	assert.NotContains(t, out.Delta.Working.Cells, "C4")
	cells, _ := out.Delta.Working.Dims()
	assert.Equal(t, cells, len(out.Delta.ObsFloats["pct_counts_mt"]))
	assert.NotEmpty(t, out.Artifacts)
}

func TestComputeQCEmptySelection(t *testing.T) {
	s := testState()
	p := QCParams{MinGenes: 100, MinCells: 1, MaxMitoPct: 100}

	_, err := computeQC(context.Background(), testInput(t, s, p))
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestComputePreprocessNormalizes(t *testing.T) {
	s := testState()
	p := PreprocessParams{TargetSum: 100, NTopGenes: 2}

	out, err := computePreprocess(context.Background(), testInput(t, s, p))
	require.NoError(t, err)

	// Dimensions are unchanged; values are log1p-normalized in place.
	cells, genes := out.Delta.Working.Dims()
	assert.Equal(t, 6, cells)
	assert.Equal(t, 5, genes)

	hvg := out.Delta.VarLabels["highly_variable"]
	require.Len(t, hvg, genes)
	flagged := 0
	for _, v := range hvg {
		if v == "true" {
			flagged++
		}
	}
	assert.Equal(t, 2, flagged)
}

func TestComputeEmbedRequiresNeighbors(t *testing.T) {
	s := testState()
	_, err := computeEmbed(context.Background(), testInput(t, s, DefaultEmbedParams()))
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestComputeEmbedProducesBothEmbeddings(t *testing.T) {
	s := testState()
	s.Apply(&state.Delta{Stage: StageNeighbors, Params: "{}", SetNeighbors: true})

	out, err := computeEmbed(context.Background(), testInput(t, s, EmbedParams{NComponents: 3}))
	require.NoError(t, err)

	pca := out.Delta.Embeddings["pca"]
	umap := out.Delta.Embeddings["umap"]
	require.Len(t, pca, 6)
	require.Len(t, umap, 6)
	assert.Len(t, pca[0], 3)
	assert.Len(t, umap[0], 2)
	assert.Len(t, out.Artifacts, 2)
}

func TestComputeClusterScalesWithResolution(t *testing.T) {
	s := testState()
	s.Apply(&state.Delta{Stage: StageNeighbors, Params: "{}", SetNeighbors: true})

	low, err := computeCluster(context.Background(), testInput(t, s,
		ClusterParams{Resolution: 0.25, Algorithm: "leiden"}))
	require.NoError(t, err)
	high, err := computeCluster(context.Background(), testInput(t, s,
		ClusterParams{Resolution: 1.0, Algorithm: "leiden"}))
	require.NoError(t, err)

	lowK := countDistinct(low.Delta.ObsLabels["cluster"])
	highK := countDistinct(high.Delta.ObsLabels["cluster"])
	assert.Less(t, lowK, highK)
	assert.Len(t, low.Delta.ObsLabels["cluster"], 6)
}

func TestComputeClusterIsDeterministic(t *testing.T) {
	s := testState()
	s.Apply(&state.Delta{Stage: StageNeighbors, Params: "{}", SetNeighbors: true})
	p := DefaultClusterParams()

	a, err := computeCluster(context.Background(), testInput(t, s, p))
	require.NoError(t, err)
	b, err := computeCluster(context.Background(), testInput(t, s, p))
	require.NoError(t, err)
	assert.Equal(t, a.Delta.ObsLabels["cluster"], b.Delta.ObsLabels["cluster"])
}

func TestComputeMarkersRanksPerGroup(t *testing.T) {
	s := testState()
	s.Apply(&state.Delta{Stage: StageCluster, Params: "{}", ObsLabels: map[string][]string{
		"cluster": {"0", "0", "0", "1", "1", "1"},
	}})

	out, err := computeMarkers(context.Background(), testInput(t, s,
		MarkersParams{GroupBy: "cluster", NGenes: 2}))
	require.NoError(t, err)

	markers := out.Tables["markers"]
	require.NotNil(t, markers)
	assert.Len(t, out.Delta.VarFloats["marker_score"], 5)
}

func TestComputeMarkersMissingGroupColumn(t *testing.T) {
	s := testState()
	_, err := computeMarkers(context.Background(), testInput(t, s, DefaultMarkersParams()))
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestComputeReportWritesArtifact(t *testing.T) {
	s := testState()
	s.Apply(&state.Delta{Stage: StageCluster, Params: `{"resolution":0.5,"algorithm":"leiden"}`,
		ObsLabels: map[string][]string{"cluster": {"0", "0", "1", "1", "2", "2"}}})

	out, err := computeReport(context.Background(), testInput(t, s, ReportParams{}))
	require.NoError(t, err)

	assert.Contains(t, out.Summary, "3 clusters")
	assert.Contains(t, out.Summary, "0.5")
	require.Len(t, out.Artifacts, 1)

	content, err := os.ReadFile(out.Artifacts[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Analysis Report")
}

func TestSVGRendererOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.svg")
	r := SVGRenderer{}

	require.NoError(t, r.Render(path, "first", map[string][]float64{"a": {1, 2, 3}}))
	require.NoError(t, r.Render(path, "second", map[string][]float64{"a": {3, 2, 1}}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "second")
	assert.NotContains(t, string(content), "first")
}
