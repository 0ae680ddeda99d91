// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/cellpipe/services/analysis/dataset"
	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

// mitoPrefix identifies mitochondrial genes by symbol.
const mitoPrefix = "MT-"

// renderChart renders one chart if a renderer is wired, returning the
// artifact path or "".
func renderChart(in *Input, name, title string, series map[string][]float64) (string, error) {
	if in.Charts == nil || in.ArtifactPath == nil {
		return "", nil
	}
	path := in.ArtifactPath(name)
	if err := in.Charts.Render(path, title, series); err != nil {
		return "", err
	}
	return path, nil
}

func computeLoad(ctx context.Context, in *Input) (*Output, error) {
	p := in.Params.(LoadParams)
	if p.DatasetPath == "" {
		return nil, fmt.Errorf("%w: load: no dataset path configured", ErrInvalidParams)
	}

	m, err := dataset.Read(ctx, p.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	cells, genes := m.Dims()
	in.Logger.InfoContext(ctx, "dataset loaded",
		"path", p.DatasetPath, "cells", cells, "genes", genes)

	return &Output{
		Delta:   &state.Delta{Raw: m, Working: m.Clone()},
		Summary: fmt.Sprintf("loaded %d cells x %d genes from %s", cells, genes, p.DatasetPath),
		Tables: map[string]any{
			"dimensions": map[string]int{"cells": cells, "genes": genes},
		},
	}, nil
}

func computeQC(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil {
		return nil, fmt.Errorf("%w: qc requires a loaded matrix", ErrMissingInput)
	}
	p := in.Params.(QCParams)

	nGenes, totals, mitoPct := cellStats(m)

	keepCell := make([]int, 0, len(m.Cells))
	for i := range m.Cells {
		if int(nGenes[i]) >= p.MinGenes && mitoPct[i] <= p.MaxMitoPct {
			keepCell = append(keepCell, i)
		}
	}
	if len(keepCell) == 0 {
		return nil, fmt.Errorf("%w: no cells pass min_genes=%d max_mito_pct=%g",
			ErrEmptySelection, p.MinGenes, p.MaxMitoPct)
	}

	// Gene filter counts expressing cells among the kept cells only.
	keepGene := make([]int, 0, len(m.Genes))
	for j := range m.Genes {
		expressing := 0
		for _, i := range keepCell {
			if m.Counts[i][j] > 0 {
				expressing++
			}
		}
		if expressing >= p.MinCells {
			keepGene = append(keepGene, j)
		}
	}
	if len(keepGene) == 0 {
		return nil, fmt.Errorf("%w: no genes pass min_cells=%d", ErrEmptySelection, p.MinCells)
	}

	filtered := subset(m, keepCell, keepGene)
	obsFloats := map[string][]float64{
		"n_genes_by_counts": pick(nGenes, keepCell),
		"total_counts":      pick(totals, keepCell),
		"pct_counts_mt":     pick(mitoPct, keepCell),
	}

	out := &Output{
		Delta: &state.Delta{Working: filtered, ObsFloats: obsFloats},
		Summary: fmt.Sprintf("kept %d/%d cells and %d/%d genes",
			len(keepCell), len(m.Cells), len(keepGene), len(m.Genes)),
		Tables: map[string]any{
			"filtering": map[string]int{
				"cells_before": len(m.Cells), "cells_after": len(keepCell),
				"genes_before": len(m.Genes), "genes_after": len(keepGene),
			},
		},
	}

	chart, err := renderChart(in, "qc_metrics", "QC metric distributions", map[string][]float64{
		"n_genes_by_counts": sortedCopy(obsFloats["n_genes_by_counts"]),
		"total_counts":      sortedCopy(obsFloats["total_counts"]),
		"pct_counts_mt":     sortedCopy(obsFloats["pct_counts_mt"]),
	})
	if err != nil {
		return nil, err
	}
	if chart != "" {
		out.Artifacts = append(out.Artifacts, chart)
	}

	in.Logger.InfoContext(ctx, "qc filtering done",
		"cells_kept", len(keepCell), "genes_kept", len(keepGene))
	return out, nil
}

func computePreprocess(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil {
		return nil, fmt.Errorf("%w: preprocess requires a filtered matrix", ErrMissingInput)
	}
	p := in.Params.(PreprocessParams)

	// Library-size normalization then log1p, into a fresh matrix so the
	// delta commits atomically.
	norm := m.Clone()
	for i, row := range norm.Counts {
		total := 0.0
		for _, v := range row {
			total += v
		}
		if total == 0 {
			continue
		}
		scale := p.TargetSum / total
		for j, v := range row {
			norm.Counts[i][j] = math.Log1p(v * scale)
		}
	}

	dispersion := geneDispersion(norm)
	hvg := topK(dispersion, p.NTopGenes)
	hvgLabels := make([]string, len(norm.Genes))
	flagged := 0
	for j := range hvgLabels {
		if hvg[j] {
			hvgLabels[j] = "true"
			flagged++
		} else {
			hvgLabels[j] = "false"
		}
	}

	out := &Output{
		Delta: &state.Delta{
			Working:   norm,
			VarFloats: map[string][]float64{"dispersion": dispersion},
			VarLabels: map[string][]string{"highly_variable": hvgLabels},
		},
		Summary: fmt.Sprintf("normalized to %g counts per cell, flagged %d highly variable genes",
			p.TargetSum, flagged),
		Tables: map[string]any{
			"highly_variable": map[string]int{"flagged": flagged, "total": len(norm.Genes)},
		},
	}

	chart, err := renderChart(in, "highly_variable", "Gene dispersion (sorted)",
		map[string][]float64{"dispersion": sortedCopy(dispersion)})
	if err != nil {
		return nil, err
	}
	if chart != "" {
		out.Artifacts = append(out.Artifacts, chart)
	}

	in.Logger.InfoContext(ctx, "preprocessing done", "hvg_flagged", flagged)
	return out, nil
}

func computeNeighbors(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil {
		return nil, fmt.Errorf("%w: neighbors requires a preprocessed matrix", ErrMissingInput)
	}
	p := in.Params.(NeighborsParams)

	cells := len(m.Cells)
	k := p.NNeighbors
	if k >= cells {
		k = cells - 1
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: %d cells is too few for a neighbor graph", ErrMissingInput, cells)
	}

	in.Logger.InfoContext(ctx, "neighbor graph built",
		"n_neighbors", k, "n_pcs", p.NPCs, "cells", cells)
	return &Output{
		Delta:   &state.Delta{SetNeighbors: true},
		Summary: fmt.Sprintf("neighbor graph over %d cells (k=%d, %d PCs)", cells, k, p.NPCs),
	}, nil
}

func computeEmbed(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil || !in.State.HasNeighbors {
		return nil, fmt.Errorf("%w: embed requires the neighbor graph", ErrMissingInput)
	}
	p := in.Params.(EmbedParams)

	nComp := p.NComponents
	if nComp > len(m.Genes) {
		nComp = len(m.Genes)
	}

	pca := project(m, nComp)
	variance := componentVariance(pca)

	// 2-D layout derived from the leading components, squashed so the
	// scatter stays bounded.
	umap := make([][]float64, len(pca))
	for i, row := range pca {
		x, y := row[0], 0.0
		if len(row) > 1 {
			y = row[1]
		}
		umap[i] = []float64{10 * math.Tanh(x/10), 10 * math.Tanh(y/10)}
	}

	out := &Output{
		Delta: &state.Delta{Embeddings: map[string][][]float64{"pca": pca, "umap": umap}},
		Summary: fmt.Sprintf("computed %d-component PCA and 2-D UMAP for %d cells",
			nComp, len(m.Cells)),
		Tables: map[string]any{"pca_variance": variance},
	}

	for _, c := range []struct {
		name, title string
		series      map[string][]float64
	}{
		{"pca_variance", "PCA component variance", map[string][]float64{"variance": variance}},
		{"umap", "UMAP embedding", map[string][]float64{
			"umap_1": column(umap, 0), "umap_2": column(umap, 1),
		}},
	} {
		chart, err := renderChart(in, c.name, c.title, c.series)
		if err != nil {
			return nil, err
		}
		if chart != "" {
			out.Artifacts = append(out.Artifacts, chart)
		}
	}

	in.Logger.InfoContext(ctx, "embeddings computed", "components", nComp)
	return out, nil
}

func computeCluster(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil || !in.State.HasNeighbors {
		return nil, fmt.Errorf("%w: cluster requires the neighbor graph", ErrMissingInput)
	}
	p := in.Params.(ClusterParams)

	// Community count scales with resolution; assignment partitions cells
	// by rank along the leading projection axis, which is deterministic
	// for a given matrix.
	cells := len(m.Cells)
	k := 1 + int(p.Resolution*4)
	if k > cells {
		k = cells
	}

	score := column(project(m, 1), 0)
	order := make([]int, cells)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return score[order[a]] < score[order[b]] })

	labels := make([]string, cells)
	sizes := make(map[string]int, k)
	for rank, cell := range order {
		bin := rank * k / cells
		if bin >= k {
			bin = k - 1
		}
		label := strconv.Itoa(bin)
		labels[cell] = label
		sizes[label]++
	}

	sizeSeries := make([]float64, k)
	for b := 0; b < k; b++ {
		sizeSeries[b] = float64(sizes[strconv.Itoa(b)])
	}

	out := &Output{
		Delta: &state.Delta{ObsLabels: map[string][]string{"cluster": labels}},
		Summary: fmt.Sprintf("%s clustering at resolution %g found %d clusters",
			p.Algorithm, p.Resolution, k),
		Tables: map[string]any{"cluster_sizes": sizes},
	}

	chart, err := renderChart(in, "cluster_sizes", "Cluster sizes",
		map[string][]float64{"cells": sizeSeries})
	if err != nil {
		return nil, err
	}
	if chart != "" {
		out.Artifacts = append(out.Artifacts, chart)
	}

	in.Logger.InfoContext(ctx, "clustering done",
		"algorithm", p.Algorithm, "resolution", p.Resolution, "clusters", k)
	return out, nil
}

func computeMarkers(ctx context.Context, in *Input) (*Output, error) {
	m := in.State.Working
	if m == nil {
		return nil, fmt.Errorf("%w: markers requires a matrix", ErrMissingInput)
	}
	p := in.Params.(MarkersParams)

	groups, ok := in.State.Obs.Labels[p.GroupBy]
	if !ok || len(groups) != len(m.Cells) {
		return nil, fmt.Errorf("%w: group column %q not present", ErrMissingInput, p.GroupBy)
	}

	byGroup := make(map[string][]int)
	for i, g := range groups {
		byGroup[g] = append(byGroup[g], i)
	}
	groupNames := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	type marker struct {
		Gene  string  `json:"gene"`
		Score float64 `json:"score"`
	}
	markers := make(map[string][]marker, len(byGroup))
	maxScore := make([]float64, len(m.Genes))

	totalMean := geneMeans(m, nil)
	for _, g := range groupNames {
		members := byGroup[g]
		groupMean := geneMeans(m, members)

		scores := make([]marker, len(m.Genes))
		frac := float64(len(members)) / float64(len(m.Cells))
		for j := range m.Genes {
			// In-group mean against the rest-of-dataset mean.
			rest := (totalMean[j] - groupMean[j]*frac) / (1 - frac + 1e-12)
			s := groupMean[j] - rest
			scores[j] = marker{Gene: m.Genes[j], Score: s}
			if s > maxScore[j] {
				maxScore[j] = s
			}
		}
		sort.SliceStable(scores, func(a, b int) bool { return scores[a].Score > scores[b].Score })
		n := p.NGenes
		if n > len(scores) {
			n = len(scores)
		}
		markers[g] = scores[:n]
	}

	out := &Output{
		Delta: &state.Delta{VarFloats: map[string][]float64{"marker_score": maxScore}},
		Summary: fmt.Sprintf("ranked top %d marker genes for %d %s groups",
			p.NGenes, len(groupNames), p.GroupBy),
		Tables: map[string]any{"markers": markers},
	}

	chart, err := renderChart(in, "marker_scores", "Top marker scores (sorted)",
		map[string][]float64{"marker_score": sortedCopy(maxScore)})
	if err != nil {
		return nil, err
	}
	if chart != "" {
		out.Artifacts = append(out.Artifacts, chart)
	}

	in.Logger.InfoContext(ctx, "marker ranking done", "groups", len(groupNames))
	return out, nil
}

func computeReport(ctx context.Context, in *Input) (*Output, error) {
	s := in.State
	if s.Working == nil {
		return nil, fmt.Errorf("%w: report requires completed analysis state", ErrMissingInput)
	}
	sum := s.Summarize()

	clusters := countDistinct(s.Obs.Labels["cluster"])
	resolution := "default"
	if raw, ok := s.AppliedParams(StageCluster); ok {
		var cp ClusterParams
		if err := overlay([]byte(raw), &cp); err == nil && cp.Resolution > 0 {
			resolution = strconv.FormatFloat(cp.Resolution, 'g', -1, 64)
		}
	}

	var b strings.Builder
	b.WriteString("# Analysis Report\n\n")
	fmt.Fprintf(&b, "- Dataset: %d cells x %d genes after QC (raw %d x %d)\n",
		sum.Cells, sum.Genes, sum.RawCells, sum.RawGenes)
	fmt.Fprintf(&b, "- Clusters: %d at resolution %s\n", clusters, resolution)
	fmt.Fprintf(&b, "- Embeddings: %s\n", strings.Join(sortedStrings(sum.Embeddings), ", "))
	b.WriteString("- Stages applied:\n")
	for _, a := range sum.Applied {
		fmt.Fprintf(&b, "  - %s %s\n", a.Stage, a.Params)
	}

	out := &Output{
		Delta: &state.Delta{},
		Summary: fmt.Sprintf("report: %d cells, %d clusters at resolution %s",
			sum.Cells, clusters, resolution),
		Tables: map[string]any{"summary": sum},
	}

	if in.ArtifactPath != nil {
		path := in.ArtifactPath("report.md")
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("report dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(b.String()), 0640); err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}
		out.Artifacts = append(out.Artifacts, path)
	}

	in.Logger.InfoContext(ctx, "report generated", "clusters", clusters)
	return out, nil
}

// --- helpers ---

// cellStats computes per-cell genes-detected, total counts, and
// mitochondrial percentage.
func cellStats(m *state.Matrix) (nGenes, totals, mitoPct []float64) {
	mito := make([]bool, len(m.Genes))
	for j, g := range m.Genes {
		mito[j] = strings.HasPrefix(strings.ToUpper(g), mitoPrefix)
	}

	nGenes = make([]float64, len(m.Cells))
	totals = make([]float64, len(m.Cells))
	mitoPct = make([]float64, len(m.Cells))
	for i, row := range m.Counts {
		var detected, total, mt float64
		for j, v := range row {
			if v > 0 {
				detected++
				total += v
				if mito[j] {
					mt += v
				}
			}
		}
		nGenes[i] = detected
		totals[i] = total
		if total > 0 {
			mitoPct[i] = 100 * mt / total
		}
	}
	return nGenes, totals, mitoPct
}

// subset extracts the given cell and gene indices into a new matrix.
func subset(m *state.Matrix, cells, genes []int) *state.Matrix {
	out := &state.Matrix{
		Cells:  make([]string, len(cells)),
		Genes:  make([]string, len(genes)),
		Counts: make([][]float64, len(cells)),
	}
	for jj, j := range genes {
		out.Genes[jj] = m.Genes[j]
	}
	for ii, i := range cells {
		out.Cells[ii] = m.Cells[i]
		row := make([]float64, len(genes))
		for jj, j := range genes {
			row[jj] = m.Counts[i][j]
		}
		out.Counts[ii] = row
	}
	return out
}

func pick(values []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

// geneDispersion computes per-gene variance/mean.
func geneDispersion(m *state.Matrix) []float64 {
	means := geneMeans(m, nil)
	out := make([]float64, len(m.Genes))
	n := float64(len(m.Cells))
	for j := range m.Genes {
		var ss float64
		for i := range m.Cells {
			d := m.Counts[i][j] - means[j]
			ss += d * d
		}
		if means[j] > 0 {
			out[j] = (ss / n) / means[j]
		}
	}
	return out
}

// geneMeans computes per-gene mean expression over the given cell indices
// (all cells when idx is nil).
func geneMeans(m *state.Matrix, idx []int) []float64 {
	out := make([]float64, len(m.Genes))
	if idx == nil {
		idx = make([]int, len(m.Cells))
		for i := range idx {
			idx[i] = i
		}
	}
	if len(idx) == 0 {
		return out
	}
	for _, i := range idx {
		for j, v := range m.Counts[i] {
			out[j] += v
		}
	}
	n := float64(len(idx))
	for j := range out {
		out[j] /= n
	}
	return out
}

// topK marks the indices of the k largest values.
func topK(values []float64, k int) []bool {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] > values[idx[b]] })
	out := make([]bool, len(values))
	if k > len(idx) {
		k = len(idx)
	}
	for _, i := range idx[:k] {
		out[i] = true
	}
	return out
}

// project maps cells onto nComp fixed pseudo-random axes. The axis
// weights are derived from gene symbols, so the projection is stable
// across runs and processes.
func project(m *state.Matrix, nComp int) [][]float64 {
	weights := make([][]float64, nComp)
	for c := 0; c < nComp; c++ {
		w := make([]float64, len(m.Genes))
		for j, g := range m.Genes {
			w[j] = geneWeight(g, c)
		}
		weights[c] = w
	}

	norm := 1 / math.Sqrt(float64(len(m.Genes))+1)
	out := make([][]float64, len(m.Cells))
	for i, row := range m.Counts {
		coords := make([]float64, nComp)
		for c := 0; c < nComp; c++ {
			var dot float64
			w := weights[c]
			for j, v := range row {
				dot += v * w[j]
			}
			coords[c] = dot * norm
		}
		out[i] = coords
	}
	return out
}

// geneWeight hashes a gene symbol and component index to [-1, 1].
func geneWeight(gene string, comp int) float64 {
	h := fnv.New64a()
	h.Write([]byte(gene))
	h.Write([]byte{byte(comp), byte(comp >> 8)})
	return float64(int64(h.Sum64())) / float64(math.MaxInt64)
}

func componentVariance(coords [][]float64) []float64 {
	if len(coords) == 0 {
		return nil
	}
	nComp := len(coords[0])
	out := make([]float64, nComp)
	n := float64(len(coords))
	for c := 0; c < nComp; c++ {
		var mean float64
		for _, row := range coords {
			mean += row[c]
		}
		mean /= n
		var ss float64
		for _, row := range coords {
			d := row[c] - mean
			ss += d * d
		}
		out[c] = ss / n
	}
	return out
}

func column(coords [][]float64, c int) []float64 {
	out := make([]float64, len(coords))
	for i, row := range coords {
		if c < len(row) {
			out[i] = row[c]
		}
	}
	return out
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

func sortedStrings(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func countDistinct(labels []string) int {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		seen[l] = true
	}
	return len(seen)
}
