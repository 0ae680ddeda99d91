// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dataset reads 10x Genomics MatrixMarket directories.
//
// A dataset directory contains three files (optionally gzip-compressed):
//
//	matrix.mtx     - MatrixMarket coordinate matrix, genes x cells
//	genes.tsv      - gene id <TAB> gene symbol, one per matrix row
//	barcodes.tsv   - one cell barcode per matrix column
//
// Newer Cell Ranger output names genes.tsv "features.tsv"; both are
// accepted. Gene symbols are uniquified the same way scanpy's
// var_names_make_unique does: duplicates get a "-1", "-2", ... suffix.
package dataset

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

// candidate file names, checked in order, with and without .gz.
var (
	matrixNames  = []string{"matrix.mtx"}
	geneNames    = []string{"genes.tsv", "features.tsv"}
	barcodeNames = []string{"barcodes.tsv"}
)

// Read loads a 10x MatrixMarket directory into a dense expression matrix
// with cells as rows and genes as columns (the transpose of the on-disk
// genes-x-cells layout, matching the in-memory convention downstream
// stages expect).
//
// Inputs:
//
//	ctx - Context for cancellation, checked between files.
//	dir - Dataset directory path.
//
// Outputs:
//
//	*state.Matrix - The loaded matrix.
//	error - Non-nil if files are missing or malformed.
func Read(ctx context.Context, dir string) (*state.Matrix, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset path %s is not a directory", dir)
	}

	genes, err := readGenes(dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	barcodes, err := readLines(dir, barcodeNames, func(fields []string) (string, error) {
		return fields[0], nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return readMatrix(ctx, dir, genes, barcodes)
}

// readGenes reads the gene table and returns uniquified symbols.
func readGenes(dir string) ([]string, error) {
	symbols, err := readLines(dir, geneNames, func(fields []string) (string, error) {
		// Column 2 is the symbol; fall back to the id for one-column files.
		if len(fields) >= 2 {
			return fields[1], nil
		}
		return fields[0], nil
	})
	if err != nil {
		return nil, err
	}
	return uniquify(symbols), nil
}

// uniquify disambiguates duplicate names with -1, -2, ... suffixes.
func uniquify(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		n := seen[name]
		seen[name] = n + 1
		if n == 0 {
			out[i] = name
		} else {
			out[i] = fmt.Sprintf("%s-%d", name, n)
		}
	}
	return out
}

// readMatrix parses the MatrixMarket file into a dense cells-x-genes matrix.
func readMatrix(ctx context.Context, dir string, genes, barcodes []string) (*state.Matrix, error) {
	r, path, err := open(dir, matrixNames)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Header and comment lines.
	if !sc.Scan() {
		return nil, fmt.Errorf("%s: empty matrix file", path)
	}
	if !strings.HasPrefix(sc.Text(), "%%MatrixMarket") {
		return nil, fmt.Errorf("%s: missing MatrixMarket banner", path)
	}
	var dimsLine string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		dimsLine = line
		break
	}
	if dimsLine == "" {
		return nil, fmt.Errorf("%s: missing dimensions line", path)
	}

	nGenes, nCells, nEntries, err := parseDims(dimsLine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if nGenes != len(genes) {
		return nil, fmt.Errorf("%s: matrix has %d genes but gene table has %d", path, nGenes, len(genes))
	}
	if nCells != len(barcodes) {
		return nil, fmt.Errorf("%s: matrix has %d cells but barcode table has %d", path, nCells, len(barcodes))
	}

	counts := make([][]float64, nCells)
	for i := range counts {
		counts[i] = make([]float64, nGenes)
	}

	parsed := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: malformed entry %q", path, line)
		}
		gi, err1 := strconv.Atoi(fields[0])
		ci, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%s: malformed entry %q", path, line)
		}
		if gi < 1 || gi > nGenes || ci < 1 || ci > nCells {
			return nil, fmt.Errorf("%s: entry %q out of bounds", path, line)
		}
		counts[ci-1][gi-1] = v
		parsed++

		if parsed%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if parsed != nEntries {
		return nil, fmt.Errorf("%s: expected %d entries, found %d", path, nEntries, parsed)
	}

	return &state.Matrix{Cells: barcodes, Genes: genes, Counts: counts}, nil
}

func parseDims(line string) (genes, cells, entries int, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed dimensions line %q", line)
	}
	genes, err = strconv.Atoi(fields[0])
	if err == nil {
		cells, err = strconv.Atoi(fields[1])
	}
	if err == nil {
		entries, err = strconv.Atoi(fields[2])
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed dimensions line %q", line)
	}
	return genes, cells, entries, nil
}

// readLines reads one of the candidate files, mapping each TSV line.
func readLines(dir string, candidates []string, pick func(fields []string) (string, error)) ([]string, error) {
	r, path, err := open(dir, candidates)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		val, err := pick(strings.Split(line, "\t"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, val)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no entries", path)
	}
	return out, nil
}

// open finds the first existing candidate file, preferring the plain name
// over its .gz variant, and returns a ready reader.
func open(dir string, candidates []string) (io.ReadCloser, string, error) {
	for _, name := range candidates {
		plain := filepath.Join(dir, name)
		if f, err := os.Open(plain); err == nil {
			return f, plain, nil
		}
		gz := plain + ".gz"
		if f, err := os.Open(gz); err == nil {
			zr, err := gzip.NewReader(f)
			if err != nil {
				f.Close()
				return nil, "", fmt.Errorf("%s: %w", gz, err)
			}
			return &gzipReadCloser{zr: zr, f: f}, gz, nil
		}
	}
	return nil, "", fmt.Errorf("none of %v found in %s", candidates, dir)
}

type gzipReadCloser struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	if err := g.zr.Close(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}
