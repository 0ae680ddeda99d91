// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataset

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMatrixMtx = `%%MatrixMarket matrix coordinate integer general
% metadata line
3 2 4
1 1 5
2 1 1
3 2 7
1 2 2
`

const testGenesTSV = "ENSG01\tCD3D\nENSG02\tMS4A1\nENSG03\tCD3D\n"
const testBarcodesTSV = "AAACATACAACCAC-1\nAAACATTGAGCTAC-1\n"

func writeFixture(t *testing.T, gzipped bool) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"matrix.mtx":   testMatrixMtx,
		"genes.tsv":    testGenesTSV,
		"barcodes.tsv": testBarcodesTSV,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if gzipped {
			f, err := os.Create(path + ".gz")
			require.NoError(t, err)
			zw := gzip.NewWriter(f)
			_, err = zw.Write([]byte(content))
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			require.NoError(t, f.Close())
		} else {
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		}
	}
	return dir
}

func TestReadPlainDirectory(t *testing.T) {
	dir := writeFixture(t, false)

	m, err := Read(context.Background(), dir)
	require.NoError(t, err)

	cells, genes := m.Dims()
	assert.Equal(t, 2, cells)
	assert.Equal(t, 3, genes)

	// Transposed from the genes-x-cells file layout.
	assert.Equal(t, float64(5), m.Counts[0][0])
	assert.Equal(t, float64(1), m.Counts[0][1])
	assert.Equal(t, float64(2), m.Counts[1][0])
	assert.Equal(t, float64(7), m.Counts[1][2])

	// Duplicate symbols are uniquified scanpy-style.
	assert.Equal(t, []string{"CD3D", "MS4A1", "CD3D-1"}, m.Genes)
	assert.Equal(t, []string{"AAACATACAACCAC-1", "AAACATTGAGCTAC-1"}, m.Cells)
}

func TestReadGzippedDirectory(t *testing.T) {
	dir := writeFixture(t, true)

	m, err := Read(context.Background(), dir)
	require.NoError(t, err)

	cells, genes := m.Dims()
	assert.Equal(t, 2, cells)
	assert.Equal(t, 3, genes)
}

func TestReadFeaturesTSVFallback(t *testing.T) {
	dir := writeFixture(t, false)
	require.NoError(t, os.Rename(filepath.Join(dir, "genes.tsv"), filepath.Join(dir, "features.tsv")))

	m, err := Read(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"CD3D", "MS4A1", "CD3D-1"}, m.Genes)
}

func TestReadErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := Read(context.Background(), filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})

	t.Run("missing matrix file", func(t *testing.T) {
		dir := writeFixture(t, false)
		require.NoError(t, os.Remove(filepath.Join(dir, "matrix.mtx")))
		_, err := Read(context.Background(), dir)
		assert.ErrorContains(t, err, "matrix.mtx")
	})

	t.Run("dimension mismatch with barcodes", func(t *testing.T) {
		dir := writeFixture(t, false)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "barcodes.tsv"), []byte("ONLYONE-1\n"), 0644))
		_, err := Read(context.Background(), dir)
		assert.ErrorContains(t, err, "barcode")
	})

	t.Run("malformed entry", func(t *testing.T) {
		dir := writeFixture(t, false)
		bad := "%%MatrixMarket matrix coordinate integer general\n3 2 1\n1 x 5\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix.mtx"), []byte(bad), 0644))
		_, err := Read(context.Background(), dir)
		assert.ErrorContains(t, err, "malformed")
	})

	t.Run("entry count mismatch", func(t *testing.T) {
		dir := writeFixture(t, false)
		bad := "%%MatrixMarket matrix coordinate integer general\n3 2 4\n1 1 5\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix.mtx"), []byte(bad), 0644))
		_, err := Read(context.Background(), dir)
		assert.ErrorContains(t, err, "expected 4 entries")
	})

	t.Run("cancelled context", func(t *testing.T) {
		dir := writeFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Read(ctx, dir)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
