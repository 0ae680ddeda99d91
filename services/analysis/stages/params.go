// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for parameter structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Params is implemented by every stage's parameter struct.
type Params interface {
	// StageID returns the stage this parameter set belongs to.
	StageID() string
}

// Canonical returns the canonical JSON encoding of a parameter set.
// encoding/json emits struct fields in declaration order and map keys
// sorted, so equal parameter values always produce identical strings.
// The canonical string is what the cache key and the applied-stage
// journal record.
func Canonical(p Params) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s params: %w", p.StageID(), err)
	}
	return string(b), nil
}

// ValidateParams checks a parameter set against its struct tags.
func ValidateParams(p Params) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, p.StageID(), err)
	}
	return nil
}

// DecodeParams builds the parameter set for a stage: documented defaults
// first, then the caller-supplied JSON overlaid on top, then validation.
// A nil or empty raw payload yields the defaults.
func DecodeParams(stage string, raw json.RawMessage) (Params, error) {
	var p Params
	switch stage {
	case StageLoad:
		v := DefaultLoadParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageQC:
		v := DefaultQCParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StagePreprocess:
		v := DefaultPreprocessParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageNeighbors:
		v := DefaultNeighborsParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageEmbed:
		v := DefaultEmbedParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageCluster:
		v := DefaultClusterParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageMarkers:
		v := DefaultMarkersParams()
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageReport:
		v := ReportParams{}
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case StageComplete:
		v := CompleteParams{}
		if err := overlay(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	return p, nil
}

func overlay(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// LoadParams configures the load stage.
type LoadParams struct {
	// DatasetPath overrides the configured dataset directory. Empty means
	// use the server default.
	DatasetPath string `json:"dataset_path,omitempty"`
}

func (LoadParams) StageID() string { return StageLoad }

// DefaultLoadParams returns the load defaults.
func DefaultLoadParams() LoadParams { return LoadParams{} }

// QCParams configures quality-control filtering.
type QCParams struct {
	// MinGenes is the minimum genes-per-cell to keep a cell.
	MinGenes int `json:"min_genes" validate:"gte=0"`

	// MinCells is the minimum cells-per-gene to keep a gene.
	MinCells int `json:"min_cells" validate:"gte=0"`

	// MaxMitoPct is the maximum mitochondrial-count percentage per cell.
	MaxMitoPct float64 `json:"max_mito_pct" validate:"gte=0,lte=100"`
}

func (QCParams) StageID() string { return StageQC }

// DefaultQCParams returns the standard PBMC filtering thresholds.
func DefaultQCParams() QCParams {
	return QCParams{MinGenes: 200, MinCells: 3, MaxMitoPct: 20}
}

// PreprocessParams configures normalization and HVG selection.
type PreprocessParams struct {
	// TargetSum is the per-cell count total after normalization.
	TargetSum float64 `json:"target_sum" validate:"gt=0"`

	// NTopGenes is the number of highly variable genes to flag.
	NTopGenes int `json:"n_top_genes" validate:"gt=0"`
}

func (PreprocessParams) StageID() string { return StagePreprocess }

// DefaultPreprocessParams returns the standard normalization settings.
func DefaultPreprocessParams() PreprocessParams {
	return PreprocessParams{TargetSum: 1e4, NTopGenes: 2000}
}

// NeighborsParams configures neighbor-graph construction.
type NeighborsParams struct {
	// NNeighbors is the neighborhood size.
	NNeighbors int `json:"n_neighbors" validate:"gt=0"`

	// NPCs is the number of principal components the graph is built on.
	NPCs int `json:"n_pcs" validate:"gt=0"`
}

func (NeighborsParams) StageID() string { return StageNeighbors }

// DefaultNeighborsParams returns the standard neighborhood settings.
func DefaultNeighborsParams() NeighborsParams {
	return NeighborsParams{NNeighbors: 10, NPCs: 40}
}

// EmbedParams configures the embedding stage.
type EmbedParams struct {
	// NComponents is the number of PCA components to keep.
	NComponents int `json:"n_components" validate:"gt=0,lte=200"`
}

func (EmbedParams) StageID() string { return StageEmbed }

// DefaultEmbedParams returns the standard embedding settings.
func DefaultEmbedParams() EmbedParams { return EmbedParams{NComponents: 50} }

// ClusterParams configures graph clustering.
type ClusterParams struct {
	// Resolution controls cluster granularity; higher yields more clusters.
	Resolution float64 `json:"resolution" validate:"gt=0"`

	// Algorithm selects the community-detection method.
	Algorithm string `json:"algorithm" validate:"oneof=leiden louvain"`
}

func (ClusterParams) StageID() string { return StageCluster }

// DefaultClusterParams returns the standard clustering settings.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{Resolution: 0.5, Algorithm: "leiden"}
}

// MarkersParams configures marker-gene ranking.
type MarkersParams struct {
	// GroupBy is the obs label column that defines the groups.
	GroupBy string `json:"group_by" validate:"required"`

	// NGenes is the number of top markers reported per group.
	NGenes int `json:"n_genes" validate:"gt=0"`
}

func (MarkersParams) StageID() string { return StageMarkers }

// DefaultMarkersParams returns the standard marker settings.
func DefaultMarkersParams() MarkersParams {
	return MarkersParams{GroupBy: "cluster", NGenes: 5}
}

// ReportParams configures report generation. The report has no tunables;
// the struct exists so the stage participates in the uniform parameter
// and cache-key machinery.
type ReportParams struct{}

func (ReportParams) StageID() string { return StageReport }

// CompleteParams configures the synthetic full-pipeline composite.
type CompleteParams struct {
	// Overrides maps stage ids to parameter payloads applied before the
	// pipeline runs.
	Overrides map[string]json.RawMessage `json:"overrides,omitempty"`
}

func (CompleteParams) StageID() string { return StageComplete }
