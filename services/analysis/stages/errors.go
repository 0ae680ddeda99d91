// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import "errors"

var (
	// ErrUnknownStage indicates a stage id not present in the graph.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrDuplicateStage indicates two descriptors declared the same id.
	ErrDuplicateStage = errors.New("duplicate stage")

	// ErrCycleDetected indicates the declared dependencies form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidParams indicates stage parameters failed validation.
	ErrInvalidParams = errors.New("invalid stage parameters")

	// ErrMissingInput indicates a compute ran without its prerequisite
	// outputs present in the state.
	ErrMissingInput = errors.New("missing prerequisite output")

	// ErrEmptySelection indicates a filter removed every cell or gene.
	ErrEmptySelection = errors.New("filter removed all cells or genes")
)
