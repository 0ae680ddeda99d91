// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import "errors"

var (
	// ErrClosed indicates an operation on a closed cache.
	ErrClosed = errors.New("cache is closed")

	// ErrCorrupted indicates a disk artifact failed its checksum. The
	// entry is purged and callers see a miss; this sentinel surfaces only
	// in logs.
	ErrCorrupted = errors.New("corrupted cache entry")
)
