// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package sample defines the acquisition record framing: the fixed sample
// record size, the buffer geometry derived from it, and the dataset header
// that precedes a sample stream.
package sample

import (
	"fmt"

	"github.com/mikemanookin/manookin-package/support/errs"
)

// RecordSize is the size, in bytes, of one raw sample record. The acquisition
// source frames its stream in records of exactly this size.
const RecordSize = 770

// Geometry is the buffering layout of a sample stream.
type Geometry struct {
	// TargetBytes is the requested buffer byte budget.
	TargetBytes int
	// SamplesPerBuffer is the number of whole records that fit in TargetBytes.
	SamplesPerBuffer int
	// BufferBytes is SamplesPerBuffer*RecordSize. It never exceeds TargetBytes.
	BufferBytes int
	// BufferCount is the number of buffers in the stream's pool.
	BufferCount int
}

// ComputeGeometry derives the Geometry for a target byte budget.
//
// It returns an errs.Configuration error if targetBytes cannot hold a single
// record or if bufferCount is not positive.
func ComputeGeometry(targetBytes, bufferCount int) (Geometry, error) {
	samples := targetBytes / RecordSize
	if targetBytes <= 0 || samples < 1 {
		return Geometry{}, errs.Newf(errs.Configuration, "compute buffer geometry",
			"buffer target of %d byte(s) cannot hold one %d-byte record", targetBytes, RecordSize)
	}
	if bufferCount < 1 {
		return Geometry{}, errs.Newf(errs.Configuration, "compute buffer geometry",
			"buffer count must be positive (got %d)", bufferCount)
	}

	return Geometry{
		TargetBytes:      targetBytes,
		SamplesPerBuffer: samples,
		BufferBytes:      samples * RecordSize,
		BufferCount:      bufferCount,
	}, nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d sample(s)/buffer, %d byte(s)/buffer, %d buffer(s)",
		g.SamplesPerBuffer, g.BufferBytes, g.BufferCount)
}
