// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package acquisition reads a live raw sample stream from an acquisition
// source.
//
// A stream begins with a sample.Header and continues with fixed-size sample
// records, which are delivered in pooled Buffers to every registered
// SampleListener.
//
// Optional Prometheus monitoring can be enabled by registering on startup
// via RegisterMonitoring.
package acquisition

import (
	"context"

	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/bufferpool"
)

// Stream is a live, buffered sequence of raw samples.
type Stream interface {
	// Start connects to the source and begins producing samples.
	//
	// The stream runs until it reaches the end of its source, encounters an
	// error, c is cancelled, or Close is called.
	Start(c context.Context) error

	// CommenceWriting signals a network source to begin transmitting.
	CommenceWriting() error

	// Header blocks until the stream has read its dataset header.
	//
	// If the stream ends before a header is read, Header returns an error.
	Header(c context.Context) (*sample.Header, error)

	// AddSampleListener registers l to receive sample buffers.
	AddSampleListener(l SampleListener)
	// RemoveSampleListener unregisters l.
	RemoveSampleListener(l SampleListener)

	// DoneC is closed when the stream has stopped producing samples.
	DoneC() <-chan struct{}
	// Err returns the error that terminated the stream, if any. It is only
	// valid once DoneC is closed.
	Err() error

	// Close stops the stream and releases its resources.
	Close() error
}

// Options configures a Stream.
type Options struct {
	// Source is the acquisition source to read from.
	Source Source
	// Geometry is the buffer layout.
	Geometry sample.Geometry
	// WaitForData, if true, causes a local source to wait for more data when it
	// reaches the end of its file instead of ending the stream.
	WaitForData bool
}

// Opener constructs a Stream.
type Opener func(c context.Context, opts Options) (Stream, error)

// SampleListener receives sample buffers as they are produced.
//
// The Buffer is only valid for the duration of the call. A listener that keeps
// it must Retain it, and Release it when finished.
type SampleListener interface {
	ProcessSamples(b *Buffer)
}

type funcListener struct {
	fn func(*Buffer)
}

// ListenerFunc returns a SampleListener bound to a function.
func ListenerFunc(fn func(*Buffer)) SampleListener { return &funcListener{fn} }

func (fl *funcListener) ProcessSamples(b *Buffer) { fl.fn(b) }

// Buffer is a pooled block of whole sample records.
type Buffer struct {
	*bufferpool.Buffer

	// Sequence is the index of this buffer within its stream.
	Sequence int64
	// FirstSample is the stream index of the buffer's first sample.
	FirstSample int64
}

// NumSamples returns the number of whole records in the buffer.
func (b *Buffer) NumSamples() int { return b.Len() / sample.RecordSize }

// Sample returns the raw bytes of record i.
func (b *Buffer) Sample(i int) []byte {
	off := i * sample.RecordSize
	return b.Bytes()[off : off+sample.RecordSize]
}
