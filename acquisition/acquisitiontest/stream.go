// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package acquisitiontest offers an in-memory acquisition.Stream and sample
// data helpers for tests.
package acquisitiontest

import (
	"context"
	"sync"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/bufferpool"

	"github.com/pkg/errors"
)

// Records generates n sample records. Record i is filled with byte(seed+i).
func Records(n int, seed byte) []byte {
	data := make([]byte, n*sample.RecordSize)
	for i := 0; i < n; i++ {
		rec := data[i*sample.RecordSize : (i+1)*sample.RecordSize]
		for j := range rec {
			rec[j] = seed + byte(i)
		}
	}
	return data
}

// Stream is an in-memory acquisition.Stream.
//
// Its header becomes available when Release is called. Samples are delivered
// to listeners synchronously by Emit.
type Stream struct {
	// Options are the options the Stream was opened with.
	Options acquisition.Options

	// StartErr, if not nil, is returned by Start.
	StartErr error
	// CommenceErr, if not nil, is returned by CommenceWriting.
	CommenceErr error

	header  *sample.Header
	headerC chan struct{}
	doneC   chan struct{}

	mu         sync.Mutex
	started    bool
	commenced  int
	closed     bool
	err        error
	listeners  map[acquisition.SampleListener]struct{}
	headerOnce sync.Once
	doneOnce   sync.Once
	seq        int64
	next       int64
}

var _ acquisition.Stream = (*Stream)(nil)

// NewStream returns a Stream that will report h as its header once Release is
// called.
func NewStream(h *sample.Header) *Stream {
	return &Stream{
		header:    h,
		headerC:   make(chan struct{}),
		doneC:     make(chan struct{}),
		listeners: make(map[acquisition.SampleListener]struct{}),
	}
}

// NewReadyStream returns a Stream whose header is immediately available.
func NewReadyStream(h *sample.Header) *Stream {
	s := NewStream(h)
	s.Release()
	return s
}

// Release makes the header available.
func (s *Stream) Release() { s.headerOnce.Do(func() { close(s.headerC) }) }

// Start implements acquisition.Stream.
func (s *Stream) Start(c context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	return nil
}

// CommenceWriting implements acquisition.Stream.
func (s *Stream) CommenceWriting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommenceErr != nil {
		return s.CommenceErr
	}
	s.commenced++
	return nil
}

// Header implements acquisition.Stream.
func (s *Stream) Header(c context.Context) (*sample.Header, error) {
	select {
	case <-s.headerC:
		return s.header, nil
	case <-s.doneC:
		return nil, errors.New("stream ended before its header")
	case <-c.Done():
		return nil, c.Err()
	}
}

// AddSampleListener implements acquisition.Stream.
func (s *Stream) AddSampleListener(l acquisition.SampleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
}

// RemoveSampleListener implements acquisition.Stream.
func (s *Stream) RemoveSampleListener(l acquisition.SampleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

// Listeners returns the number of registered listeners.
func (s *Stream) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Commenced returns the number of CommenceWriting calls.
func (s *Stream) Commenced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commenced
}

// Started returns true if Start succeeded.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed returns true if Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers records (whole sample records) to every listener in one
// buffer.
func (s *Stream) Emit(records []byte) {
	s.mu.Lock()
	pb, _ := (&bufferpool.Pool{Size: len(records)}).Get(context.Background())
	copy(pb.Bytes(), records)
	b := acquisition.Buffer{Buffer: pb, Sequence: s.seq, FirstSample: s.next}
	s.seq++
	s.next += int64(b.NumSamples())
	listeners := make([]acquisition.SampleListener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.ProcessSamples(&b)
	}
	pb.Release()
}

// End terminates the stream with err.
func (s *Stream) End(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.doneC)
	})
}

// DoneC implements acquisition.Stream.
func (s *Stream) DoneC() <-chan struct{} { return s.doneC }

// Err implements acquisition.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements acquisition.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}
