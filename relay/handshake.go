// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/writer"
)

// Handshake steps, used to name the step that failed.
const (
	StepAcquire     = "acquire"
	StepCommence    = "commence"
	StepAwaitHeader = "await header"
	StepDeriveName  = "derive name"
	StepAttach      = "attach"
)

// OutputExt is the extension of a derived output name.
const OutputExt = ".bin"

// Handshake establishes a DataSource Session's stream and attaches its
// writer.
type Handshake struct {
	// Source is the acquisition source to open.
	Source acquisition.Source
	// Geometry is the sample buffer geometry.
	Geometry sample.Geometry
	// WaitForData is passed to the acquisition stream.
	WaitForData bool

	// OutputTargets are the writer's targets, in order.
	OutputTargets []string
	// BasePath is passed to the writer.
	BasePath string
	// Duration is the writer's recording duration.
	Duration time.Duration
	// SaveMode is the writer's save mode.
	SaveMode writer.SaveMode

	// OpenStream opens the acquisition stream. If nil, acquisition.Open is
	// used.
	OpenStream acquisition.Opener
	// NewWriter constructs the writer. If nil, writer.NewSink is used.
	NewWriter writer.Factory
}

// Run performs the handshake steps, in order, for s:
//
//  1. acquire: open and start the acquisition stream.
//  2. commence: signal a network source to begin.
//  3. await header: wait for the stream's dataset header.
//  4. derive name: derive the output name from the header.
//  5. attach: construct the writer and register it with the stream.
//
// On success, s owns the stream and writer and is Streaming. On failure, s is
// Failed, everything opened by Run has been closed, and the returned error is
// an errs.Handshake error naming the failed step.
func (h *Handshake) Run(c context.Context, s *Session) (err error) {
	var (
		stream acquisition.Stream
		sink   writer.Sink
		step   string
	)
	defer func() {
		if err == nil {
			return
		}

		err = errs.New(errs.Handshake, step, err)
		handshakeFailures.WithLabelValues(step).Inc()
		s.fail(err)
		s.logger.Errorf("Handshake failed at step %q: %s", step, err)

		if sink != nil {
			stream.RemoveSampleListener(sink)
			if closeErr := sink.Close(); closeErr != nil {
				s.logger.Warnf("Failed to close writer: %s", closeErr)
			}
		}
		if stream != nil {
			if closeErr := stream.Close(); closeErr != nil {
				s.logger.Warnf("Failed to close acquisition stream: %s", closeErr)
			}
		}
	}()

	enter := func(name string, st State) {
		step = name
		if st != s.State() {
			s.setState(st)
		}
		s.logger.Infof("Handshake step %q.", name)
	}

	// (1) Acquire.
	enter(StepAcquire, StateAcquiring)
	openStream := h.OpenStream
	if openStream == nil {
		openStream = acquisition.Open
	}
	if stream, err = openStream(c, acquisition.Options{
		Source:      h.Source,
		Geometry:    h.Geometry,
		WaitForData: h.WaitForData,
	}); err != nil {
		return err
	}
	if err = stream.Start(c); err != nil {
		return err
	}

	// (2) Commence.
	if h.Source.Kind == acquisition.SourceNetwork {
		enter(StepCommence, StateCommencing)
		if err = stream.CommenceWriting(); err != nil {
			return err
		}
	}

	// (3) Await header.
	enter(StepAwaitHeader, StateAwaitingHeader)
	header, err := stream.Header(c)
	if err != nil {
		return err
	}
	s.logger.Infof("Received dataset header: %s", header)

	// (4) Derive name.
	enter(StepDeriveName, StateAwaitingHeader)
	outputName := header.OutputName(OutputExt)
	s.logger.Infof("Output name is %q.", outputName)

	s.mu.Lock()
	s.header = header
	s.outputName = outputName
	s.mu.Unlock()

	// (5) Attach.
	enter(StepAttach, StateAttaching)
	newWriter := h.NewWriter
	if newWriter == nil {
		newWriter = writer.NewSink
	}
	targets := append([]string(nil), h.OutputTargets...)
	if sink, err = newWriter(c, writer.Config{
		Targets:          targets,
		BasePath:         h.BasePath,
		Header:           header,
		SamplesPerBuffer: h.Geometry.SamplesPerBuffer,
		BufferCount:      h.Geometry.BufferCount,
		Duration:         h.Duration,
		Mode:             h.SaveMode,
		Logger:           s.logger,
	}); err != nil {
		return err
	}
	stream.AddSampleListener(sink)

	s.mu.Lock()
	s.state = StateStreaming
	s.stream = stream
	s.sink = sink
	s.outputTargets = targets
	s.mu.Unlock()

	s.logger.Infof("Streaming %s to %d target(s).", outputName, len(targets))
	return nil
}
