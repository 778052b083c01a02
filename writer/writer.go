// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package writer forwards and records a live acquisition stream to a set of
// ordered output targets.
//
// A target is described by a string:
//
//	net://host/port   forward over TCP
//	file://dir, dir   raw ".bin" file beneath dir
//	snappy://dir      snappy-framed ".bin.sz" file beneath dir
//	gzip://dir        gzip ".bin.gz" file beneath dir
//	zstd://dir        zstd ".bin.zst" file beneath dir
//	lz4://dir         LZ4-framed ".bin.lz4" file beneath dir
//
// Each recorded file is committed alongside a ".meta.txt" protobuf text file
// describing it.
//
// Optional Prometheus monitoring can be enabled by registering on startup
// via RegisterMonitoring.
package writer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/support/logging"

	"github.com/pkg/errors"
)

// SaveMode controls how a Writer consumes sample buffers.
type SaveMode int

const (
	// Blocking writes each buffer inside the listener callback.
	Blocking SaveMode = 0
	// Asynchronous queues buffers for a separate goroutine to write.
	Asynchronous SaveMode = 1
)

func (m SaveMode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Asynchronous:
		return "asynchronous"
	default:
		return "SaveMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseSaveMode parses the numeric save mode used on the command line.
func ParseSaveMode(v string) (SaveMode, error) {
	switch v {
	case "0":
		return Blocking, nil
	case "1":
		return Asynchronous, nil
	default:
		return 0, errs.Newf(errs.Configuration, "parse save mode", "invalid save mode %q (must be 0 or 1)", v)
	}
}

// Config configures a Writer.
type Config struct {
	// Targets are the output target descriptions, in order. The first is the
	// primary target.
	Targets []string
	// BasePath, if not empty, is the directory that relative file targets are
	// resolved against.
	BasePath string

	// Header is the dataset header, written to every target before samples.
	Header *sample.Header

	// SamplesPerBuffer is the number of records in each incoming buffer.
	SamplesPerBuffer int
	// BufferCount is the number of buffers in the stream's pool. It sizes the
	// Asynchronous queue.
	BufferCount int

	// Duration, if >0, is the amount of stream time to write. Once that many
	// samples, at the header's sampling frequency, have been written, the
	// Writer finishes.
	Duration time.Duration

	// Mode is the save mode.
	Mode SaveMode

	// Logger, if not nil, is the logger to use.
	Logger logging.L
	// Dialer, if not nil, is used to connect to network targets.
	Dialer *net.Dialer

	now func() time.Time
}

// SampleBudget returns the number of samples that cfg's Duration represents,
// or 0 if it is unbounded.
func (cfg *Config) SampleBudget() int64 {
	if cfg.Duration <= 0 || cfg.Header == nil || cfg.Header.SamplingFrequency <= 0 {
		return 0
	}
	return int64(cfg.Duration.Seconds() * float64(cfg.Header.SamplingFrequency))
}

// Sink is a writer attached to a Stream.
type Sink interface {
	acquisition.SampleListener

	// DoneC is closed when the sink will accept no more samples.
	DoneC() <-chan struct{}
	// Close finalizes the sink's targets.
	Close() error
}

// Factory constructs a Sink.
type Factory func(c context.Context, cfg Config) (Sink, error)

// NewSink is a Factory that returns a Writer.
func NewSink(c context.Context, cfg Config) (Sink, error) {
	w, err := New(c, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Writer writes a stream's header and samples to its targets.
//
// A Writer is a SampleListener. It finishes when its sample budget is
// exhausted, when all of its targets have failed, or when it is closed.
type Writer struct {
	cfg    Config
	logger logging.L
	budget int64

	mu       sync.Mutex
	targets  []Target
	written  int64
	finished bool
	closeErr error

	// queueMu guards enqueueing against Close. Once queueClosed is set, no
	// buffer enters queue.
	queueMu     sync.RWMutex
	queueClosed bool
	queue       chan *acquisition.Buffer
	stopC       chan struct{}
	drainDoneC  chan struct{}

	doneC     chan struct{}
	closeOnce sync.Once
}

var _ Sink = (*Writer)(nil)

// New opens every target in cfg and writes the header to each.
//
// If any target cannot be opened, the targets that were already opened are
// aborted and New returns an error.
func New(c context.Context, cfg Config) (*Writer, error) {
	if cfg.Header == nil {
		return nil, errors.New("a header is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("no output targets")
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	w := Writer{
		cfg:    cfg,
		logger: logging.Must(cfg.Logger),
		budget: cfg.SampleBudget(),
		doneC:  make(chan struct{}),
	}

	for i, spec := range cfg.Targets {
		t, err := w.openTarget(c, spec, i)
		if err != nil {
			for _, opened := range w.targets {
				opened.Abort()
			}
			targetErrors.WithLabelValues("open").Inc()
			return nil, errors.Wrapf(err, "opening target #%d (%q)", i, spec)
		}
		w.targets = append(w.targets, t)
	}

	if w.cfg.Mode == Asynchronous {
		size := cfg.BufferCount
		if size < 1 {
			size = 1
		}
		w.queue = make(chan *acquisition.Buffer, size)
		w.stopC = make(chan struct{})
		w.drainDoneC = make(chan struct{})
		go w.drain()
	}

	writersActiveGauge.Inc()
	w.logger.Infof("Writing %s to %d target(s) (%s, budget %d samples).",
		cfg.Header.OutputName(".bin"), len(w.targets), cfg.Mode, w.budget)
	return &w, nil
}

func (w *Writer) openTarget(c context.Context, spec string, index int) (Target, error) {
	t, err := openTarget(c, spec, index, &w.cfg)
	if err != nil {
		return nil, err
	}
	if err := t.WriteHeader(w.cfg.Header); err != nil {
		t.Abort()
		return nil, errors.Wrap(err, "writing header")
	}
	w.logger.Debugf("Opened target %s.", t)
	return t, nil
}

// ProcessSamples implements acquisition.SampleListener.
func (w *Writer) ProcessSamples(b *acquisition.Buffer) {
	select {
	case <-w.doneC:
		return
	default:
	}

	if w.queue == nil {
		w.write(b.Bytes())
		return
	}

	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.queueClosed {
		return
	}

	b.Retain()
	select {
	case w.queue <- b:
	case <-w.doneC:
		b.Release()
	}
}

// drain writes queued buffers until the Writer is stopped.
func (w *Writer) drain() {
	defer close(w.drainDoneC)

	for {
		select {
		case b := <-w.queue:
			w.write(b.Bytes())
			b.Release()
		case <-w.stopC:
			// Write whatever is still queued.
			for {
				select {
				case b := <-w.queue:
					w.write(b.Bytes())
					b.Release()
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return
	}

	if w.budget > 0 {
		if remaining := w.budget - w.written; int64(len(data)/sample.RecordSize) > remaining {
			data = data[:remaining*sample.RecordSize]
		}
	}
	if len(data) == 0 {
		return
	}

	for i := 0; i < len(w.targets); {
		t := w.targets[i]
		if err := t.Write(data); err != nil {
			targetErrors.WithLabelValues("write").Inc()
			w.logger.Errorf("Dropping target %s after write error: %s", t, err)
			if closeErr := t.Close(); closeErr != nil {
				w.logger.Warnf("Failed to close target %s: %s", t, closeErr)
			}
			w.targets = append(w.targets[:i], w.targets[i+1:]...)
			continue
		}
		i++
	}

	n := int64(len(data) / sample.RecordSize)
	w.written += n
	writerSamples.Add(float64(n))
	writerBytes.Add(float64(len(data)))

	switch {
	case len(w.targets) == 0:
		w.logger.Warnf("All targets have failed; finishing.")
		w.finishLocked()
	case w.budget > 0 && w.written >= w.budget:
		w.logger.Infof("Wrote %d sample(s), reaching the recording duration.", w.written)
		w.finishLocked()
	}
}

// finishLocked closes all remaining targets. w.mu must be held.
func (w *Writer) finishLocked() {
	if w.finished {
		return
	}
	w.finished = true

	for _, t := range w.targets {
		if err := t.Close(); err != nil {
			targetErrors.WithLabelValues("close").Inc()
			w.logger.Warnf("Failed to close target %s: %s", t, err)
			if w.closeErr == nil {
				w.closeErr = errors.Wrapf(err, "closing target %s", t)
			}
			continue
		}
		w.logger.Infof("Finished target %s.", t)
	}
	w.targets = nil

	writersActiveGauge.Dec()
	close(w.doneC)
}

// SamplesWritten returns the number of samples written so far.
func (w *Writer) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// DoneC implements Sink.
func (w *Writer) DoneC() <-chan struct{} { return w.doneC }

// Close implements Sink.
//
// In Asynchronous mode, buffers that are already queued are written before
// the targets are closed.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		if w.stopC != nil {
			// Senders still in ProcessSamples finish while the drain is running.
			w.queueMu.Lock()
			w.queueClosed = true
			w.queueMu.Unlock()

			close(w.stopC)
			<-w.drainDoneC
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		w.finishLocked()
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeErr
}
