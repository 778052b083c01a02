// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package acquisition

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/bufferpool"
	"github.com/mikemanookin/manookin-package/support/fmtutil"
	"github.com/mikemanookin/manookin-package/support/logging"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// CommandCommenceWriting is the command sent to a network source to make it
// begin transmitting its header and samples.
const CommandCommenceWriting int32 = 0x00000001

// DefaultPollInterval is the interval at which a WaitForData local source
// checks for more data.
const DefaultPollInterval = 100 * time.Millisecond

// commandPacket is a command sent to a network source.
type commandPacket struct {
	Command int32 `struc:",big"`
}

// InputStream is a Stream that reads from a network or local Source.
//
// InputStream must be started once, and closed when finished.
type InputStream struct {
	Options

	// Logger, if not nil, is the logger to use.
	Logger logging.L

	// Dialer, if not nil, is used to connect to network sources.
	Dialer *net.Dialer

	// PollInterval is the WaitForData polling interval. If zero,
	// DefaultPollInterval is used.
	PollInterval time.Duration

	logger logging.L

	mu      sync.Mutex
	started bool
	closing bool
	conn    io.ReadWriteCloser

	connCloseOnce sync.Once
	connCloseErr  error

	// writeMu serializes commands written to conn.
	writeMu sync.Mutex

	listeners sync.Map
	pool      *bufferpool.Pool

	header  *sample.Header
	headerC chan struct{}

	cancelFunc context.CancelFunc
	doneC      chan struct{}
	err        error
}

var _ Stream = (*InputStream)(nil)

// Open is an Opener that returns an unstarted InputStream.
func Open(c context.Context, opts Options) (Stream, error) {
	return &InputStream{
		Options: opts,
		Logger:  logging.Get(c),
	}, nil
}

// Start implements Stream.
func (s *InputStream) Start(c context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("stream already started")
	}
	if s.Geometry.BufferBytes <= 0 {
		return errors.New("stream has no buffer geometry")
	}
	s.logger = logging.Must(s.Logger)

	conn, err := s.openSource(c)
	if err != nil {
		return err
	}

	s.started = true
	s.conn = conn
	s.pool = &bufferpool.Pool{
		Size:  s.Geometry.BufferBytes,
		Count: s.Geometry.BufferCount,
	}
	s.headerC = make(chan struct{})
	s.doneC = make(chan struct{})

	c, s.cancelFunc = context.WithCancel(c)
	streamsActiveGauge.Inc()
	go func() {
		defer streamsActiveGauge.Dec()
		s.run(c)
	}()
	return nil
}

func (s *InputStream) openSource(c context.Context) (io.ReadWriteCloser, error) {
	switch s.Source.Kind {
	case SourceNetwork:
		dialer := s.Dialer
		if dialer == nil {
			dialer = &net.Dialer{}
		}
		s.logger.Infof("Connecting to acquisition source %s...", s.Source)
		conn, err := dialer.DialContext(c, "tcp", s.Source.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", s.Source)
		}
		return conn, nil

	case SourceLocal:
		s.logger.Infof("Opening local acquisition source %q...", s.Source.Path)
		fd, err := os.Open(s.Source.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %q", s.Source.Path)
		}
		return fd, nil

	default:
		return nil, errors.Errorf("unknown source kind %d", s.Source.Kind)
	}
}

// CommenceWriting implements Stream.
func (s *InputStream) CommenceWriting() error {
	if s.Source.Kind != SourceNetwork {
		return errors.Errorf("cannot commence writing on a %s source", s.Source.Kind)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream is not started")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.logger.Debugf("Sending commence command to %s.", s.Source)
	if err := struc.Pack(conn, &commandPacket{Command: CommandCommenceWriting}); err != nil {
		return errors.Wrap(err, "sending commence command")
	}
	return nil
}

// Header implements Stream.
func (s *InputStream) Header(c context.Context) (*sample.Header, error) {
	if s.headerC == nil {
		return nil, errors.New("stream is not started")
	}

	// Prefer a header that has already arrived, even if the stream has since
	// ended.
	select {
	case <-s.headerC:
		return s.header, nil
	default:
	}

	select {
	case <-s.headerC:
		return s.header, nil
	case <-s.doneC:
		select {
		case <-s.headerC:
			return s.header, nil
		default:
		}
		if err := s.err; err != nil {
			return nil, errors.Wrap(err, "stream ended before its header")
		}
		return nil, errors.New("stream ended before its header")
	case <-c.Done():
		return nil, c.Err()
	}
}

// AddSampleListener implements Stream.
func (s *InputStream) AddSampleListener(l SampleListener) { s.listeners.Store(l, nil) }

// RemoveSampleListener implements Stream.
func (s *InputStream) RemoveSampleListener(l SampleListener) { s.listeners.Delete(l) }

// DoneC implements Stream.
func (s *InputStream) DoneC() <-chan struct{} { return s.doneC }

// Err implements Stream.
func (s *InputStream) Err() error { return s.err }

// Close implements Stream.
func (s *InputStream) Close() error {
	s.mu.Lock()
	if !s.started || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.cancelFunc()
	err := s.closeConn()
	s.mu.Unlock()

	<-s.doneC
	return err
}

// closeConn closes the source connection exactly once.
func (s *InputStream) closeConn() error {
	s.connCloseOnce.Do(func() { s.connCloseErr = s.conn.Close() })
	return s.connCloseErr
}

func (s *InputStream) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *InputStream) run(c context.Context) {
	defer close(s.doneC)

	// Closing the connection is the only way to interrupt a blocking read.
	go func() {
		select {
		case <-c.Done():
			_ = s.closeConn()
		case <-s.doneC:
		}
	}()

	err := s.readStream(c)
	switch {
	case err == nil:
		s.logger.Infof("Acquisition source %s reached end of stream.", s.Source)
	case s.isClosing() || c.Err() != nil:
		// Deliberate shutdown; read errors are expected.
		err = nil
	default:
		streamErrors.WithLabelValues("read").Inc()
		s.logger.Errorf("Acquisition stream from %s failed: %s", s.Source, err)
	}
	s.err = err
}

func (s *InputStream) reader(c context.Context) io.Reader {
	if s.Source.Kind == SourceLocal && s.WaitForData {
		interval := s.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		return &tailReader{c: c, base: s.conn, interval: interval}
	}
	return s.conn
}

func (s *InputStream) readStream(c context.Context) error {
	r := s.reader(c)

	h, err := sample.ReadHeader(r)
	if err != nil {
		return err
	}
	s.header = h
	close(s.headerC)
	s.logger.Infof("Read dataset header from %s: %s", s.Source, h)
	if raw, err := h.Bytes(); err == nil {
		s.logger.Debugf("Header bytes:\n%s", fmtutil.Hex(raw))
	}

	var seq, nextSample int64
	for {
		pb, err := s.pool.Get(c)
		if err != nil {
			return err
		}

		amt, err := io.ReadFull(r, pb.Bytes())
		records := amt / sample.RecordSize
		if records > 0 {
			pb.Truncate(records * sample.RecordSize)
			b := Buffer{
				Buffer:      pb,
				Sequence:    seq,
				FirstSample: nextSample,
			}
			s.dispatch(&b)

			seq++
			nextSample += int64(records)
		}
		pb.Release()

		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			if partial := amt % sample.RecordSize; partial != 0 {
				streamErrors.WithLabelValues("partial_record").Inc()
				s.logger.Warnf("Discarding %d trailing byte(s) of a partial record.", partial)
			}
			return nil
		default:
			return err
		}
	}
}

func (s *InputStream) dispatch(b *Buffer) {
	streamBuffers.Inc()
	streamSamples.Add(float64(b.NumSamples()))
	streamBytes.Add(float64(b.Len()))

	s.listeners.Range(func(l, _ interface{}) bool {
		// Listeners are invoked without a lock, so they may unregister
		// themselves while samples are being delivered.
		l.(SampleListener).ProcessSamples(b)
		return true
	})
}

// tailReader waits for more data when its base reader reaches EOF, until its
// Context is cancelled.
type tailReader struct {
	c        context.Context
	base     io.Reader
	interval time.Duration
}

func (tr *tailReader) Read(p []byte) (int, error) {
	for {
		amt, err := tr.base.Read(p)
		if amt > 0 || err != io.EOF {
			return amt, err
		}

		t := time.NewTimer(tr.interval)
		select {
		case <-tr.c.Done():
			t.Stop()
			return 0, tr.c.Err()
		case <-t.C:
		}
	}
}
