// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/logging"
	"github.com/mikemanookin/manookin-package/writer"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateAccepted is a newly-accepted connection.
	StateAccepted State = iota
	// StateAcquiring is opening and starting the acquisition stream.
	StateAcquiring
	// StateCommencing is signalling a network source to begin.
	StateCommencing
	// StateAwaitingHeader is waiting for the stream's dataset header.
	StateAwaitingHeader
	// StateAttaching is attaching the writer to the stream.
	StateAttaching
	// StateStreaming is forwarding samples to the writer.
	StateStreaming
	// StateFinished is a session that ended normally.
	StateFinished
	// StateFailed is a session whose handshake failed.
	StateFailed
	// StateConnected is a connected ControlClient.
	StateConnected
)

var stateNames = [...]string{
	StateAccepted:       "Accepted",
	StateAcquiring:      "Acquiring",
	StateCommencing:     "Commencing",
	StateAwaitingHeader: "AwaitingHeader",
	StateAttaching:      "Attaching",
	StateStreaming:      "Streaming",
	StateFinished:       "Finished",
	StateFailed:         "Failed",
	StateConnected:      "Connected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal returns true if s is an end state.
func (s State) Terminal() bool { return s == StateFinished || s == StateFailed }

// Session is the state of a single accepted connection.
//
// Sessions share no state with each other. A Session's exported accessors are
// safe for concurrent use.
type Session struct {
	// ID uniquely identifies this Session.
	ID uuid.UUID
	// Role is the classified role of the peer.
	Role Role
	// Peer is the remote address of the connection.
	Peer net.Addr
	// Conn is the accepted connection. It is owned by the Session.
	Conn net.Conn
	// Accepted is the time the connection was accepted.
	Accepted time.Time

	logger logging.L

	c          context.Context
	cancelFunc context.CancelFunc
	doneC      chan struct{}

	mu            sync.Mutex
	state         State
	stream        acquisition.Stream
	header        *sample.Header
	outputName    string
	outputTargets []string
	sink          writer.Sink
	err           error
}

func newSession(c context.Context, conn net.Conn, role Role, logger logging.L) *Session {
	s := Session{
		ID:       uuid.New(),
		Role:     role,
		Peer:     conn.RemoteAddr(),
		Conn:     conn,
		Accepted: time.Now(),
		doneC:    make(chan struct{}),
	}
	s.c, s.cancelFunc = context.WithCancel(c)
	s.logger = logging.Prefixed(logger, "session "+s.ID.String())
	return &s
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s from %s)", s.ID, s.Role, s.Peer)
}

// State returns the Session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Header returns the dataset header, or nil if it has not been read.
func (s *Session) Header() *sample.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// OutputName returns the output name derived from the dataset header.
func (s *Session) OutputName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputName
}

// OutputTargets returns the ordered targets the Session's writer was attached
// with.
func (s *Session) OutputTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.outputTargets...)
}

// Err returns the error that ended the Session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the Session.
func (s *Session) Cancel() { s.cancelFunc() }

// DoneC is closed when the Session has ended and released its resources.
func (s *Session) DoneC() <-chan struct{} { return s.doneC }

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.err = err
}

// finish releases the Session's connection and marks it done.
func (s *Session) finish() {
	s.cancelFunc()
	if err := s.Conn.Close(); err != nil {
		s.logger.Debugf("Error closing connection: %s", err)
	}
	close(s.doneC)
}

// watchHangup blocks until a ControlClient's peer hangs up or the Session is
// cancelled. Anything the peer sends is discarded.
func (s *Session) watchHangup() {
	go func() {
		<-s.c.Done()
		_ = s.Conn.Close()
	}()

	amt, err := io.Copy(io.Discard, s.Conn)
	switch {
	case s.c.Err() != nil:
		s.logger.Debugf("Control client session cancelled.")
	case err != nil:
		s.logger.Infof("Control client disconnected after %d byte(s): %s", amt, err)
	default:
		s.logger.Infof("Control client disconnected after %d byte(s).", amt)
	}
	s.setState(StateFinished)
}

// streamUntilDone supervises an attached Session until its stream ends, its writer
// finishes, or it is cancelled, then releases the stream and writer.
func (s *Session) streamUntilDone() {
	s.mu.Lock()
	stream, sink := s.stream, s.sink
	s.mu.Unlock()

	select {
	case <-stream.DoneC():
		s.logger.Infof("Acquisition stream ended.")
	case <-sink.DoneC():
		s.logger.Infof("Writer finished.")
	case <-s.c.Done():
		s.logger.Infof("Session cancelled.")
	}

	s.release()

	var err error
	select {
	case <-stream.DoneC():
		err = stream.Err()
	default:
	}

	s.mu.Lock()
	s.state, s.err = StateFinished, err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("Streaming finished with stream error: %s", err)
	} else {
		s.logger.Infof("Streaming finished.")
	}
}

// release detaches and closes the Session's writer and stream, if open.
func (s *Session) release() {
	s.mu.Lock()
	stream, sink := s.stream, s.sink
	s.stream, s.sink = nil, nil
	s.mu.Unlock()

	if sink != nil {
		if stream != nil {
			stream.RemoveSampleListener(sink)
		}
		if err := sink.Close(); err != nil {
			s.logger.Warnf("Failed to close writer: %s", err)
		}
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warnf("Failed to close acquisition stream: %s", err)
		}
	}
}
