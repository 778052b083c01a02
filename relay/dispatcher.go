// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/support/logging"
	"github.com/mikemanookin/manookin-package/support/network"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// maxAcceptDelay caps the backoff after temporary accept errors.
const maxAcceptDelay = time.Second

// SessionListener is notified when a Session ends.
type SessionListener interface {
	SessionEnded(s *Session)
}

type funcSessionListener struct {
	fn func(*Session)
}

// SessionListenerFunc returns a SessionListener bound to a function.
func SessionListenerFunc(fn func(*Session)) SessionListener { return &funcSessionListener{fn} }

func (fl *funcSessionListener) SessionEnded(s *Session) { fl.fn(s) }

// Dispatcher accepts connections, classifies them, and starts a Session for
// each.
//
// A DataSource Session runs its Handshake and streams on its own goroutine, so
// the accept loop never waits on a session.
type Dispatcher struct {
	// Port is the TCP port to listen on. If zero, an ephemeral port is chosen.
	Port int
	// ListenIP, if not nil, is the address to listen on. Otherwise, the local
	// address is resolved using Resolver.
	ListenIP net.IP
	// Resolver resolves the local address. If nil, the host is queried.
	Resolver *network.Resolver

	// Classifier classifies accepted peers. It must not be nil.
	Classifier ClientClassifier
	// Handshake is run for each DataSource Session.
	Handshake Handshake
	// Limiter, if not nil, limits the rate at which connections are accepted.
	Limiter *rate.Limiter

	// Logger, if not nil, is the logger to use.
	Logger logging.L

	logger   logging.L
	listener net.Listener
	registry Registry
	wg       sync.WaitGroup

	listeners sync.Map

	mu         sync.Mutex
	serving    bool
	closed     bool
	cancelFunc context.CancelFunc
}

// AddListener registers l to be notified when Sessions end.
func (d *Dispatcher) AddListener(l SessionListener) { d.listeners.Store(l, nil) }

// RemoveListener unregisters l.
func (d *Dispatcher) RemoveListener(l SessionListener) { d.listeners.Delete(l) }

// Listen binds the Dispatcher's listening socket.
//
// A failure to resolve the local address is an errs.Network error, and a
// failure to bind is an errs.Bind error.
func (d *Dispatcher) Listen() error {
	if d.listener != nil {
		return errors.New("already listening")
	}
	d.logger = logging.Must(d.Logger)

	ip := d.ListenIP
	if ip == nil {
		resolver := d.Resolver
		if resolver == nil {
			resolver = &network.Resolver{}
		}

		var err error
		if ip, err = resolver.Resolve(); err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(d.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.New(errs.Bind, "listen on "+addr, err)
	}
	d.listener = l
	d.logger.Infof("Listening for connections on %s.", l.Addr())
	return nil
}

// Addr returns the bound listening address, or nil if not listening.
func (d *Dispatcher) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Sessions returns the live Sessions, ordered by acceptance time.
func (d *Dispatcher) Sessions() []*Session { return d.registry.All() }

// Serve accepts connections until c is cancelled or the Dispatcher is closed.
// It then cancels every live Session and waits for them to end.
//
// Listen must be called first.
func (d *Dispatcher) Serve(c context.Context) error {
	if d.listener == nil {
		return errors.New("not listening")
	}
	if d.Classifier == nil {
		return errors.New("no classifier")
	}

	d.mu.Lock()
	if d.serving || d.closed {
		d.mu.Unlock()
		return errors.New("dispatcher cannot serve")
	}
	d.serving = true
	c, d.cancelFunc = context.WithCancel(c)
	d.mu.Unlock()

	defer func() {
		d.registry.CancelAll()
		d.wg.Wait()
		d.logger.Infof("Dispatcher stopped.")
	}()

	// Closing the listener is the only way to interrupt Accept.
	go func() {
		<-c.Done()
		_ = d.listener.Close()
	}()

	var delay time.Duration
	for {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(c); err != nil {
				if c.Err() != nil {
					return nil
				}
				d.cancelFunc()
				return errors.Wrap(err, "waiting to accept")
			}
		}

		conn, err := d.listener.Accept()
		if err != nil {
			if c.Err() != nil || d.isClosed() {
				return nil
			}

			acceptErrors.Inc()
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > maxAcceptDelay {
					delay = maxAcceptDelay
				}
				d.logger.Warnf("Temporary error accepting connection; retrying in %s: %s", delay, err)

				t := time.NewTimer(delay)
				select {
				case <-c.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
				continue
			}

			d.cancelFunc()
			return errors.Wrap(err, "accepting connection")
		}

		delay = 0
		d.accept(c, conn)
	}
}

// Close stops the Dispatcher and closes its listener.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancelFunc := d.cancelFunc
	d.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}
	if d.listener == nil {
		return nil
	}
	if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) accept(c context.Context, conn net.Conn) {
	peer := conn.RemoteAddr()
	role := d.Classifier.Classify(peer)

	s := newSession(c, conn, role, d.logger)
	d.registry.Add(s)

	sessionsAccepted.WithLabelValues(role.String()).Inc()
	sessionsActiveGauge.WithLabelValues(role.String()).Inc()
	d.logger.Infof("Connection accepted from %s (role %s, session %s).", peer, role, s.ID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.endSession(s)

		switch role {
		case DataSource:
			if err := d.Handshake.Run(s.c, s); err != nil {
				return
			}
			s.streamUntilDone()

		default:
			s.setState(StateConnected)
			s.watchHangup()
		}
	}()
}

func (d *Dispatcher) endSession(s *Session) {
	s.finish()
	d.registry.Remove(s)

	state := s.State()
	sessionsActiveGauge.WithLabelValues(s.Role.String()).Dec()
	sessionsFinished.WithLabelValues(s.Role.String(), state.String()).Inc()
	d.logger.Infof("Session %s ended (%s).", s.ID, state)

	d.listeners.Range(func(l, _ interface{}) bool {
		l.(SessionListener).SessionEnded(s)
		return true
	})
}
