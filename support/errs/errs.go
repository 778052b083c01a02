// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package errs defines the relay's error taxonomy.
//
// Every failure that crosses a component boundary is classified as one Kind.
// Startup kinds (Configuration, Bind, Network) are fatal to the process;
// Handshake errors are contained to a single session.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error.
type Kind int

const (
	// Unknown is the Kind of errors that were not produced by this package.
	Unknown Kind = iota
	// Configuration is an invalid argument or derived configuration value.
	Configuration
	// Bind is a failure to bind the listening socket.
	Bind
	// Network is a failure to enumerate local network addresses.
	Network
	// Handshake is a failure during a session's streaming handshake.
	Handshake
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "ConfigurationError"
	case Bind:
		return "BindError"
	case Network:
		return "NetworkError"
	case Handshake:
		return "HandshakeError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op names the operation or step that failed.
	Op string
	// Err is the underlying error. It may be nil.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

// Cause implements github.com/pkg/errors' causer.
func (e *Error) Cause() error { return e.Err }

// Unwrap supports the standard library's errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New returns a new Error of kind k wrapping err.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf returns a new Error of kind k with a formatted cause.
func Newf(k Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: k, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost Error in err's chain, or Unknown if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is returns true if err's chain contains an Error of kind k. Errors nested
// beneath an outer Error of another kind are also checked.
func Is(err error, k Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}
