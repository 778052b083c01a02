// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package acquisition

import (
	"net"
	"strconv"
	"strings"

	"github.com/mikemanookin/manookin-package/support/errs"
)

const (
	netScheme  = "net://"
	fileScheme = "file://"
)

// SourceKind is the kind of acquisition source.
type SourceKind int

const (
	// SourceLocal is a local (file or replay) source.
	SourceLocal SourceKind = iota
	// SourceNetwork is a network-addressed acquisition source. Network sources
	// must be told to commence writing.
	SourceNetwork
)

func (k SourceKind) String() string {
	switch k {
	case SourceNetwork:
		return "network"
	default:
		return "local"
	}
}

// Source identifies an acquisition source.
type Source struct {
	Kind SourceKind

	// Address is the "host:port" of a SourceNetwork source.
	Address string
	// Path is the file path of a SourceLocal source.
	Path string
}

// ParseSource parses a source specification.
//
// "net://host/port" is a network source. "file://path", or any other
// non-empty string, is a local source path.
func ParseSource(v string) (Source, error) {
	switch {
	case v == "":
		return Source{}, errs.Newf(errs.Configuration, "parse source", "empty source")

	case strings.HasPrefix(v, netScheme):
		addr, err := ParseNetAddress(v)
		if err != nil {
			return Source{}, errs.New(errs.Configuration, "parse source", err)
		}
		return Source{Kind: SourceNetwork, Address: addr}, nil

	case strings.HasPrefix(v, fileScheme):
		p := strings.TrimPrefix(v, fileScheme)
		if p == "" {
			return Source{}, errs.Newf(errs.Configuration, "parse source", "empty path in %q", v)
		}
		return Source{Kind: SourceLocal, Path: p}, nil

	default:
		return Source{Kind: SourceLocal, Path: v}, nil
	}
}

// ParseNetAddress converts a "net://host/port" string into a dialable
// "host:port" address.
func ParseNetAddress(v string) (string, error) {
	rest := strings.TrimPrefix(v, netScheme)
	idx := strings.LastIndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", &net.AddrError{Err: "expected net://host/port", Addr: v}
	}

	host, port := rest[:idx], rest[idx+1:]
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", &net.AddrError{Err: "invalid port", Addr: v}
	}
	return net.JoinHostPort(host, port), nil
}

func (s Source) String() string {
	if s.Kind == SourceNetwork {
		host, port, err := net.SplitHostPort(s.Address)
		if err != nil {
			return netScheme + s.Address
		}
		return netScheme + host + "/" + port
	}
	return s.Path
}
