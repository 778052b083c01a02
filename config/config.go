// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package config holds the relay's startup configuration and parses its
// positional command-line arguments.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/writer"
)

// Defaults.
const (
	DefaultPort              = 9876
	DefaultBufferSizeKB      = 1024
	DefaultSaveMode          = writer.Asynchronous
	DefaultOutputTargetsSpec = "net://192.168.1.1/9000"
	DefaultBufferCount       = 200
	DefaultStreamDuration    = 900 * time.Second
	DefaultSource            = "net://192.168.1.2/7887"
	DefaultDataSourceAddr    = "192.168.1.2"

	// OutputTargetSeparator separates targets in an output targets string.
	OutputTargetSeparator = ";"
)

// Usage describes the positional arguments accepted by ParseArgs.
const Usage = "<port> [bufferSizeKb] [saveMode (0=blocking, 1=asynchronous)] [outputServerSpec]"

// Config is the relay's configuration. It is not modified after startup.
type Config struct {
	// Port is the TCP port to listen on.
	Port int
	// TargetBufferBytes is the desired size of each sample buffer. Buffers
	// hold as many whole records as fit.
	TargetBufferBytes int
	// SaveMode is the writer's save mode.
	SaveMode writer.SaveMode
	// OutputTargetsSpec is the ";"-separated output targets string.
	OutputTargetsSpec string
	// OutputTargets is OutputTargetsSpec split into its targets, in order.
	OutputTargets []string

	// Source is the acquisition source.
	Source acquisition.Source
	// DataSourceAddr is the peer IP address recognized as the data source.
	DataSourceAddr string
	// BasePath is the directory that relative file targets are resolved
	// against.
	BasePath string
	// BufferCount is the number of buffers in each stream's pool.
	BufferCount int
	// StreamDuration is the amount of stream time each session records.
	StreamDuration time.Duration
	// WaitForData causes a local source to wait for more data at the end of
	// its file.
	WaitForData bool

	// ListenIP, if not nil, is the address to listen on instead of the
	// resolved local address.
	ListenIP net.IP
	// MetricsAddr, if not empty, is the address to serve Prometheus metrics
	// on.
	MetricsAddr string
	// AcceptRate, if positive, limits accepted connections per second.
	AcceptRate float64
}

// Default returns the default Config.
func Default() Config {
	src, err := acquisition.ParseSource(DefaultSource)
	if err != nil {
		panic(err)
	}

	return Config{
		Port:              DefaultPort,
		TargetBufferBytes: DefaultBufferSizeKB * 1024,
		SaveMode:          DefaultSaveMode,
		OutputTargetsSpec: DefaultOutputTargetsSpec,
		OutputTargets:     ParseOutputTargets(DefaultOutputTargetsSpec),
		Source:            src,
		DataSourceAddr:    DefaultDataSourceAddr,
		BufferCount:       DefaultBufferCount,
		StreamDuration:    DefaultStreamDuration,
	}
}

// ParseArgs returns the Default Config with the positional arguments applied:
//
//	port [bufferSizeKb [saveMode [outputServerSpec]]]
func ParseArgs(args []string) (Config, error) {
	const op = "parse arguments"

	cfg := Default()
	if len(args) < 1 || len(args) > 4 {
		return cfg, errs.Newf(errs.Configuration, op, "expected 1-4 arguments, got %d", len(args))
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return cfg, errs.Newf(errs.Configuration, op, "invalid port %q", args[0])
	}
	cfg.Port = port

	if len(args) > 1 {
		kb, err := strconv.Atoi(args[1])
		if err != nil || kb < 1 {
			return cfg, errs.Newf(errs.Configuration, op, "invalid buffer size %q", args[1])
		}
		cfg.TargetBufferBytes = kb * 1024
	}

	if len(args) > 2 {
		if cfg.SaveMode, err = writer.ParseSaveMode(args[2]); err != nil {
			return cfg, err
		}
	}

	if len(args) > 3 {
		cfg.OutputTargetsSpec = args[3]
		cfg.OutputTargets = ParseOutputTargets(args[3])
	}

	return cfg, nil
}

// ParseOutputTargets splits an output targets string into its targets,
// preserving their order. Empty targets are omitted, so "" yields an empty
// list.
func ParseOutputTargets(spec string) []string {
	targets := []string{}
	for _, t := range strings.Split(spec, OutputTargetSeparator) {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// Geometry computes the sample buffer geometry for cfg.
func (cfg *Config) Geometry() (sample.Geometry, error) {
	return sample.ComputeGeometry(cfg.TargetBufferBytes, cfg.BufferCount)
}

// Validate checks cfg for errors that would prevent the relay from starting.
func (cfg *Config) Validate() error {
	const op = "validate configuration"

	if cfg.Port < 0 || cfg.Port > 65535 {
		return errs.Newf(errs.Configuration, op, "invalid port %d", cfg.Port)
	}
	if _, err := cfg.Geometry(); err != nil {
		return err
	}
	if cfg.DataSourceAddr == "" {
		return errs.Newf(errs.Configuration, op, "a data source address is required")
	}
	if len(cfg.OutputTargets) == 0 {
		return errs.Newf(errs.Configuration, op, "no output targets in %q", cfg.OutputTargetsSpec)
	}
	if cfg.StreamDuration < 0 {
		return errs.Newf(errs.Configuration, op, "invalid stream duration %s", cfg.StreamDuration)
	}
	if cfg.AcceptRate < 0 {
		return errs.Newf(errs.Configuration, op, "invalid accept rate %v", cfg.AcceptRate)
	}
	return nil
}
