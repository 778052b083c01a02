// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/stagingdir"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// CommandRunSpikeFinding is sent to the primary network target before the
// header, instructing it to begin spike finding on the forwarded data.
const CommandRunSpikeFinding int32 = 34

// stagingDirName is the directory, beneath a file target's output directory,
// that holds in-progress recordings.
const stagingDirName = ".staging"

// Target is a single output destination.
//
// A Target is not safe for concurrent use; the Writer serializes access.
type Target interface {
	// WriteHeader writes the dataset header. It is called once, before any
	// samples.
	WriteHeader(h *sample.Header) error
	// Write writes whole sample records.
	Write(samples []byte) error
	// Close finalizes the target and releases its resources.
	Close() error
	// Abort releases the target's resources without finalizing it.
	Abort()

	String() string
}

type commandPacket struct {
	Command int32 `struc:",big"`
}

// openTarget opens the target described by spec. The target at index 0 is the
// primary target.
func openTarget(c context.Context, spec string, index int, cfg *Config) (Target, error) {
	switch {
	case strings.HasPrefix(spec, "net://"):
		addr, err := acquisition.ParseNetAddress(spec)
		if err != nil {
			return nil, err
		}
		return openNetTarget(c, spec, addr, index == 0, cfg)

	case strings.HasPrefix(spec, "snappy://"):
		return openFileTarget(strings.TrimPrefix(spec, "snappy://"), CompressionSnappy, cfg)

	case strings.HasPrefix(spec, "gzip://"):
		return openFileTarget(strings.TrimPrefix(spec, "gzip://"), CompressionGzip, cfg)

	case strings.HasPrefix(spec, "zstd://"):
		return openFileTarget(strings.TrimPrefix(spec, "zstd://"), CompressionZstd, cfg)

	case strings.HasPrefix(spec, "lz4://"):
		return openFileTarget(strings.TrimPrefix(spec, "lz4://"), CompressionLZ4, cfg)

	case strings.HasPrefix(spec, "file://"):
		return openFileTarget(strings.TrimPrefix(spec, "file://"), CompressionNone, cfg)

	case spec == "":
		return nil, errors.New("empty target")

	default:
		return openFileTarget(spec, CompressionNone, cfg)
	}
}

// netTarget forwards the stream to a remote consumer over TCP.
type netTarget struct {
	spec string
	conn net.Conn
	bw   *bufio.Writer
}

func openNetTarget(c context.Context, spec, addr string, primary bool, cfg *Config) (Target, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}

	conn, err := dialer.DialContext(c, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", spec)
	}

	t := netTarget{
		spec: spec,
		conn: conn,
		bw:   bufio.NewWriter(conn),
	}
	if primary {
		if err := struc.Pack(t.bw, &commandPacket{Command: CommandRunSpikeFinding}); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "sending spike finding command")
		}
	}
	return &t, nil
}

func (t *netTarget) String() string { return t.spec }

func (t *netTarget) WriteHeader(h *sample.Header) error {
	if _, err := h.WriteTo(t.bw); err != nil {
		return err
	}
	return t.bw.Flush()
}

func (t *netTarget) Write(samples []byte) error {
	if _, err := t.bw.Write(samples); err != nil {
		return err
	}
	return t.bw.Flush()
}

func (t *netTarget) Abort() { _ = t.conn.Close() }

func (t *netTarget) Close() error {
	flushErr := t.bw.Flush()
	if err := t.conn.Close(); err != nil {
		return err
	}
	return flushErr
}

// fileTarget records the stream to "<dir>/<experiment>/<dataset>.bin", plus
// the compression's extension.
//
// The file is written in a staging directory beneath dir and moved into place
// when the target is closed.
type fileTarget struct {
	dir  string
	comp Compression

	header   *sample.Header
	dest     string
	fileName string

	staging *stagingdir.D
	w       *rawWriter

	// sum hashes the uncompressed bytes written to w.
	sum *blake3.Hasher

	now   func() time.Time
	stats recordingStats
}

func openFileTarget(dir string, comp Compression, cfg *Config) (Target, error) {
	if dir == "" {
		return nil, errors.New("empty output directory")
	}
	if cfg.BasePath != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.BasePath, dir)
	}

	return &fileTarget{
		dir:  dir,
		comp: comp,
		now:  cfg.now,
	}, nil
}

func (t *fileTarget) String() string {
	if t.dest != "" {
		return t.dest
	}
	return t.dir
}

// WriteHeader creates the staged output file, named for h, and writes h to
// it.
func (t *fileTarget) WriteHeader(h *sample.Header) error {
	if t.staging != nil {
		return errors.New("header already written")
	}
	if err := h.CheckOutputName(); err != nil {
		return errors.Wrap(err, "invalid output name")
	}

	name := h.OutputName(".bin" + t.comp.ext())
	t.header = h
	t.dest = filepath.Join(t.dir, filepath.FromSlash(name))
	t.fileName = filepath.Base(t.dest)

	staging, err := stagingdir.New(filepath.Join(t.dir, stagingDirName), "recording")
	if err != nil {
		return errors.Wrap(err, "creating staging directory")
	}

	fd, err := os.Create(staging.Path(t.fileName))
	if err != nil {
		_ = staging.Destroy()
		return errors.Wrap(err, "creating output file")
	}
	w, err := newRawWriter(fd, t.comp)
	if err != nil {
		_ = fd.Close()
		_ = staging.Destroy()
		return err
	}

	t.staging, t.w = staging, w
	t.sum = blake3.New()
	t.stats = recordingStats{Compression: t.comp, Started: t.now()}

	amt, err := h.WriteTo(io.MultiWriter(t.w, t.sum))
	if err != nil {
		t.Abort()
		return err
	}
	t.stats.Bytes += amt
	return nil
}

func (t *fileTarget) Write(samples []byte) error {
	if t.w == nil {
		return errors.New("header has not been written")
	}

	amt, err := t.w.Write(samples)
	_, _ = t.sum.Write(samples[:amt])
	t.stats.Bytes += int64(amt)
	t.stats.Samples += int64(amt / sample.RecordSize)
	return err
}

// Abort discards the staged output file.
func (t *fileTarget) Abort() {
	if t.staging == nil {
		return
	}
	_ = t.w.Close()
	_ = t.staging.Destroy()
	t.staging, t.w = nil, nil
}

// Close finishes the output file and commits it, with its metadata, to its
// destination.
func (t *fileTarget) Close() error {
	if t.staging == nil {
		return nil
	}
	defer func() {
		_ = t.staging.Destroy()
		t.staging, t.w = nil, nil
	}()

	if err := t.w.Close(); err != nil {
		return errors.Wrap(err, "closing output file")
	}

	t.stats.Finished = t.now()
	t.stats.Checksum = t.sum.Sum(nil)
	md, err := buildMetadata(t.header, &t.stats)
	if err != nil {
		return err
	}
	mdName := t.fileName + metadataExt
	if err := writeMetadata(t.staging.Path(mdName), md); err != nil {
		return errors.Wrap(err, "writing metadata")
	}

	if err := t.staging.CommitFile(t.fileName, t.dest); err != nil {
		return err
	}
	return t.staging.CommitFile(mdName, t.dest+metadataExt)
}
