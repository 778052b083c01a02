// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"bufio"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// rawWriterBufferSize is the buffer size used when writing output files
// (4MB).
const rawWriterBufferSize = 1024 * 1024 * 4

// Compression is the compression applied to a file target.
type Compression int

const (
	// CompressionNone writes raw bytes.
	CompressionNone Compression = iota
	// CompressionSnappy writes the snappy framing format.
	CompressionSnappy
	// CompressionGzip writes gzip.
	CompressionGzip
	// CompressionZstd writes a zstd stream.
	CompressionZstd
	// CompressionLZ4 writes the LZ4 frame format.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ext is the file extension suffix for c.
func (c Compression) ext() string {
	switch c {
	case CompressionSnappy:
		return ".sz"
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// rawWriter is a buffered, optionally compressed writer that owns its base.
type rawWriter struct {
	io.Writer

	closer io.Closer
	bw     *bufio.Writer

	// compressor, if not nil, is the compressing writer layered over bw.
	compressor io.WriteCloser
}

func newRawWriter(base io.WriteCloser, comp Compression) (*rawWriter, error) {
	w := rawWriter{
		bw:     bufio.NewWriterSize(base, rawWriterBufferSize),
		closer: base,
	}

	switch comp {
	case CompressionSnappy:
		w.compressor = snappy.NewBufferedWriter(w.bw)

	case CompressionGzip:
		w.compressor = gzip.NewWriter(w.bw)

	case CompressionZstd:
		zw, err := zstd.NewWriter(w.bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd writer")
		}
		w.compressor = zw

	case CompressionLZ4:
		w.compressor = lz4.NewWriter(w.bw)

	case CompressionNone:
		w.Writer = w.bw

	default:
		return nil, errors.Errorf("unknown compression: %s", comp)
	}

	if w.compressor != nil {
		w.Writer = w.compressor
	}
	return &w, nil
}

func (w *rawWriter) Close() (err error) {
	// Always close our underlying base.
	defer func() {
		closeErr := w.closer.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if w.compressor != nil {
		if err = w.compressor.Close(); err != nil {
			return
		}
	}

	err = w.bw.Flush()
	return
}
