// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sample

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size, in bytes, of an encoded Header.
	HeaderSize = 512

	// HeaderMagic identifies an encoded Header ("RAWD").
	HeaderMagic uint32 = 0x52415744

	identifierSize = 128
	commentSize    = 228
)

// Header is the dataset header that precedes a raw sample stream.
//
// uint32  magic
// uint32  header_size  (512)
// int64   time         (unix seconds)
// int32   num_electrodes
// int32   sampling_frequency (Hz)
// int32   array_id
// char    experiment_identifier[128]
// char    dataset_name[128]
// char    comment[228]
//
// All integers are little-endian; strings are NUL-padded.
type Header struct {
	Magic             uint32 `struc:",little"`
	HeaderSize        uint32 `struc:",little"`
	Time              int64  `struc:",little"`
	NumElectrodes     int32  `struc:",little"`
	SamplingFrequency int32  `struc:",little"`
	ArrayID           int32  `struc:",little"`

	ExperimentIdentifier []byte `struc:"[128]byte"`
	DatasetName          []byte `struc:"[128]byte"`
	Comment              []byte `struc:"[228]byte"`
}

// MakeHeader builds a Header for the named experiment and dataset.
func MakeHeader(experiment, dataset string) *Header {
	return &Header{
		Magic:                HeaderMagic,
		HeaderSize:           HeaderSize,
		ExperimentIdentifier: fixedBytes(experiment, identifierSize),
		DatasetName:          fixedBytes(dataset, identifierSize),
		Comment:              fixedBytes("", commentSize),
	}
}

// Experiment returns the experiment identifier.
func (h *Header) Experiment() string { return trimNUL(h.ExperimentIdentifier) }

// Dataset returns the dataset name.
func (h *Header) Dataset() string { return trimNUL(h.DatasetName) }

// OutputName derives the output name for this dataset, joining the experiment
// identifier and the dataset name: "experiment/dataset<ext>".
//
// The separator is always "/", regardless of platform.
func (h *Header) OutputName(ext string) string {
	return path.Join(h.Experiment(), h.Dataset()+ext)
}

// CheckOutputName returns an error unless the experiment identifier and the
// dataset name are each a single, non-empty path element. OutputName then
// stays beneath whatever directory it is joined to.
func (h *Header) CheckOutputName() error {
	for _, v := range []struct{ what, name string }{
		{"experiment identifier", h.Experiment()},
		{"dataset name", h.Dataset()},
	} {
		switch {
		case v.name == "":
			return errors.Errorf("empty %s", v.what)
		case v.name == "." || v.name == "..", strings.ContainsAny(v.name, `/\:`):
			return errors.Errorf("%s %q is not a plain name", v.what, v.name)
		}
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("%s/%s (%d electrode(s) @%dHz)",
		h.Experiment(), h.Dataset(), h.NumElectrodes, h.SamplingFrequency)
}

// ReadHeader reads and decodes exactly HeaderSize bytes from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	return ParseHeader(buf[:])
}

// ParseHeader decodes an encoded Header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, errors.Errorf("header must be %d bytes (got %d)", HeaderSize, len(data))
	}

	var h Header
	if err := struc.Unpack(bytes.NewReader(data), &h); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}
	if h.Magic != HeaderMagic {
		return nil, errors.Errorf("bad header magic 0x%08X", h.Magic)
	}
	if h.HeaderSize != HeaderSize {
		return nil, errors.Errorf("unsupported header size %d", h.HeaderSize)
	}
	return &h, nil
}

// Bytes encodes h into its HeaderSize-byte wire form.
func (h *Header) Bytes() ([]byte, error) {
	enc := *h
	enc.ExperimentIdentifier = fixedBytes(trimNUL(h.ExperimentIdentifier), identifierSize)
	enc.DatasetName = fixedBytes(trimNUL(h.DatasetName), identifierSize)
	enc.Comment = fixedBytes(trimNUL(h.Comment), commentSize)

	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := struc.Pack(&buf, &enc); err != nil {
		return nil, errors.Wrap(err, "encoding header")
	}
	if buf.Len() != HeaderSize {
		return nil, errors.Errorf("encoded header is %d bytes, expected %d", buf.Len(), HeaderSize)
	}
	return buf.Bytes(), nil
}

// WriteTo writes the encoded header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	data, err := h.Bytes()
	if err != nil {
		return 0, err
	}
	amt, err := w.Write(data)
	return int64(amt), err
}

func fixedBytes(v string, size int) []byte {
	b := make([]byte, size)
	copy(b, v)
	return b
}

func trimNUL(b []byte) string {
	if idx := bytes.IndexByte(b, 0x00); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
