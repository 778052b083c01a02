// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/mikemanookin/manookin-package/sample"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/pkg/errors"
)

// metadataExt is the suffix of the metadata file written beside each output
// file.
const metadataExt = ".meta.txt"

// recordingStats are the statistics of a finished file target.
type recordingStats struct {
	Compression Compression
	Samples     int64
	Bytes       int64
	Started     time.Time
	Finished    time.Time

	// Checksum is the BLAKE3 digest of the uncompressed file contents.
	Checksum []byte
}

func stringValue(v string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: v}}
}

func numberValue(v float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
}

func timestampValue(t time.Time) (*structpb.Value, error) {
	ts, err := ptypes.TimestampProto(t)
	if err != nil {
		return nil, errors.Wrap(err, "creating timestamp proto")
	}
	return stringValue(ptypes.TimestampString(ts)), nil
}

// buildMetadata describes a recorded dataset.
func buildMetadata(h *sample.Header, st *recordingStats) (*structpb.Struct, error) {
	started, err := timestampValue(st.Started)
	if err != nil {
		return nil, err
	}
	finished, err := timestampValue(st.Finished)
	if err != nil {
		return nil, err
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"experiment":         stringValue(h.Experiment()),
			"dataset":            stringValue(h.Dataset()),
			"num_electrodes":     numberValue(float64(h.NumElectrodes)),
			"sampling_frequency": numberValue(float64(h.SamplingFrequency)),
			"record_size":        numberValue(sample.RecordSize),
			"compression":        stringValue(st.Compression.String()),
			"num_samples":        numberValue(float64(st.Samples)),
			"num_bytes":          numberValue(float64(st.Bytes)),
			"started":            started,
			"finished":           finished,
			"blake3":             stringValue(hex.EncodeToString(st.Checksum)),
		},
	}, nil
}

func writeMetadata(path string, md *structpb.Struct) error {
	return os.WriteFile(path, []byte(proto.MarshalTextString(md)), 0644)
}

// LoadMetadata loads the metadata file written beside a recorded output file.
func LoadMetadata(path string) (*structpb.Struct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var md structpb.Struct
	if err := proto.UnmarshalText(string(data), &md); err != nil {
		return nil, errors.Wrapf(err, "parsing metadata %q", path)
	}
	return &md, nil
}
