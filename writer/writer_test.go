// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/acquisition/acquisitiontest"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/bufferpool"
	"github.com/mikemanookin/manookin-package/support/logging"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

func fillBuffer(pool *bufferpool.Pool, records []byte) *acquisition.Buffer {
	pb, err := pool.Get(context.Background())
	Expect(err).ToNot(HaveOccurred())
	copy(pb.Bytes(), records)
	pb.Truncate(len(records))
	return &acquisition.Buffer{Buffer: pb}
}

// emit delivers records to w the way a Stream would: the buffer is released
// once ProcessSamples returns.
func emit(w *Writer, pool *bufferpool.Pool, records []byte) {
	b := fillBuffer(pool, records)
	w.ProcessSamples(b)
	b.Release()
}

// netSink accepts a single connection and collects everything written to it.
type netSink struct {
	l     net.Listener
	dataC chan []byte
}

func newNetSink() *netSink {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())

	ns := netSink{
		l:     l,
		dataC: make(chan []byte, 1),
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(ns.dataC)
			return
		}
		defer conn.Close()

		data, _ := io.ReadAll(conn)
		ns.dataC <- data
	}()
	return &ns
}

func (ns *netSink) spec() string {
	addr := ns.l.Addr().(*net.TCPAddr)
	return fmt.Sprintf("net://%s/%d", addr.IP, addr.Port)
}

func (ns *netSink) close() { _ = ns.l.Close() }

// failingTarget fails every Write.
type failingTarget struct {
	closed bool
}

func (ft *failingTarget) WriteHeader(*sample.Header) error { return nil }
func (ft *failingTarget) Write([]byte) error               { return errors.New("write failed") }
func (ft *failingTarget) Close() error                     { ft.closed = true; return nil }
func (ft *failingTarget) Abort()                           { ft.closed = true }
func (ft *failingTarget) String() string                   { return "failing" }

// memTarget collects everything written to it.
type memTarget struct {
	buf    bytes.Buffer
	closed bool
}

func (mt *memTarget) WriteHeader(*sample.Header) error { return nil }
func (mt *memTarget) Write(d []byte) error             { mt.buf.Write(d); return nil }
func (mt *memTarget) Close() error                     { mt.closed = true; return nil }
func (mt *memTarget) Abort()                           { mt.closed = true }
func (mt *memTarget) String() string                   { return "memory" }

var _ = Describe("ParseSaveMode", func() {
	It("parses the numeric save modes", func() {
		Expect(ParseSaveMode("0")).To(Equal(Blocking))
		Expect(ParseSaveMode("1")).To(Equal(Asynchronous))
		_, err := ParseSaveMode("2")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Writer", func() {
	var (
		c      context.Context
		dir    string
		header *sample.Header
		pool   *bufferpool.Pool
		now    time.Time
	)

	BeforeEach(func() {
		c = context.Background()

		var err error
		dir, err = os.MkdirTemp("", "writer_test")
		Expect(err).ToNot(HaveOccurred())

		header = sample.MakeHeader("exp01", "data001")
		header.NumElectrodes = 512
		header.SamplingFrequency = 20000
		pool = &bufferpool.Pool{Size: 8 * sample.RecordSize, Count: 4}
		now = time.Date(2018, time.March, 1, 12, 0, 0, 0, time.UTC)
	})
	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	config := func(targets ...string) Config {
		return Config{
			Targets:          targets,
			BasePath:         dir,
			Header:           header,
			SamplesPerBuffer: 8,
			BufferCount:      4,
			Mode:             Blocking,
			now:              func() time.Time { return now },
		}
	}

	headerBytes := func() []byte {
		data, err := header.Bytes()
		Expect(err).ToNot(HaveOccurred())
		return data
	}

	It("requires a header and at least one target", func() {
		cfg := config()
		_, err := New(c, cfg)
		Expect(err).To(HaveOccurred())

		cfg = config("out")
		cfg.Header = nil
		_, err = New(c, cfg)
		Expect(err).To(HaveOccurred())
	})

	It("records a file target and commits it on close", func() {
		w, err := New(c, config("file://out"))
		Expect(err).ToNot(HaveOccurred())

		dest := filepath.Join(dir, "out", "exp01", "data001.bin")
		emit(w, pool, acquisitiontest.Records(3, 0))
		emit(w, pool, acquisitiontest.Records(2, 3))
		Expect(dest).ToNot(BeAnExistingFile())

		Expect(w.Close()).To(Succeed())
		Expect(w.DoneC()).To(BeClosed())
		Expect(pool.Outstanding()).To(Equal(0))

		data, err := os.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(bytes.Join([][]byte{
			headerBytes(),
			acquisitiontest.Records(5, 0),
		}, nil)))

		md, err := LoadMetadata(dest + metadataExt)
		Expect(err).ToNot(HaveOccurred())
		Expect(md.Fields["experiment"].GetStringValue()).To(Equal("exp01"))
		Expect(md.Fields["dataset"].GetStringValue()).To(Equal("data001"))
		Expect(md.Fields["num_samples"].GetNumberValue()).To(Equal(5.0))
		Expect(md.Fields["compression"].GetStringValue()).To(Equal("none"))
		Expect(md.Fields["started"].GetStringValue()).To(Equal("2018-03-01T12:00:00Z"))

		entries, err := os.ReadDir(filepath.Join(dir, "out", stagingDirName))
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("refuses a header that names a path outside its directory", func() {
		out := filepath.Join(dir, "nested", "out")
		header = sample.MakeHeader("../../escaped", "data001")
		_, err := New(c, config("file://"+out))
		Expect(err).To(HaveOccurred())

		Expect(filepath.Join(dir, "escaped", "data001.bin")).ToNot(BeAnExistingFile())
		Expect(filepath.Join(dir, "escaped")).ToNot(BeAnExistingFile())
	})

	It("refuses a header without a dataset name", func() {
		header = sample.MakeHeader("exp01", "")
		_, err := New(c, config("file://out"))
		Expect(err).To(HaveOccurred())
		Expect(filepath.Join(dir, "out", "exp01")).ToNot(BeAnExistingFile())
	})

	It("treats a bare path as a file target", func() {
		w, err := New(c, config("bare"))
		Expect(err).ToNot(HaveOccurred())
		emit(w, pool, acquisitiontest.Records(1, 0))
		Expect(w.Close()).To(Succeed())

		Expect(filepath.Join(dir, "bare", "exp01", "data001.bin")).To(BeARegularFile())
	})

	It("records a snappy-compressed file target", func() {
		w, err := New(c, config("snappy://compressed"))
		Expect(err).ToNot(HaveOccurred())
		emit(w, pool, acquisitiontest.Records(4, 7))
		Expect(w.Close()).To(Succeed())

		fd, err := os.Open(filepath.Join(dir, "compressed", "exp01", "data001.bin.sz"))
		Expect(err).ToNot(HaveOccurred())
		defer fd.Close()

		data, err := io.ReadAll(snappy.NewReader(fd))
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(bytes.Join([][]byte{
			headerBytes(),
			acquisitiontest.Records(4, 7),
		}, nil)))
	})

	DescribeTable("records compressed file targets",
		func(scheme, ext string, decompress func(io.Reader) (io.Reader, error)) {
			w, err := New(c, config(scheme+"://compressed"))
			Expect(err).ToNot(HaveOccurred())
			emit(w, pool, acquisitiontest.Records(3, 1))
			Expect(w.Close()).To(Succeed())

			dest := filepath.Join(dir, "compressed", "exp01", "data001.bin"+ext)
			fd, err := os.Open(dest)
			Expect(err).ToNot(HaveOccurred())
			defer fd.Close()

			r, err := decompress(fd)
			Expect(err).ToNot(HaveOccurred())
			data, err := io.ReadAll(r)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal(bytes.Join([][]byte{
				headerBytes(),
				acquisitiontest.Records(3, 1),
			}, nil)))

			md, err := LoadMetadata(dest + metadataExt)
			Expect(err).ToNot(HaveOccurred())
			Expect(md.Fields["compression"].GetStringValue()).To(Equal(scheme))
		},

		Entry("gzip", "gzip", ".gz", func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		}),
		Entry("zstd", "zstd", ".zst", func(r io.Reader) (io.Reader, error) {
			return zstd.NewReader(r)
		}),
		Entry("lz4", "lz4", ".lz4", func(r io.Reader) (io.Reader, error) {
			return lz4.NewReader(r), nil
		}),
	)

	It("records a checksum of the uncompressed contents", func() {
		w, err := New(c, config("snappy://compressed"))
		Expect(err).ToNot(HaveOccurred())
		emit(w, pool, acquisitiontest.Records(2, 0))
		Expect(w.Close()).To(Succeed())

		sum := blake3.Sum256(bytes.Join([][]byte{
			headerBytes(),
			acquisitiontest.Records(2, 0),
		}, nil))

		md, err := LoadMetadata(filepath.Join(dir, "compressed", "exp01", "data001.bin.sz"+metadataExt))
		Expect(err).ToNot(HaveOccurred())
		Expect(md.Fields["blake3"].GetStringValue()).To(Equal(hex.EncodeToString(sum[:])))
	})

	It("sends the spike finding command to a primary network target", func() {
		ns := newNetSink()
		defer ns.close()

		w, err := New(c, config(ns.spec(), "file://out"))
		Expect(err).ToNot(HaveOccurred())
		emit(w, pool, acquisitiontest.Records(2, 0))
		Expect(w.Close()).To(Succeed())

		var data []byte
		Eventually(ns.dataC, 5*time.Second).Should(Receive(&data))
		Expect(data).To(HaveLen(4 + sample.HeaderSize + 2*sample.RecordSize))
		Expect(int32(binary.BigEndian.Uint32(data[:4]))).To(Equal(CommandRunSpikeFinding))
		Expect(data[4 : 4+sample.HeaderSize]).To(Equal(headerBytes()))
		Expect(data[4+sample.HeaderSize:]).To(Equal(acquisitiontest.Records(2, 0)))
	})

	It("does not send the command to a secondary network target", func() {
		ns := newNetSink()
		defer ns.close()

		w, err := New(c, config("file://out", ns.spec()))
		Expect(err).ToNot(HaveOccurred())
		emit(w, pool, acquisitiontest.Records(1, 0))
		Expect(w.Close()).To(Succeed())

		var data []byte
		Eventually(ns.dataC, 5*time.Second).Should(Receive(&data))
		Expect(data[:sample.HeaderSize]).To(Equal(headerBytes()))
		Expect(data[sample.HeaderSize:]).To(Equal(acquisitiontest.Records(1, 0)))
	})

	It("aborts opened targets when a later target fails to open", func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		addr := l.Addr().(*net.TCPAddr)
		Expect(l.Close()).To(Succeed())

		_, err = New(c, config("file://out", fmt.Sprintf("net://127.0.0.1/%d", addr.Port)))
		Expect(err).To(HaveOccurred())

		Expect(filepath.Join(dir, "out", "exp01", "data001.bin")).ToNot(BeAnExistingFile())
	})

	It("finishes once it has written its duration", func() {
		header.SamplingFrequency = 10
		cfg := config("file://out")
		cfg.Duration = 500 * time.Millisecond
		Expect(cfg.SampleBudget()).To(Equal(int64(5)))

		w, err := New(c, cfg)
		Expect(err).ToNot(HaveOccurred())

		emit(w, pool, acquisitiontest.Records(3, 0))
		Expect(w.DoneC()).ToNot(BeClosed())
		emit(w, pool, acquisitiontest.Records(3, 3))
		Expect(w.DoneC()).To(BeClosed())
		Expect(w.SamplesWritten()).To(Equal(int64(5)))

		// Ignored; the writer has finished.
		emit(w, pool, acquisitiontest.Records(3, 6))
		Expect(w.Close()).To(Succeed())

		data, err := os.ReadFile(filepath.Join(dir, "out", "exp01", "data001.bin"))
		Expect(err).ToNot(HaveOccurred())
		Expect(data[sample.HeaderSize:]).To(Equal(acquisitiontest.Records(5, 0)))
	})

	It("writes queued buffers in asynchronous mode", func() {
		cfg := config("file://out")
		cfg.Mode = Asynchronous
		w, err := New(c, cfg)
		Expect(err).ToNot(HaveOccurred())

		for i := 0; i < 6; i++ {
			emit(w, pool, acquisitiontest.Records(1, byte(i)))
		}
		Eventually(w.SamplesWritten).Should(Equal(int64(6)))
		Expect(w.Close()).To(Succeed())
		Expect(pool.Outstanding()).To(Equal(0))

		data, err := os.ReadFile(filepath.Join(dir, "out", "exp01", "data001.bin"))
		Expect(err).ToNot(HaveOccurred())
		Expect(data[sample.HeaderSize:]).To(Equal(acquisitiontest.Records(6, 0)))
	})

	It("releases every buffer when closed during concurrent delivery", func() {
		pool = &bufferpool.Pool{Size: sample.RecordSize, Count: 64}
		cfg := config("file://out")
		cfg.Mode = Asynchronous
		cfg.BufferCount = 2
		w, err := New(c, cfg)
		Expect(err).ToNot(HaveOccurred())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(seed byte) {
				defer GinkgoRecover()
				defer wg.Done()
				for j := 0; j < 5; j++ {
					emit(w, pool, acquisitiontest.Records(1, seed+byte(j)))
				}
			}(byte(i * 5))
		}
		Expect(w.Close()).To(Succeed())
		wg.Wait()

		Expect(w.DoneC()).To(BeClosed())
		Expect(pool.Outstanding()).To(Equal(0))

		// Delivery after Close is ignored.
		emit(w, pool, acquisitiontest.Records(1, 0))
		Expect(pool.Outstanding()).To(Equal(0))
	})

	It("drops a failing target and continues with the others", func() {
		good, bad := &memTarget{}, &failingTarget{}
		w := &Writer{
			logger:  logging.Nop,
			targets: []Target{bad, good},
			doneC:   make(chan struct{}),
		}

		w.write(acquisitiontest.Records(2, 0))
		Expect(bad.closed).To(BeTrue())
		Expect(w.targets).To(Equal([]Target{good}))
		Expect(w.DoneC()).ToNot(BeClosed())
		Expect(good.buf.Bytes()).To(Equal(acquisitiontest.Records(2, 0)))
	})

	It("finishes when every target has failed", func() {
		w := &Writer{
			logger:  logging.Nop,
			targets: []Target{&failingTarget{}},
			doneC:   make(chan struct{}),
		}

		w.write(acquisitiontest.Records(1, 0))
		Expect(w.DoneC()).To(BeClosed())
	})
})
