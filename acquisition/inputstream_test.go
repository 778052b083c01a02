// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package acquisition

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikemanookin/manookin-package/sample"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func testRecords(n int) []byte {
	data := make([]byte, n*sample.RecordSize)
	for i := range data {
		data[i] = byte(i / sample.RecordSize)
	}
	return data
}

// collector is a SampleListener that copies everything it receives.
type collector struct {
	mu      sync.Mutex
	data    bytes.Buffer
	buffers []int
	first   []int64
}

func (col *collector) ProcessSamples(b *Buffer) {
	col.mu.Lock()
	defer col.mu.Unlock()
	col.data.Write(b.Bytes())
	col.buffers = append(col.buffers, b.NumSamples())
	col.first = append(col.first, b.FirstSample)
}

func (col *collector) snapshot() ([]byte, []int, []int64) {
	col.mu.Lock()
	defer col.mu.Unlock()
	return append([]byte(nil), col.data.Bytes()...),
		append([]int(nil), col.buffers...),
		append([]int64(nil), col.first...)
}

var _ = Describe("InputStream", func() {
	var geom sample.Geometry
	BeforeEach(func() {
		var err error
		geom, err = sample.ComputeGeometry(2*sample.RecordSize+100, 4)
		Expect(err).ToNot(HaveOccurred())
	})

	header := func() []byte {
		data, err := sample.MakeHeader("exp01", "data001").Bytes()
		Expect(err).ToNot(HaveOccurred())
		return data
	}

	Context("with a network source", func() {
		var l net.Listener
		var commandC chan int32

		BeforeEach(func() {
			var err error
			l, err = net.Listen("tcp", "127.0.0.1:0")
			Expect(err).ToNot(HaveOccurred())
			commandC = make(chan int32, 1)

			hdr := header()
			go func() {
				defer GinkgoRecover()

				conn, err := l.Accept()
				if err != nil {
					return
				}
				defer conn.Close()

				// Wait for the commence command before writing anything.
				var cmd int32
				Expect(binary.Read(conn, binary.BigEndian, &cmd)).To(Succeed())
				commandC <- cmd

				_, _ = conn.Write(hdr)
				_, _ = conn.Write(testRecords(5))
			}()
		})

		AfterEach(func() {
			_ = l.Close()
		})

		It("commences writing, reads the header, and delivers whole buffers", func() {
			s := &InputStream{
				Options: Options{
					Source:   Source{Kind: SourceNetwork, Address: l.Addr().String()},
					Geometry: geom,
				},
			}
			col := &collector{}
			s.AddSampleListener(col)

			Expect(s.Start(context.Background())).To(Succeed())
			defer s.Close()
			Expect(s.CommenceWriting()).To(Succeed())
			Eventually(commandC).Should(Receive(Equal(CommandCommenceWriting)))

			h, err := s.Header(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(h.OutputName(".bin")).To(Equal("exp01/data001.bin"))

			Eventually(s.DoneC(), 5*time.Second).Should(BeClosed())
			Expect(s.Err()).ToNot(HaveOccurred())

			data, buffers, first := col.snapshot()
			Expect(data).To(Equal(testRecords(5)))
			Expect(buffers).To(Equal([]int{2, 2, 1}))
			Expect(first).To(Equal([]int64{0, 2, 4}))
		})
	})

	Context("with a local source", func() {
		var dir string
		BeforeEach(func() {
			var err error
			dir, err = os.MkdirTemp("", "inputstream_test")
			Expect(err).ToNot(HaveOccurred())
		})
		AfterEach(func() {
			_ = os.RemoveAll(dir)
		})

		writeSource := func(parts ...[]byte) string {
			path := filepath.Join(dir, "source.bin")
			Expect(os.WriteFile(path, bytes.Join(parts, nil), 0644)).To(Succeed())
			return path
		}

		It("discards a trailing partial record", func() {
			path := writeSource(header(), testRecords(3), []byte{1, 2, 3})
			s := &InputStream{
				Options: Options{Source: Source{Kind: SourceLocal, Path: path}, Geometry: geom},
			}
			col := &collector{}
			s.AddSampleListener(col)
			Expect(s.Start(context.Background())).To(Succeed())
			defer s.Close()

			Eventually(s.DoneC()).Should(BeClosed())
			Expect(s.Err()).ToNot(HaveOccurred())
			data, _, _ := col.snapshot()
			Expect(data).To(Equal(testRecords(3)))
		})

		It("refuses to commence writing", func() {
			path := writeSource(header())
			s := &InputStream{
				Options: Options{Source: Source{Kind: SourceLocal, Path: path}, Geometry: geom},
			}
			Expect(s.Start(context.Background())).To(Succeed())
			defer s.Close()
			Expect(s.CommenceWriting()).ToNot(Succeed())
		})

		It("fails to produce a header from a short source", func() {
			path := writeSource([]byte("short"))
			s := &InputStream{
				Options: Options{Source: Source{Kind: SourceLocal, Path: path}, Geometry: geom},
			}
			Expect(s.Start(context.Background())).To(Succeed())
			defer s.Close()

			_, err := s.Header(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(errors.Cause(s.Err())).To(Equal(io.ErrUnexpectedEOF))
		})

		It("waits for more data when configured to", func() {
			path := writeSource(header())
			s := &InputStream{
				Options:      Options{Source: Source{Kind: SourceLocal, Path: path}, Geometry: geom, WaitForData: true},
				PollInterval: 5 * time.Millisecond,
			}
			col := &collector{}
			s.AddSampleListener(col)
			Expect(s.Start(context.Background())).To(Succeed())

			_, err := s.Header(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Consistently(s.DoneC(), 30*time.Millisecond).ShouldNot(BeClosed())

			fd, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			Expect(err).ToNot(HaveOccurred())
			_, err = fd.Write(testRecords(2))
			Expect(err).ToNot(HaveOccurred())
			Expect(fd.Close()).To(Succeed())

			Eventually(func() []byte {
				data, _, _ := col.snapshot()
				return data
			}).Should(Equal(testRecords(2)))

			Expect(s.Close()).To(Succeed())
			Expect(s.DoneC()).To(BeClosed())
			Expect(s.Err()).ToNot(HaveOccurred())
		})
	})

	It("cannot be started twice", func() {
		s := &InputStream{
			Options: Options{Source: Source{Kind: SourceLocal, Path: os.DevNull}, Geometry: geom},
		}
		Expect(s.Start(context.Background())).To(Succeed())
		defer s.Close()
		Expect(s.Start(context.Background())).ToNot(Succeed())
	})
})
