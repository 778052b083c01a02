// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"net"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/sample"
	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/support/logging/loggingtest"
	"github.com/mikemanookin/manookin-package/writer"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Handshake", func() {
	var (
		c       context.Context
		cancel  context.CancelFunc
		rec     *loggingtest.Recorder
		opener  *streamOpener
		factory *sinkFactory
		hs      Handshake
		s       *Session
		peer    net.Conn
	)

	BeforeEach(func() {
		c, cancel = context.WithCancel(context.Background())
		rec = &loggingtest.Recorder{}

		geom, err := sample.ComputeGeometry(64*1024, 200)
		Expect(err).ToNot(HaveOccurred())

		opener = &streamOpener{header: sample.MakeHeader("exp01", "data001"), ready: true}
		factory = &sinkFactory{}
		hs = Handshake{
			Source:        acquisition.Source{Kind: acquisition.SourceNetwork, Address: "192.168.1.2:7887"},
			Geometry:      geom,
			OutputTargets: []string{"net://192.168.1.1/9000", "out"},
			BasePath:      "/data",
			Duration:      900 * time.Second,
			SaveMode:      writer.Asynchronous,
			OpenStream:    opener.Open,
			NewWriter:     factory.New,
		}

		var conn net.Conn
		conn, peer = net.Pipe()
		s = newSession(c, conn, DataSource, rec)
	})

	AfterEach(func() {
		cancel()
		_ = peer.Close()
		s.finish()
	})

	expectFailedAt := func(err error, step string) {
		Expect(err).To(HaveOccurred())
		Expect(errs.Is(err, errs.Handshake)).To(BeTrue())
		Expect(err.(*errs.Error).Op).To(Equal(step))
		Expect(s.State()).To(Equal(StateFailed))
		Expect(s.Err()).To(Equal(err))
		Expect(rec.Has(loggingtest.LevelError, "Handshake failed")).To(BeTrue())
	}

	It("acquires, commences, reads the header, and attaches the writer", func() {
		Expect(hs.Run(c, s)).To(Succeed())
		Expect(s.State()).To(Equal(StateStreaming))
		Expect(s.OutputName()).To(Equal("exp01/data001.bin"))
		Expect(s.OutputTargets()).To(Equal([]string{"net://192.168.1.1/9000", "out"}))

		Expect(opener.Count()).To(Equal(1))
		stream := opener.Stream(0)
		Expect(stream.Started()).To(BeTrue())
		Expect(stream.Commenced()).To(Equal(1))
		Expect(stream.Options.Geometry).To(Equal(hs.Geometry))
		Expect(stream.Listeners()).To(Equal(1))

		calls := factory.Calls()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Header).To(Equal(s.Header()))
		Expect(calls[0].SamplesPerBuffer).To(Equal(85))
		Expect(calls[0].BufferCount).To(Equal(200))
		Expect(calls[0].Targets).To(Equal(hs.OutputTargets))
		Expect(calls[0].BasePath).To(Equal("/data"))
		Expect(calls[0].Duration).To(Equal(900 * time.Second))
		Expect(calls[0].Mode).To(Equal(writer.Asynchronous))

		for _, step := range []string{StepAcquire, StepCommence, StepAwaitHeader, StepDeriveName, StepAttach} {
			Expect(rec.Has(loggingtest.LevelInfo, `Handshake step "`+step+`"`)).To(BeTrue(), step)
		}
	})

	It("does not commence a local source", func() {
		hs.Source = acquisition.Source{Kind: acquisition.SourceLocal, Path: "/tmp/source.bin"}
		Expect(hs.Run(c, s)).To(Succeed())
		Expect(opener.Stream(0).Commenced()).To(Equal(0))
		Expect(rec.Has(loggingtest.LevelInfo, `Handshake step "commence"`)).To(BeFalse())
	})

	It("fails when the stream cannot be opened", func() {
		opener.err = errors.New("no such source")
		expectFailedAt(hs.Run(c, s), StepAcquire)
		Expect(factory.Calls()).To(BeEmpty())
	})

	It("closes the stream when it cannot be started", func() {
		hs.OpenStream = func(c context.Context, opts acquisition.Options) (acquisition.Stream, error) {
			st, err := opener.Open(c, opts)
			if err == nil {
				opener.Stream(0).StartErr = errors.New("connection refused")
			}
			return st, err
		}

		expectFailedAt(hs.Run(c, s), StepAcquire)
		Expect(opener.Stream(0).Closed()).To(BeTrue())
	})

	It("closes the stream when commencing fails", func() {
		hs.OpenStream = func(c context.Context, opts acquisition.Options) (acquisition.Stream, error) {
			st, err := opener.Open(c, opts)
			if err == nil {
				opener.Stream(0).CommenceErr = errors.New("broken pipe")
			}
			return st, err
		}

		expectFailedAt(hs.Run(c, s), StepCommence)
		Expect(opener.Stream(0).Closed()).To(BeTrue())
	})

	It("fails when the stream ends before its header", func() {
		opener.ready = false
		errC := make(chan error, 1)
		go func() { errC <- hs.Run(c, s) }()

		Eventually(s.State).Should(Equal(StateAwaitingHeader))
		opener.Stream(0).End(errors.New("source went away"))

		var err error
		Eventually(errC).Should(Receive(&err))
		expectFailedAt(err, StepAwaitHeader)
		Expect(opener.Stream(0).Closed()).To(BeTrue())
	})

	It("can be cancelled while awaiting the header", func() {
		opener.ready = false
		errC := make(chan error, 1)
		go func() { errC <- hs.Run(c, s) }()

		Eventually(s.State).Should(Equal(StateAwaitingHeader))
		cancel()

		var err error
		Eventually(errC).Should(Receive(&err))
		expectFailedAt(err, StepAwaitHeader)
		Expect(errors.Cause(err)).To(Equal(context.Canceled))
	})

	It("derives a name from a header that does not name its dataset", func() {
		opener.header = sample.MakeHeader("exp01", "")
		Expect(hs.Run(c, s)).To(Succeed())
		Expect(s.OutputName()).To(Equal("exp01/.bin"))
		Expect(factory.Calls()).To(HaveLen(1))
	})

	It("closes the stream when the writer cannot be attached", func() {
		factory.err = errors.New("connection refused")
		expectFailedAt(hs.Run(c, s), StepAttach)
		Expect(opener.Stream(0).Closed()).To(BeTrue())
		Expect(opener.Stream(0).Listeners()).To(Equal(0))
	})
})
