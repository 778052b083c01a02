// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package acquisition

import (
	"github.com/mikemanookin/manookin-package/support/errs"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseSource", func() {
	DescribeTable("valid sources",
		func(v string, expected Source) {
			src, err := ParseSource(v)
			Expect(err).ToNot(HaveOccurred())
			Expect(src).To(Equal(expected))
		},
		Entry("network", "net://192.168.1.2/7887", Source{Kind: SourceNetwork, Address: "192.168.1.2:7887"}),
		Entry("network host name", "net://daq/7887", Source{Kind: SourceNetwork, Address: "daq:7887"}),
		Entry("file scheme", "file:///data/run.bin", Source{Kind: SourceLocal, Path: "/data/run.bin"}),
		Entry("bare path", "run.bin", Source{Kind: SourceLocal, Path: "run.bin"}),
	)

	DescribeTable("invalid sources",
		func(v string) {
			_, err := ParseSource(v)
			Expect(errs.Is(err, errs.Configuration)).To(BeTrue())
		},
		Entry("empty", ""),
		Entry("missing port", "net://192.168.1.2"),
		Entry("bad port", "net://192.168.1.2/http"),
		Entry("empty file", "file://"),
	)

	It("renders network sources in their original form", func() {
		src, err := ParseSource("net://192.168.1.2/7887")
		Expect(err).ToNot(HaveOccurred())
		Expect(src.String()).To(Equal("net://192.168.1.2/7887"))
	})
})
