package paymentgateway_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
)

var _ = Describe("NormalizePhone", func() {
	DescribeTable("accepted formats",
		func(input, expected string) {
			got, err := paymentgateway.NormalizePhone(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(expected))
		},
		Entry("local 07", "0712345678", "254712345678"),
		Entry("local 01", "0110345678", "254110345678"),
		Entry("international with plus", "+254 712 345 678", "254712345678"),
		Entry("short form", "712345678", "254712345678"),
		Entry("already normalized", "254712345678", "254712345678"),
	)

	DescribeTable("rejected formats",
		func(input string) {
			_, err := paymentgateway.NormalizePhone(input)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("too short", "07123"),
		Entry("landline", "0201234567"),
		Entry("foreign", "+255712345678"),
	)

	It("masks the middle digits", func() {
		Expect(paymentgateway.MaskPhone("254712345678")).To(Equal("2547****5678"))
	})
})
