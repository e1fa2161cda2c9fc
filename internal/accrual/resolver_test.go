package accrual

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/inference"
	"github.com/finclose/close-engine/pkg/logger"
)

type stubCapability struct {
	guess inference.PeriodGuess
	err   error
	calls int
}

func (s *stubCapability) InferPeriod(_ context.Context, _ string, _ time.Time) (inference.PeriodGuess, error) {
	s.calls++
	if s.err != nil {
		return inference.PeriodGuess{}, s.err
	}
	return s.guess, nil
}

func (s *stubCapability) ClassifyVariance(_ context.Context, _ inference.VarianceContext) (inference.VarianceCall, error) {
	return inference.VarianceCall{}, nil
}

var _ = Describe("Resolver", func() {
	var (
		stub     *stubCapability
		resolver *Resolver
	)

	scores := Scores{High: 0.9, Medium: 0.6}

	BeforeEach(func() {
		stub = &stubCapability{}
		resolver = NewResolver(stub, scores, logger.LoggerWrapper())
	})

	record := func(id string) canonical.SourceRecord {
		return canonical.SourceRecord{
			ID:          id,
			Amount:      decimal.RequireFromString("500.00"),
			Description: "Consulting services",
			SourceTime:  day(2025, time.November, 10),
		}
	}

	It("keeps explicit service periods without calling the capability", func() {
		rec := record("INV-1")
		start := day(2025, time.November, 1)
		end := day(2025, time.November, 30)
		rec.PeriodStart = &start
		rec.PeriodEnd = &end

		resolved, err := resolver.Resolve(context.Background(), []canonical.SourceRecord{rec})
		Expect(err).NotTo(HaveOccurred())

		Expect(stub.calls).To(BeZero())
		Expect(resolved).To(HaveLen(1))
		Expect(resolved[0].Confidence).To(Equal(ConfidenceHigh))
		Expect(resolved[0].Period.Start).To(Equal(start))
	})

	It("maps capability scores onto confidence tiers", func() {
		stub.guess = inference.PeriodGuess{
			Start: day(2025, time.November, 1),
			End:   day(2025, time.November, 30),
			Score: 0.75,
		}

		resolved, err := resolver.Resolve(context.Background(), []canonical.SourceRecord{record("INV-2")})
		Expect(err).NotTo(HaveOccurred())

		Expect(resolved[0].Confidence).To(Equal(ConfidenceMedium))
		Expect(resolved[0].NeedsReview).To(BeFalse())
	})

	It("routes extraction failures to manual review instead of guessing", func() {
		stub.err = internal.NewPermanentExternalError("no period found", nil)

		resolved, err := resolver.Resolve(context.Background(), []canonical.SourceRecord{record("INV-3")})
		Expect(err).NotTo(HaveOccurred())

		Expect(resolved[0].NeedsReview).To(BeTrue())
		Expect(resolved[0].Confidence).To(Equal(ConfidenceLow))
	})

	It("routes an inverted explicit period to manual review", func() {
		rec := record("INV-4")
		start := day(2025, time.November, 30)
		end := day(2025, time.November, 1)
		rec.PeriodStart = &start
		rec.PeriodEnd = &end

		resolved, err := resolver.Resolve(context.Background(), []canonical.SourceRecord{rec})
		Expect(err).NotTo(HaveOccurred())

		Expect(resolved[0].NeedsReview).To(BeTrue())
	})

	It("aborts the batch when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		stub.err = ctx.Err()

		_, err := resolver.Resolve(ctx, []canonical.SourceRecord{record("INV-5")})
		Expect(err).To(HaveOccurred())
	})
})
