package classification

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/inference"
	"github.com/finclose/close-engine/internal/reconciliation"
	"github.com/finclose/close-engine/pkg/logger"
)

func TestClassification(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Classification Suite")
}

type stubCapability struct {
	call  inference.VarianceCall
	err   error
	calls int
}

func (s *stubCapability) InferPeriod(_ context.Context, _ string, _ time.Time) (inference.PeriodGuess, error) {
	return inference.PeriodGuess{}, nil
}

func (s *stubCapability) ClassifyVariance(_ context.Context, _ inference.VarianceContext) (inference.VarianceCall, error) {
	s.calls++
	if s.err != nil {
		return inference.VarianceCall{}, s.err
	}
	return s.call, nil
}

var _ = Describe("Classifier", func() {
	var (
		stub       *stubCapability
		classifier *Classifier
		rules      Rules
	)

	BeforeEach(func() {
		stub = &stubCapability{}
		classifier = NewClassifier(stub, logger.LoggerWrapper())
		rules = Rules{
			Threshold:      decimal.RequireFromString("1000.00"),
			TimingAccounts: []string{"6100"},
		}
	})

	variance := func(account, delta string) reconciliation.Variance {
		return reconciliation.Variance{
			Account: account,
			Delta:   decimal.RequireFromString(delta),
		}
	}

	It("labels below-threshold deltas immaterial without calling the capability", func() {
		v := classifier.Classify(context.Background(), variance("6200", "-400.00"), rules)

		Expect(v.Classification).To(Equal(reconciliation.ClassImmaterial))
		Expect(v.Material).To(BeFalse())
		Expect(stub.calls).To(BeZero())
	})

	It("labels configured timing accounts without calling the capability", func() {
		v := classifier.Classify(context.Background(), variance("6100", "-1500.00"), rules)

		Expect(v.Classification).To(Equal(reconciliation.ClassTiming))
		Expect(v.Material).To(BeTrue())
		Expect(stub.calls).To(BeZero())
	})

	It("adopts the capability's label for material variances", func() {
		stub.call = inference.VarianceCall{
			Label:     inference.LabelTrueVariance,
			Rationale: "unplanned contractor invoice",
		}

		v := classifier.Classify(context.Background(), variance("6200", "-2500.00"), rules)

		Expect(v.Classification).To(Equal(reconciliation.ClassTrueVariance))
		Expect(v.Rationale).To(Equal("unplanned contractor invoice"))
		Expect(stub.calls).To(Equal(1))
	})

	It("fails open to unclassified when the capability errors", func() {
		stub.err = internal.NewTransientExternalError("inference unavailable", nil)

		v := classifier.Classify(context.Background(), variance("6200", "-2500.00"), rules)

		Expect(v.Classification).To(Equal(reconciliation.ClassUnclassified))
		Expect(v.Material).To(BeTrue())
	})

	It("leaves an unknown capability label unclassified", func() {
		stub.call = inference.VarianceCall{Label: "gremlins"}

		v := classifier.Classify(context.Background(), variance("6200", "-2500.00"), rules)

		Expect(v.Classification).To(Equal(reconciliation.ClassUnclassified))
	})
})

var _ = Describe("RequiresReview", func() {
	It("passes when everything is immaterial or timing", func() {
		variances := []reconciliation.Variance{
			{Classification: reconciliation.ClassImmaterial},
			{Classification: reconciliation.ClassTiming},
		}
		Expect(RequiresReview(variances)).To(BeFalse())
	})

	It("forces review for true variances", func() {
		variances := []reconciliation.Variance{
			{Classification: reconciliation.ClassImmaterial},
			{Classification: reconciliation.ClassTrueVariance},
		}
		Expect(RequiresReview(variances)).To(BeTrue())
	})

	It("forces review for unclassified variances", func() {
		variances := []reconciliation.Variance{
			{Classification: reconciliation.ClassUnclassified},
		}
		Expect(RequiresReview(variances)).To(BeTrue())
	})

	It("forces review for known adjustments", func() {
		variances := []reconciliation.Variance{
			{Classification: reconciliation.ClassKnownAdjustment},
		}
		Expect(RequiresReview(variances)).To(BeTrue())
	})
})
