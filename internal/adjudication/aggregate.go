package adjudication

import (
	"github.com/shopspring/decimal"
)

// AggregateInput is the slice of a stored result needed for reporting.
type AggregateInput struct {
	ErrorType  ErrorType
	PaidAmount decimal.Decimal
}

// Summary holds the per-classification reporting aggregates. Every
// ErrorType is present, with zero values where no claim matched.
type Summary struct {
	ClaimCounts map[ErrorType]int             `json:"claim_counts_by_error"`
	PaidAmounts map[ErrorType]decimal.Decimal `json:"paid_amount_by_error"`
}

// NewSummary returns a Summary with every classification zeroed.
func NewSummary() Summary {
	s := Summary{
		ClaimCounts: make(map[ErrorType]int, 4),
		PaidAmounts: make(map[ErrorType]decimal.Decimal, 4),
	}
	for _, t := range ErrorTypes() {
		s.ClaimCounts[t] = 0
		s.PaidAmounts[t] = decimal.Zero
	}
	return s
}

// Add folds one claim into the summary. Unknown classifications are ignored.
func (s Summary) Add(in AggregateInput) {
	if !in.ErrorType.Valid() {
		return
	}
	s.ClaimCounts[in.ErrorType]++
	s.PaidAmounts[in.ErrorType] = s.PaidAmounts[in.ErrorType].Add(in.PaidAmount)
}

// Total returns the number of claims counted.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.ClaimCounts {
		n += c
	}
	return n
}

// Aggregate reduces already-computed results into claim counts and paid
// amount sums per classification.
func Aggregate(items []AggregateInput) Summary {
	s := NewSummary()
	for _, in := range items {
		s.Add(in)
	}
	return s
}

// AggregateEvaluations is Aggregate over a batch report's evaluations.
func AggregateEvaluations(evals []Evaluation) Summary {
	s := NewSummary()
	for _, ev := range evals {
		s.Add(AggregateInput{ErrorType: ev.Result.ErrorType, PaidAmount: ev.Record.PaidAmount()})
	}
	return s
}
