package adjudication

import (
	"golang.org/x/sync/errgroup"
)

// Evaluate runs the technical and medical rule sets against r and
// classifies the combined findings. The two rule sets share no state and
// run concurrently; the result depends only on r and b.
func Evaluate(r ClaimRecord, b *RuleBundle) ValidationResult {
	b = orEmpty(b)

	var tech, med []Finding
	var g errgroup.Group
	g.Go(func() error {
		tech = TechnicalFindings(r, b)
		return nil
	})
	g.Go(func() error {
		med = MedicalFindings(r, b)
		return nil
	})
	_ = g.Wait()

	return Classify(tech, med)
}

// NormalizeAndEvaluate is the one-shot path used for ad hoc evaluation of a
// single raw claim.
func NormalizeAndEvaluate(raw map[string]any, b *RuleBundle) (ClaimRecord, ValidationResult, error) {
	rec, err := Normalize(raw)
	if err != nil {
		return ClaimRecord{}, ValidationResult{}, err
	}
	return rec, Evaluate(rec, b), nil
}
