package adjudication

// Confidence values assigned by the classifier.
const (
	ConfidenceDeterministic = 1.0
	// ConfidenceFloor is the lowest confidence any result may carry; the
	// rule verdict stays trustworthy even when enrichment fails.
	ConfidenceFloor = 0.5
)

// ValidationResult is the verdict for one claim. Results are values:
// re-validation produces a new result rather than updating an old one.
type ValidationResult struct {
	Status             Status    `json:"status"`
	ErrorType          ErrorType `json:"error_type"`
	Explanations       []string  `json:"explanations"`
	RecommendedActions []string  `json:"recommended_actions"`
	Confidence         float64   `json:"confidence"`
	Findings           []Finding `json:"findings"`
	Enriched           bool      `json:"enriched"`
}

// FinalAction is the downstream disposition for this result.
func (v ValidationResult) FinalAction() string {
	return FinalAction(v.ErrorType)
}

// Classify merges technical and medical findings into a single verdict.
// It never fails: an empty finding set is a clean claim.
func Classify(tech, med []Finding) ValidationResult {
	hasTech, hasMed := len(tech) > 0, len(med) > 0

	var et ErrorType
	switch {
	case hasTech && hasMed:
		et = ErrorBoth
	case hasTech:
		et = ErrorTechnical
	case hasMed:
		et = ErrorMedical
	default:
		et = ErrorNone
	}

	status := StatusNotValidated
	if et == ErrorNone {
		status = StatusValidated
	}

	findings := make([]Finding, 0, len(tech)+len(med))
	findings = append(findings, tech...)
	findings = append(findings, med...)

	res := ValidationResult{
		Status:             status,
		ErrorType:          et,
		Explanations:       make([]string, len(findings)),
		RecommendedActions: make([]string, len(findings)),
		Confidence:         ConfidenceDeterministic,
		Findings:           findings,
	}
	for i, f := range findings {
		res.Explanations[i] = f.Explanation
		res.RecommendedActions[i] = f.RecommendedAction
	}
	return res
}

// clone returns a deep copy so callers never share slices between results.
func (v ValidationResult) clone() ValidationResult {
	out := v
	out.Explanations = append([]string{}, v.Explanations...)
	out.RecommendedActions = append([]string{}, v.RecommendedActions...)
	out.Findings = append([]Finding{}, v.Findings...)
	return out
}
