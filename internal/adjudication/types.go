// Package adjudication classifies normalized claim records against a rule
// bundle. Evaluation is a pure function of (ClaimRecord, RuleBundle): it
// never reads the clock, never calls out to other services and never
// mutates its inputs, so records can be evaluated concurrently without
// coordination.
package adjudication

// EncounterType is the care setting a claim was billed under.
type EncounterType string

const (
	EncounterInpatient  EncounterType = "INPATIENT"
	EncounterOutpatient EncounterType = "OUTPATIENT"
)

// Category separates structural/administrative findings from clinical ones.
type Category string

const (
	CategoryTechnical Category = "technical"
	CategoryMedical   Category = "medical"
)

// ErrorType is the single classification assigned to a claim.
type ErrorType string

const (
	ErrorNone      ErrorType = "No error"
	ErrorTechnical ErrorType = "Technical"
	ErrorMedical   ErrorType = "Medical"
	ErrorBoth      ErrorType = "Both"
)

// ErrorTypes lists every classification in reporting order.
func ErrorTypes() []ErrorType {
	return []ErrorType{ErrorNone, ErrorTechnical, ErrorMedical, ErrorBoth}
}

// Valid reports whether t is one of the four classifications.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorNone, ErrorTechnical, ErrorMedical, ErrorBoth:
		return true
	}
	return false
}

// Status is the claim-level outcome derived from ErrorType.
type Status string

const (
	StatusValidated    Status = "Validated"
	StatusNotValidated Status = "Not Validated"
)

// ApprovalNA is the sentinel stored when no approval number is on file.
const ApprovalNA = "NA"

// Rule identifiers, in evaluation order.
const (
	RuleIDPattern          = "TECH-ID-PATTERN"
	RuleUniqueIDFormat     = "TECH-UID-FORMAT"
	RuleUniqueIDContent    = "TECH-UID-CONTENT"
	RuleApproval           = "TECH-APPROVAL"
	RuleEncounterType      = "MED-ENCOUNTER"
	RuleFacilityType       = "MED-FACILITY"
	RuleRequiredDiagnosis  = "MED-REQUIRED-DX"
	RuleExclusiveDiagnosis = "MED-EXCLUSIVE-DX"
)

// Finding is one rule violation.
type Finding struct {
	RuleID            string   `json:"rule_id"`
	Category          Category `json:"category"`
	Explanation       string   `json:"explanation"`
	RecommendedAction string   `json:"recommended_action"`
}

// FinalAction maps a classification to the downstream disposition used by
// claim processing: accept clean claims, escalate clinical-only problems to
// review, reject anything with a technical defect.
func FinalAction(t ErrorType) string {
	switch t {
	case ErrorNone:
		return "accept"
	case ErrorMedical:
		return "escalate"
	default:
		return "reject"
	}
}
