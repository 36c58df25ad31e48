package adjudication

import (
	"fmt"
	"regexp"
	"slices"
)

// checkFunc inspects one record and returns the findings it produces, in a
// fixed order. A check never fails.
type checkFunc func(r ClaimRecord, b *RuleBundle) []Finding

// technicalChecks run in this order; findings are reported in the same order.
var technicalChecks = []checkFunc{
	checkIDPatterns,
	checkUniqueID,
	checkApproval,
}

// uniqueIDFormat is applied to the raw unique_id, so lowercase fails.
var uniqueIDFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

const segmentLen = 4

// TechnicalFindings evaluates the structural and administrative rules.
func TechnicalFindings(r ClaimRecord, b *RuleBundle) []Finding {
	return runChecks(technicalChecks, r, orEmpty(b))
}

func runChecks(checks []checkFunc, r ClaimRecord, b *RuleBundle) []Finding {
	var out []Finding
	for _, check := range checks {
		out = append(out, check(r, b)...)
	}
	return out
}

func technical(ruleID, explanation, action string) Finding {
	return Finding{RuleID: ruleID, Category: CategoryTechnical, Explanation: explanation, RecommendedAction: action}
}

func checkIDPatterns(r ClaimRecord, b *RuleBundle) []Finding {
	ids := []struct{ field, value string }{
		{FieldNationalID, r.nationalID},
		{FieldMemberID, r.memberID},
		{FieldFacilityID, r.facilityID},
	}
	var out []Finding
	for _, id := range ids {
		if b.idPattern.MatchString(id.value) && len([]rune(id.value)) >= b.idMinLength {
			continue
		}
		explanation := fmt.Sprintf("%s %q must be uppercase alphanumeric", id.field, id.value)
		if b.idMinLength > 0 {
			explanation += fmt.Sprintf(" with at least %d characters", b.idMinLength)
		}
		out = append(out, technical(RuleIDPattern, explanation+".",
			fmt.Sprintf("Correct %s to an uppercase alphanumeric value", id.field)))
	}
	return out
}

// ExpectedUniqueID derives the unique_id a record should carry:
// first4(national_id)-middle4(member_id)-last4(facility_id). An ID shorter
// than four characters contributes itself whole.
func ExpectedUniqueID(r ClaimRecord) string {
	return first4(r.nationalID) + "-" + middle4(r.memberID) + "-" + last4(r.facilityID)
}

func first4(s string) string {
	rs := []rune(s)
	if len(rs) < segmentLen {
		return s
	}
	return string(rs[:segmentLen])
}

func middle4(s string) string {
	rs := []rune(s)
	if len(rs) < segmentLen {
		return s
	}
	off := (len(rs) - segmentLen) / 2
	return string(rs[off : off+segmentLen])
}

func last4(s string) string {
	rs := []rune(s)
	if len(rs) < segmentLen {
		return s
	}
	return string(rs[len(rs)-segmentLen:])
}

func checkUniqueID(r ClaimRecord, _ *RuleBundle) []Finding {
	expected := ExpectedUniqueID(r)
	action := "Correct unique_id to " + expected

	if !uniqueIDFormat.MatchString(r.uniqueID) {
		return []Finding{technical(RuleUniqueIDFormat,
			fmt.Sprintf("unique_id %q is invalid: must be uppercase alphanumeric in hyphen-separated format XXXX-XXXX-XXXX; expected %s.", r.uniqueID, expected),
			action)}
	}
	if r.uniqueID != expected {
		return []Finding{technical(RuleUniqueIDContent,
			fmt.Sprintf("unique_id %s does not match first4(national_id)-middle4(member_id)-last4(facility_id); expected %s.", r.uniqueID, expected),
			action)}
	}
	return nil
}

// checkApproval emits one finding per reason approval is required: the
// service, the paid amount, then each triggering diagnosis in record order.
func checkApproval(r ClaimRecord, b *RuleBundle) []Finding {
	if r.HasApproval() {
		return nil
	}
	var out []Finding
	if b.approvalServices.has(r.serviceCode) {
		out = append(out, technical(RuleApproval,
			fmt.Sprintf("%s requires prior approval.", b.serviceLabel(r.serviceCode)),
			"Obtain prior approval for "+r.serviceCode))
	}
	if t := b.paidThreshold; t.Valid && r.paidAmount.GreaterThan(t.Decimal) {
		out = append(out, technical(RuleApproval,
			fmt.Sprintf("Paid amount %s exceeds %s, requires prior approval.", r.paidAmount.String(), t.Decimal.String()),
			"Obtain prior approval for paid amount"))
	}
	var seen []string
	for _, code := range r.diagnosisCodes {
		if !b.approvalDiagnoses.has(code) || slices.Contains(seen, code) {
			continue
		}
		seen = append(seen, code)
		out = append(out, technical(RuleApproval,
			fmt.Sprintf("Diagnosis %s requires prior approval.", code),
			"Obtain prior approval for "+code))
	}
	return out
}
