package adjudication

import (
	"fmt"
	"slices"
	"strings"
)

var medicalChecks = []checkFunc{
	checkEncounterType,
	checkFacilityType,
	checkRequiredDiagnosis,
	checkExclusiveDiagnoses,
}

// MedicalFindings evaluates the clinical-compatibility rules.
func MedicalFindings(r ClaimRecord, b *RuleBundle) []Finding {
	return runChecks(medicalChecks, r, orEmpty(b))
}

func medical(ruleID, explanation, action string) Finding {
	return Finding{RuleID: ruleID, Category: CategoryMedical, Explanation: explanation, RecommendedAction: action}
}

func checkEncounterType(r ClaimRecord, b *RuleBundle) []Finding {
	var want EncounterType
	switch {
	case b.inpatientOnly.has(r.serviceCode):
		want = EncounterInpatient
	case b.outpatientOnly.has(r.serviceCode):
		want = EncounterOutpatient
	default:
		return nil
	}
	if r.encounterType == want {
		return nil
	}
	return []Finding{medical(RuleEncounterType,
		fmt.Sprintf("%s is restricted to %s encounters, but claim is %s.",
			b.serviceLabel(r.serviceCode), strings.ToLower(string(want)), strings.ToLower(string(r.encounterType))),
		fmt.Sprintf("Change encounter type to %s or update service code", want))}
}

// checkFacilityType treats unmapped facilities, facility types without an
// allowed-service list and unrestricted types as unconstrained.
func checkFacilityType(r ClaimRecord, b *RuleBundle) []Finding {
	typ, ok := b.facilityTypes[r.facilityID]
	if !ok || b.unrestrictedTypes.has(typ) {
		return nil
	}
	allowed, ok := b.facilityServices[typ]
	if !ok || allowed.has(r.serviceCode) {
		return nil
	}
	action := "Update to a compatible facility"
	if alt := compatibleFacilityType(b, r.serviceCode); alt != "" {
		action += fmt.Sprintf(" (e.g., %s)", alt)
	}
	return []Finding{medical(RuleFacilityType,
		fmt.Sprintf("%s is not allowed at %s (%s).", r.serviceCode, typ, r.facilityID),
		action)}
}

// compatibleFacilityType suggests a facility type able to bill code,
// preferring an unrestricted type. Ties break on name for stable output.
func compatibleFacilityType(b *RuleBundle, code string) string {
	var candidates []string
	for typ := range b.unrestrictedTypes {
		candidates = append(candidates, typ)
	}
	if len(candidates) == 0 {
		for typ, allowed := range b.facilityServices {
			if allowed.has(code) {
				candidates = append(candidates, typ)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	slices.Sort(candidates)
	return candidates[0]
}

func checkRequiredDiagnosis(r ClaimRecord, b *RuleBundle) []Finding {
	required, ok := b.requiredDiagnoses[r.serviceCode]
	if !ok {
		return nil
	}
	for _, code := range required {
		if slices.Contains(r.diagnosisCodes, code) {
			return nil
		}
	}
	labels := make([]string, len(required))
	for i, code := range required {
		labels[i] = b.diagnosisLabel(code)
	}
	return []Finding{medical(RuleRequiredDiagnosis,
		fmt.Sprintf("%s requires diagnosis %s, which is missing from the claim.",
			b.serviceLabel(r.serviceCode), strings.Join(labels, " or ")),
		fmt.Sprintf("Add diagnosis %s or update service code", strings.Join(required, " or ")))}
}

// checkExclusiveDiagnoses emits one finding per violated pair, in
// configured pair order.
func checkExclusiveDiagnoses(r ClaimRecord, b *RuleBundle) []Finding {
	var out []Finding
	for _, p := range b.exclusiveDiagnoses {
		if !slices.Contains(r.diagnosisCodes, p.A) || !slices.Contains(r.diagnosisCodes, p.B) {
			continue
		}
		out = append(out, medical(RuleExclusiveDiagnosis,
			fmt.Sprintf("%s and %s are mutually exclusive and cannot coexist.", b.diagnosisLabel(p.A), b.diagnosisLabel(p.B)),
			fmt.Sprintf("Remove either %s or %s from diagnosis codes", p.A, p.B)))
	}
	return out
}
