package adjudication

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testBundle(t *testing.T) *RuleBundle {
	t.Helper()
	b, err := NewRuleBundle(BundleSpec{
		IDMinLength:            4,
		PaidThreshold:          decimal.NewNullDecimal(decimal.NewFromInt(250)),
		ApprovalServices:       []string{"SRV1001", "SRV1002", "SRV1003", "SRV2008"},
		ApprovalDiagnoses:      []string{"E11.9", "R07.9", "Z34.0"},
		InpatientOnlyServices:  []string{"SRV1001", "SRV1002", "SRV1003"},
		OutpatientOnlyServices: []string{"SRV2001", "SRV2002", "SRV2003", "SRV2004", "SRV2006", "SRV2007", "SRV2008", "SRV2010", "SRV2011"},
		FacilityTypes: map[string]string{
			"0DBYE6KP": "DIALYSIS_CENTER",
			"OCQUMGDW": "GENERAL_HOSPITAL",
			"EGVP0QAQ": "GENERAL_HOSPITAL",
		},
		FacilityServices: map[string][]string{
			"DIALYSIS_CENTER":    {"SRV1003", "SRV2010"},
			"MATERNITY_HOSPITAL": {"SRV2008"},
			"CARDIOLOGY_CENTER":  {"SRV2001", "SRV2011"},
		},
		UnrestrictedFacilityTypes: []string{"GENERAL_HOSPITAL"},
		RequiredDiagnoses: map[string][]string{
			"SRV2001": {"R07.9"},
			"SRV2007": {"E11.9"},
		},
		ExclusiveDiagnoses: []ExclusivePair{
			{A: "R73.03", B: "E11.9"},
			{A: "E66.3", B: "E66.9"},
			{A: "R51", B: "G43.9"},
		},
		ServiceNames: map[string]string{
			"SRV1002": "ICU Stay",
			"SRV1003": "Inpatient Dialysis",
			"SRV2001": "ECG",
		},
		DiagnosisNames: map[string]string{
			"E66.3": "Overweight",
			"E66.9": "Obesity",
		},
	})
	if err != nil {
		t.Fatalf("NewRuleBundle: %v", err)
	}
	return b
}

// cleanRaw is a claim with no findings against testBundle.
func cleanRaw() map[string]any {
	return map[string]any{
		"claim_id":        "C-100",
		"encounter_type":  "OUTPATIENT",
		"service_date":    "2024-05-01",
		"national_id":     "J45NUMBE",
		"member_id":       "UZF615NA",
		"facility_id":     "OCQUMGDW",
		"unique_id":       "J45N-F615-MGDW",
		"diagnosis_codes": "E66.3",
		"approval_number": "NA",
		"service_code":    "SRV2002",
		"paid_amount":     "100.00",
	}
}

func mustNormalize(t *testing.T, raw map[string]any) ClaimRecord {
	t.Helper()
	rec, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return rec
}

func with(raw map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func ruleIDs(fs []Finding) []string {
	ids := make([]string, len(fs))
	for i, f := range fs {
		ids[i] = f.RuleID
	}
	return ids
}
