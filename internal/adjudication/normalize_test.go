package adjudication

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalize(t *testing.T) {
	raw := map[string]any{
		"encounter_type":  "inpatient",
		"service_date":    "11/5/2024",
		"national_id":     "j45numbe",
		"member_id":       "uzf615na",
		"facility_id":     "0dbye6kp",
		"unique_id":       "j45nf615e6kp",
		"diagnosis_codes": " E66.3; E66.9 ;;E66.3",
		"approval_number": "Obtain approval",
		"service_code":    " SRV1003 ",
		"paid_amount":     559.91,
	}
	rec := mustNormalize(t, raw)

	if rec.EncounterType() != EncounterInpatient {
		t.Errorf("expected INPATIENT, got %s", rec.EncounterType())
	}
	if want := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC); !rec.ServiceDate().Equal(want) {
		t.Errorf("expected %v, got %v", want, rec.ServiceDate())
	}
	if rec.NationalID() != "J45NUMBE" || rec.MemberID() != "UZF615NA" || rec.FacilityID() != "0DBYE6KP" {
		t.Errorf("ids not uppercased: %s %s %s", rec.NationalID(), rec.MemberID(), rec.FacilityID())
	}
	if rec.UniqueID() != "j45nf615e6kp" {
		t.Errorf("unique_id must be kept raw, got %q", rec.UniqueID())
	}
	if got, want := rec.DiagnosisCodes(), []string{"E66.3", "E66.9", "E66.3"}; !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if rec.ApprovalNumber() != ApprovalNA {
		t.Errorf("expected NA, got %q", rec.ApprovalNumber())
	}
	if rec.ServiceCode() != "SRV1003" {
		t.Errorf("expected SRV1003, got %q", rec.ServiceCode())
	}
	if !rec.PaidAmount().Equal(decimal.RequireFromString("559.91")) {
		t.Errorf("expected 559.91, got %s", rec.PaidAmount())
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	raw := cleanRaw()
	raw["national_id"] = "j45numbe"
	before := with(raw)
	mustNormalize(t, raw)
	for k, v := range before {
		if raw[k] != v {
			t.Errorf("field %s changed from %v to %v", k, v, raw[k])
		}
	}
}

func TestNormalize_DiagnosisCodesCopy(t *testing.T) {
	rec := mustNormalize(t, cleanRaw())
	codes := rec.DiagnosisCodes()
	codes[0] = "X00"
	if rec.DiagnosisCodes()[0] != "E66.3" {
		t.Error("record diagnosis codes mutated through accessor")
	}
}

func TestNormalize_ApprovalSynonyms(t *testing.T) {
	tests := []struct {
		raw  any
		want string
	}{
		{"Obtain approval", ApprovalNA},
		{"obtain APPROVAL", ApprovalNA},
		{"", ApprovalNA},
		{"  ", ApprovalNA},
		{"NA", ApprovalNA},
		{"na", ApprovalNA},
		{nil, ApprovalNA},
		{"APP-123abc", "APP-123abc"},
		{12345, "12345"},
	}
	for _, tt := range tests {
		rec := mustNormalize(t, with(cleanRaw(), "approval_number", tt.raw))
		if rec.ApprovalNumber() != tt.want {
			t.Errorf("approval %v: expected %q, got %q", tt.raw, tt.want, rec.ApprovalNumber())
		}
	}
}

func TestNormalize_DateFormats(t *testing.T) {
	want := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	for _, in := range []any{
		"3/7/2024",
		"03/07/2024",
		"2024-03-07",
		"2024-03-07T15:04:05Z",
		"2024-03-07 10:11:12",
		time.Date(2024, 3, 7, 23, 0, 0, 0, time.UTC),
	} {
		rec := mustNormalize(t, with(cleanRaw(), "service_date", in))
		if !rec.ServiceDate().Equal(want) {
			t.Errorf("date %v: expected %v, got %v", in, want, rec.ServiceDate())
		}
	}
}

func TestNormalize_PaidAmountAlias(t *testing.T) {
	raw := with(cleanRaw())
	delete(raw, "paid_amount")
	raw["paid_amount_aed"] = "42.5"
	rec := mustNormalize(t, raw)
	if !rec.PaidAmount().Equal(decimal.RequireFromString("42.5")) {
		t.Errorf("expected 42.5, got %s", rec.PaidAmount())
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"negative amount", with(cleanRaw(), "paid_amount", "-0.01"), FieldPaidAmount},
		{"non numeric amount", with(cleanRaw(), "paid_amount", "abc"), FieldPaidAmount},
		{"missing amount", with(cleanRaw(), "paid_amount", nil), FieldPaidAmount},
		{"bad date", with(cleanRaw(), "service_date", "yesterday"), FieldServiceDate},
		{"day first date", with(cleanRaw(), "service_date", "31/12/2024"), FieldServiceDate},
		{"unknown encounter", with(cleanRaw(), "encounter_type", "EMERGENCY"), FieldEncounterType},
		{"missing national id", with(cleanRaw(), "national_id", ""), FieldNationalID},
		{"missing service code", with(cleanRaw(), "service_code", "  "), FieldServiceCode},
		{"unsupported type", with(cleanRaw(), "member_id", []int{1}), FieldMemberID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			var nerr *NormalizationError
			if !errors.As(err, &nerr) {
				t.Fatalf("expected NormalizationError, got %v", err)
			}
			if nerr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, nerr.Field)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	raws := []map[string]any{
		cleanRaw(),
		with(cleanRaw(), "diagnosis_codes", "E66.3;E66.9; R07.9;E66.3", "paid_amount", "559.910"),
		with(cleanRaw(), "approval_number", "Obtain approval", "unique_id", "j45nf615e6kp"),
		with(cleanRaw(), "diagnosis_codes", nil, "claim_id", nil),
	}
	for i, raw := range raws {
		first := mustNormalize(t, raw)
		second := mustNormalize(t, first.Raw())
		if !first.Equal(second) {
			t.Errorf("case %d: normalizing a canonical record changed it:\n%+v\n%+v", i, first.Raw(), second.Raw())
		}
	}
}

func TestNormalize_IDLengthPreserved(t *testing.T) {
	rec := mustNormalize(t, with(cleanRaw(), "member_id", "ab c9"))
	if rec.MemberID() != "AB C9" {
		t.Errorf("expected AB C9, got %q", rec.MemberID())
	}
}
