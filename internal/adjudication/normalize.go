package adjudication

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Raw field names accepted by Normalize.
const (
	FieldClaimID        = "claim_id"
	FieldEncounterType  = "encounter_type"
	FieldServiceDate    = "service_date"
	FieldNationalID     = "national_id"
	FieldMemberID       = "member_id"
	FieldFacilityID     = "facility_id"
	FieldUniqueID       = "unique_id"
	FieldDiagnosisCodes = "diagnosis_codes"
	FieldApprovalNumber = "approval_number"
	FieldServiceCode    = "service_code"
	FieldPaidAmount     = "paid_amount"
)

// fieldAliases maps legacy column names onto canonical field names.
var fieldAliases = map[string]string{
	"paid_amount_aed": FieldPaidAmount,
}

const diagnosisDelimiter = ";"

// dateLayouts are tried in order. The two-digit-year forms are what
// spreadsheet date cells render as.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"1/2/06",
	"01-02-06",
}

// NormalizationError reports a raw field that could not be converted into a
// canonical ClaimRecord value.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
}

func fieldError(field, format string, args ...any) *NormalizationError {
	return &NormalizationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize converts raw, heterogeneous field values into a ClaimRecord.
// It either returns a complete record or a *NormalizationError naming the
// first offending field; raw is never modified.
func Normalize(raw map[string]any) (ClaimRecord, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := fieldAliases[key]; ok {
			if _, exists := raw[alias]; exists {
				continue
			}
			key = alias
		}
		fields[key] = v
	}

	var rec ClaimRecord
	var err error

	if rec.claimID, _, err = text(fields, FieldClaimID); err != nil {
		return ClaimRecord{}, err
	}
	rec.claimID = strings.TrimSpace(rec.claimID)

	if rec.encounterType, err = normalizeEncounter(fields); err != nil {
		return ClaimRecord{}, err
	}
	if rec.serviceDate, err = normalizeDate(fields); err != nil {
		return ClaimRecord{}, err
	}
	if rec.nationalID, err = normalizeID(fields, FieldNationalID); err != nil {
		return ClaimRecord{}, err
	}
	if rec.memberID, err = normalizeID(fields, FieldMemberID); err != nil {
		return ClaimRecord{}, err
	}
	if rec.facilityID, err = normalizeID(fields, FieldFacilityID); err != nil {
		return ClaimRecord{}, err
	}
	if rec.uniqueID, _, err = text(fields, FieldUniqueID); err != nil {
		return ClaimRecord{}, err
	}
	if rec.diagnosisCodes, err = normalizeDiagnoses(fields); err != nil {
		return ClaimRecord{}, err
	}
	if rec.approvalNumber, err = normalizeApproval(fields); err != nil {
		return ClaimRecord{}, err
	}
	if rec.serviceCode, err = required(fields, FieldServiceCode); err != nil {
		return ClaimRecord{}, err
	}
	rec.serviceCode = strings.TrimSpace(rec.serviceCode)
	if rec.paidAmount, err = normalizeAmount(fields); err != nil {
		return ClaimRecord{}, err
	}
	return rec, nil
}

func normalizeEncounter(fields map[string]any) (EncounterType, error) {
	s, err := required(fields, FieldEncounterType)
	if err != nil {
		return "", err
	}
	switch et := EncounterType(strings.ToUpper(strings.TrimSpace(s))); et {
	case EncounterInpatient, EncounterOutpatient:
		return et, nil
	default:
		return "", fieldError(FieldEncounterType, "unknown encounter type %q", s)
	}
}

func normalizeDate(fields map[string]any) (time.Time, error) {
	if t, ok := fields[FieldServiceDate].(time.Time); ok {
		if t.IsZero() {
			return time.Time{}, fieldError(FieldServiceDate, "is required")
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	s, err := required(fields, FieldServiceDate)
	if err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fieldError(FieldServiceDate, "unparseable date %q", s)
}

// normalizeID uppercases rune by rune, so the character count is preserved.
func normalizeID(fields map[string]any, field string) (string, error) {
	s, err := required(fields, field)
	if err != nil {
		return "", err
	}
	return strings.Map(unicode.ToUpper, s), nil
}

func normalizeDiagnoses(fields map[string]any) ([]string, error) {
	var parts []string
	switch v := fields[FieldDiagnosisCodes].(type) {
	case nil:
		return nil, nil
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			s, ok := scalarText(item)
			if !ok {
				return nil, fieldError(FieldDiagnosisCodes, "unsupported element type %T", item)
			}
			parts = append(parts, s)
		}
	default:
		s, ok := scalarText(v)
		if !ok {
			return nil, fieldError(FieldDiagnosisCodes, "unsupported value type %T", v)
		}
		parts = strings.Split(s, diagnosisDelimiter)
	}

	var codes []string
	for _, p := range parts {
		for _, code := range strings.Split(p, diagnosisDelimiter) {
			if code = strings.TrimSpace(code); code != "" {
				codes = append(codes, code)
			}
		}
	}
	return codes, nil
}

func normalizeApproval(fields map[string]any) (string, error) {
	s, _, err := text(fields, FieldApprovalNumber)
	if err != nil {
		return "", err
	}
	switch t := strings.TrimSpace(s); {
	case t == "", strings.EqualFold(t, ApprovalNA), strings.EqualFold(t, "Obtain approval"):
		return ApprovalNA, nil
	}
	return s, nil
}

func normalizeAmount(fields map[string]any) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch v := fields[FieldPaidAmount].(type) {
	case nil:
		return decimal.Decimal{}, fieldError(FieldPaidAmount, "is required")
	case decimal.Decimal:
		amount = v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, fieldError(FieldPaidAmount, "not a finite number")
		}
		amount = decimal.NewFromFloat(v)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return decimal.Decimal{}, fieldError(FieldPaidAmount, "not a finite number")
		}
		amount = decimal.NewFromFloat32(v)
	default:
		s, ok := scalarText(v)
		if !ok {
			return decimal.Decimal{}, fieldError(FieldPaidAmount, "unsupported value type %T", v)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Decimal{}, fieldError(FieldPaidAmount, "is required")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, fieldError(FieldPaidAmount, "not numeric: %q", s)
		}
		amount = d
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, fieldError(FieldPaidAmount, "must not be negative, got %s", amount.String())
	}
	return amount, nil
}

// required returns the textual value of a field that must be present and
// non-blank.
func required(fields map[string]any, field string) (string, error) {
	s, present, err := text(fields, field)
	if err != nil {
		return "", err
	}
	if !present || strings.TrimSpace(s) == "" {
		return "", fieldError(field, "is required")
	}
	return s, nil
}

// text returns the textual value of an optional field.
func text(fields map[string]any, field string) (string, bool, error) {
	v, ok := fields[field]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := scalarText(v)
	if !ok {
		return "", false, fieldError(field, "unsupported value type %T", v)
	}
	return s, true, nil
}

func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case decimal.Decimal:
		return x.String(), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}
