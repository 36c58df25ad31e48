package adjudication

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dateLayout is the canonical service_date rendering.
const dateLayout = "2006-01-02"

// ClaimRecord is a canonical, normalized claim. It is only produced by
// Normalize and is immutable afterwards: accessors hand out copies.
type ClaimRecord struct {
	claimID        string
	encounterType  EncounterType
	serviceDate    time.Time
	nationalID     string
	memberID       string
	facilityID     string
	uniqueID       string
	diagnosisCodes []string
	approvalNumber string
	serviceCode    string
	paidAmount     decimal.Decimal
}

func (r ClaimRecord) ClaimID() string              { return r.claimID }
func (r ClaimRecord) EncounterType() EncounterType { return r.encounterType }
func (r ClaimRecord) ServiceDate() time.Time       { return r.serviceDate }
func (r ClaimRecord) NationalID() string           { return r.nationalID }
func (r ClaimRecord) MemberID() string             { return r.memberID }
func (r ClaimRecord) FacilityID() string           { return r.facilityID }
func (r ClaimRecord) UniqueID() string             { return r.uniqueID }
func (r ClaimRecord) ApprovalNumber() string       { return r.approvalNumber }
func (r ClaimRecord) ServiceCode() string          { return r.serviceCode }
func (r ClaimRecord) PaidAmount() decimal.Decimal  { return r.paidAmount }

// DiagnosisCodes returns the diagnosis codes in submission order.
func (r ClaimRecord) DiagnosisCodes() []string {
	return slices.Clone(r.diagnosisCodes)
}

// HasApproval reports whether an approval number is on file.
func (r ClaimRecord) HasApproval() bool {
	return r.approvalNumber != ApprovalNA
}

// Equal reports whether two records carry identical canonical values.
func (r ClaimRecord) Equal(o ClaimRecord) bool {
	return r.claimID == o.claimID &&
		r.encounterType == o.encounterType &&
		r.serviceDate.Equal(o.serviceDate) &&
		r.nationalID == o.nationalID &&
		r.memberID == o.memberID &&
		r.facilityID == o.facilityID &&
		r.uniqueID == o.uniqueID &&
		slices.Equal(r.diagnosisCodes, o.diagnosisCodes) &&
		r.approvalNumber == o.approvalNumber &&
		r.serviceCode == o.serviceCode &&
		r.paidAmount.Equal(o.paidAmount)
}

// Raw renders the record back into the raw field form accepted by
// Normalize. Normalizing the result yields an equal record.
func (r ClaimRecord) Raw() map[string]any {
	raw := map[string]any{
		FieldEncounterType:  string(r.encounterType),
		FieldServiceDate:    r.serviceDate.Format(dateLayout),
		FieldNationalID:     r.nationalID,
		FieldMemberID:       r.memberID,
		FieldFacilityID:     r.facilityID,
		FieldUniqueID:       r.uniqueID,
		FieldDiagnosisCodes: strings.Join(r.diagnosisCodes, diagnosisDelimiter),
		FieldApprovalNumber: r.approvalNumber,
		FieldServiceCode:    r.serviceCode,
		FieldPaidAmount:     r.paidAmount.String(),
	}
	if r.claimID != "" {
		raw[FieldClaimID] = r.claimID
	}
	return raw
}

type recordJSON struct {
	ClaimID        string          `json:"claim_id,omitempty"`
	EncounterType  EncounterType   `json:"encounter_type"`
	ServiceDate    string          `json:"service_date"`
	NationalID     string          `json:"national_id"`
	MemberID       string          `json:"member_id"`
	FacilityID     string          `json:"facility_id"`
	UniqueID       string          `json:"unique_id"`
	DiagnosisCodes []string        `json:"diagnosis_codes"`
	ApprovalNumber string          `json:"approval_number"`
	ServiceCode    string          `json:"service_code"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
}

// MarshalJSON renders the canonical record.
func (r ClaimRecord) MarshalJSON() ([]byte, error) {
	codes := r.DiagnosisCodes()
	if codes == nil {
		codes = []string{}
	}
	return json.Marshal(recordJSON{
		ClaimID:        r.claimID,
		EncounterType:  r.encounterType,
		ServiceDate:    r.serviceDate.Format(dateLayout),
		NationalID:     r.nationalID,
		MemberID:       r.memberID,
		FacilityID:     r.facilityID,
		UniqueID:       r.uniqueID,
		DiagnosisCodes: codes,
		ApprovalNumber: r.approvalNumber,
		ServiceCode:    r.serviceCode,
		PaidAmount:     r.paidAmount,
	})
}
