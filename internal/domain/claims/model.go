package claims

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/adjudication"
)

// Claim is a stored claim: the canonical record plus its latest result.
type Claim struct {
	ID             uuid.UUID               `json:"id"`
	ClaimRef       *string                 `json:"claim_ref,omitempty"`
	BatchID        *uuid.UUID              `json:"batch_id,omitempty"`
	EncounterType  string                  `json:"encounter_type"`
	ServiceDate    time.Time               `json:"service_date"`
	NationalID     string                  `json:"national_id"`
	MemberID       string                  `json:"member_id"`
	FacilityID     string                  `json:"facility_id"`
	UniqueID       string                  `json:"unique_id"`
	DiagnosisCodes []string                `json:"diagnosis_codes"`
	ApprovalNumber string                  `json:"approval_number"`
	ServiceCode    string                  `json:"service_code"`
	PaidAmount     decimal.Decimal         `json:"paid_amount"`
	Raw            map[string]any          `json:"raw,omitempty"`
	Status         string                  `json:"status"`
	ErrorType      string                  `json:"error_type"`
	Explanations   []string                `json:"explanations"`
	Actions        []string                `json:"recommended_actions"`
	Findings       []adjudication.Finding  `json:"findings"`
	Confidence     float64                 `json:"confidence"`
	Enriched       bool                    `json:"enriched"`
	FinalAction    string                  `json:"final_action"`
	ValidatedAt    time.Time               `json:"validated_at"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// NewClaim builds a Claim row from an evaluated record. raw is the claim as
// it was received and is stored untouched.
func NewClaim(rec adjudication.ClaimRecord, res adjudication.ValidationResult, raw map[string]any, batchID *uuid.UUID) *Claim {
	c := &Claim{
		BatchID:        batchID,
		EncounterType:  string(rec.EncounterType()),
		ServiceDate:    rec.ServiceDate(),
		NationalID:     rec.NationalID(),
		MemberID:       rec.MemberID(),
		FacilityID:     rec.FacilityID(),
		UniqueID:       rec.UniqueID(),
		DiagnosisCodes: rec.DiagnosisCodes(),
		ApprovalNumber: rec.ApprovalNumber(),
		ServiceCode:    rec.ServiceCode(),
		PaidAmount:     rec.PaidAmount(),
		Raw:            raw,
	}
	if ref := rec.ClaimID(); ref != "" {
		c.ClaimRef = &ref
	}
	if c.DiagnosisCodes == nil {
		c.DiagnosisCodes = []string{}
	}
	if c.Raw == nil {
		c.Raw = rec.Raw()
	}
	c.ApplyResult(res)
	return c
}

// ApplyResult replaces the stored verdict with res.
func (c *Claim) ApplyResult(res adjudication.ValidationResult) {
	c.Status = string(res.Status)
	c.ErrorType = string(res.ErrorType)
	c.Explanations = nonNil(res.Explanations)
	c.Actions = nonNil(res.RecommendedActions)
	c.Findings = res.Findings
	if c.Findings == nil {
		c.Findings = []adjudication.Finding{}
	}
	c.Confidence = res.Confidence
	c.Enriched = res.Enriched
	c.FinalAction = res.FinalAction()
}

// Record rebuilds the canonical record from the stored normalized fields.
func (c *Claim) Record() (adjudication.ClaimRecord, error) {
	raw := map[string]any{
		adjudication.FieldEncounterType:  c.EncounterType,
		adjudication.FieldServiceDate:    c.ServiceDate,
		adjudication.FieldNationalID:     c.NationalID,
		adjudication.FieldMemberID:       c.MemberID,
		adjudication.FieldFacilityID:     c.FacilityID,
		adjudication.FieldUniqueID:       c.UniqueID,
		adjudication.FieldDiagnosisCodes: c.DiagnosisCodes,
		adjudication.FieldApprovalNumber: c.ApprovalNumber,
		adjudication.FieldServiceCode:    c.ServiceCode,
		adjudication.FieldPaidAmount:     c.PaidAmount.String(),
	}
	if c.ClaimRef != nil {
		raw[adjudication.FieldClaimID] = *c.ClaimRef
	}
	return adjudication.Normalize(raw)
}

// AggregateInput is the slice of the row Aggregate needs.
func (c *Claim) AggregateInput() adjudication.AggregateInput {
	return adjudication.AggregateInput{
		ErrorType:  adjudication.ErrorType(c.ErrorType),
		PaidAmount: c.PaidAmount,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Audit actions.
const (
	ActionIngested    = "ingested"
	ActionRevalidated = "revalidated"
)

// AuditEntry is one row of a claim's audit trail.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	ClaimID   uuid.UUID      `json:"claim_id"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows claim listings. Empty fields match everything.
type Filter struct {
	Status      string
	ErrorType   string
	ServiceCode string
	BatchID     *uuid.UUID
}

func (f Filter) validate() error {
	if f.ErrorType != "" && !adjudication.ErrorType(f.ErrorType).Valid() {
		return fmt.Errorf("%w: unknown error_type %q", ErrInvalidFilter, f.ErrorType)
	}
	switch adjudication.Status(f.Status) {
	case "", adjudication.StatusValidated, adjudication.StatusNotValidated:
		return nil
	}
	return fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
}
