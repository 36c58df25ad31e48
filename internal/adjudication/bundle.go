package adjudication

import (
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultIDPattern matches uppercase alphanumeric identifiers.
const DefaultIDPattern = `[A-Z0-9]+`

// ExclusivePair is a pair of diagnosis codes that must not appear together
// on one claim.
type ExclusivePair struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// BundleSpec is the mutable description a RuleBundle is built from.
type BundleSpec struct {
	// IDPattern is matched against the whole identifier. Empty means
	// DefaultIDPattern.
	IDPattern   string
	IDMinLength int

	// PaidThreshold is the amount above which approval is required. An
	// invalid (unset) threshold disables the amount trigger.
	PaidThreshold     decimal.NullDecimal
	ApprovalServices  []string
	ApprovalDiagnoses []string

	InpatientOnlyServices  []string
	OutpatientOnlyServices []string

	// FacilityTypes maps facility IDs to facility types.
	FacilityTypes map[string]string
	// FacilityServices maps facility types to the services they may bill.
	FacilityServices          map[string][]string
	UnrestrictedFacilityTypes []string

	// RequiredDiagnoses maps a service to the codes that justify it; any
	// one of them satisfies the requirement.
	RequiredDiagnoses  map[string][]string
	ExclusiveDiagnoses []ExclusivePair

	// Display names, used only in explanation text.
	ServiceNames   map[string]string
	DiagnosisNames map[string]string
}

type set map[string]struct{}

func newSet(items []string) set {
	s := make(set, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			s[it] = struct{}{}
		}
	}
	return s
}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

// RuleBundle is the immutable rule configuration one evaluation runs
// against. Construct it with NewRuleBundle; the zero value is not usable,
// but a nil *RuleBundle evaluates as a bundle with no rules configured
// beyond the ID and unique-id checks.
type RuleBundle struct {
	idPattern   *regexp.Regexp
	idMinLength int

	paidThreshold     decimal.NullDecimal
	approvalServices  set
	approvalDiagnoses set

	inpatientOnly  set
	outpatientOnly set

	facilityTypes     map[string]string
	facilityServices  map[string]set
	unrestrictedTypes set

	requiredDiagnoses  map[string][]string
	exclusiveDiagnoses []ExclusivePair

	serviceNames   map[string]string
	diagnosisNames map[string]string
}

// NewRuleBundle validates spec and copies it into an immutable bundle.
// Later changes to spec do not affect the returned bundle.
func NewRuleBundle(spec BundleSpec) (*RuleBundle, error) {
	pattern := strings.TrimSpace(spec.IDPattern)
	if pattern == "" {
		pattern = DefaultIDPattern
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid id pattern %q: %w", spec.IDPattern, err)
	}
	if spec.IDMinLength < 0 {
		return nil, fmt.Errorf("id min length must not be negative, got %d", spec.IDMinLength)
	}
	if spec.PaidThreshold.Valid && spec.PaidThreshold.Decimal.IsNegative() {
		return nil, fmt.Errorf("paid threshold must not be negative, got %s", spec.PaidThreshold.Decimal)
	}

	b := &RuleBundle{
		idPattern:         re,
		idMinLength:       spec.IDMinLength,
		paidThreshold:     spec.PaidThreshold,
		approvalServices:  newSet(spec.ApprovalServices),
		approvalDiagnoses: newSet(spec.ApprovalDiagnoses),
		inpatientOnly:     newSet(spec.InpatientOnlyServices),
		outpatientOnly:    newSet(spec.OutpatientOnlyServices),
		facilityTypes:     make(map[string]string, len(spec.FacilityTypes)),
		facilityServices:  make(map[string]set, len(spec.FacilityServices)),
		unrestrictedTypes: newSet(spec.UnrestrictedFacilityTypes),
		requiredDiagnoses: make(map[string][]string, len(spec.RequiredDiagnoses)),
		serviceNames:      maps.Clone(spec.ServiceNames),
		diagnosisNames:    maps.Clone(spec.DiagnosisNames),
	}

	for svc := range b.inpatientOnly {
		if b.outpatientOnly.has(svc) {
			return nil, fmt.Errorf("service %s is both inpatient-only and outpatient-only", svc)
		}
	}

	for id, typ := range spec.FacilityTypes {
		id = strings.ToUpper(strings.TrimSpace(id))
		typ = strings.TrimSpace(typ)
		if id == "" || typ == "" {
			return nil, fmt.Errorf("facility mapping %q -> %q: id and type are required", id, typ)
		}
		if _, dup := b.facilityTypes[id]; dup {
			return nil, fmt.Errorf("facility %s is mapped more than once", id)
		}
		b.facilityTypes[id] = typ
	}
	for typ, services := range spec.FacilityServices {
		typ = strings.TrimSpace(typ)
		if _, dup := b.facilityServices[typ]; dup {
			return nil, fmt.Errorf("facility type %q has more than one service list", typ)
		}
		b.facilityServices[typ] = newSet(services)
	}

	seen := make(set, len(spec.RequiredDiagnoses))
	for svc, codes := range spec.RequiredDiagnoses {
		svc = strings.TrimSpace(svc)
		if seen.has(svc) {
			return nil, fmt.Errorf("service %q has more than one required diagnosis list", svc)
		}
		seen[svc] = struct{}{}
		var required []string
		for _, c := range codes {
			if c = strings.TrimSpace(c); c != "" {
				required = append(required, c)
			}
		}
		if len(required) > 0 {
			b.requiredDiagnoses[svc] = required
		}
	}

	for _, p := range spec.ExclusiveDiagnoses {
		p.A, p.B = strings.TrimSpace(p.A), strings.TrimSpace(p.B)
		if p.A == "" || p.B == "" {
			return nil, fmt.Errorf("exclusive pair (%q, %q): both codes are required", p.A, p.B)
		}
		if p.A == p.B {
			return nil, fmt.Errorf("exclusive pair (%s, %s): codes must differ", p.A, p.B)
		}
		b.exclusiveDiagnoses = append(b.exclusiveDiagnoses, p)
	}

	return b, nil
}

var emptyBundle = func() *RuleBundle {
	b, err := NewRuleBundle(BundleSpec{})
	if err != nil {
		panic(err)
	}
	return b
}()

func orEmpty(b *RuleBundle) *RuleBundle {
	if b == nil {
		return emptyBundle
	}
	return b
}

// PaidThreshold returns the amount above which approval is required and
// whether one is configured.
func (b *RuleBundle) PaidThreshold() (decimal.Decimal, bool) {
	t := orEmpty(b).paidThreshold
	return t.Decimal, t.Valid
}

// FacilityType resolves a facility ID to its configured type.
func (b *RuleBundle) FacilityType(facilityID string) (string, bool) {
	t, ok := orEmpty(b).facilityTypes[strings.ToUpper(facilityID)]
	return t, ok
}

// ExclusivePairs returns the configured pairs in evaluation order.
func (b *RuleBundle) ExclusivePairs() []ExclusivePair {
	return append([]ExclusivePair(nil), orEmpty(b).exclusiveDiagnoses...)
}

func (b *RuleBundle) serviceLabel(code string) string {
	if name, ok := b.serviceNames[code]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", code, name)
	}
	return code
}

func (b *RuleBundle) diagnosisLabel(code string) string {
	if name, ok := b.diagnosisNames[code]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", code, name)
	}
	return code
}
