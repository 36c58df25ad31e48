// Package rules loads per-tenant adjudication rule bundles from YAML files.
package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rcm/rcm/internal/adjudication"
)

//go:embed default.yaml
var defaultYAML []byte

// File is the on-disk shape of a rule bundle.
type File struct {
	IDPattern     string `yaml:"id_pattern"`
	IDMinLength   int    `yaml:"id_min_length"`
	PaidThreshold string `yaml:"paid_threshold"`

	Approval struct {
		Services  []string `yaml:"services"`
		Diagnoses []string `yaml:"diagnoses"`
	} `yaml:"approval"`

	Encounter struct {
		InpatientOnly  []string `yaml:"inpatient_only"`
		OutpatientOnly []string `yaml:"outpatient_only"`
	} `yaml:"encounter"`

	Facilities struct {
		Registry        map[string]string   `yaml:"registry"`
		AllowedServices map[string][]string `yaml:"allowed_services"`
		Unrestricted    []string            `yaml:"unrestricted"`
	} `yaml:"facilities"`

	Diagnoses struct {
		Required  map[string][]string `yaml:"required"`
		Exclusive [][]string          `yaml:"exclusive"`
	} `yaml:"diagnoses"`

	Names struct {
		Services  map[string]string `yaml:"services"`
		Diagnoses map[string]string `yaml:"diagnoses"`
	} `yaml:"names"`
}

// Decode reads a rule file, rejecting unknown keys.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	return &f, nil
}

// Spec converts the file into an adjudication.BundleSpec.
func (f *File) Spec() (adjudication.BundleSpec, error) {
	spec := adjudication.BundleSpec{
		IDPattern:                 f.IDPattern,
		IDMinLength:               f.IDMinLength,
		ApprovalServices:          f.Approval.Services,
		ApprovalDiagnoses:         f.Approval.Diagnoses,
		InpatientOnlyServices:     f.Encounter.InpatientOnly,
		OutpatientOnlyServices:    f.Encounter.OutpatientOnly,
		FacilityTypes:             f.Facilities.Registry,
		FacilityServices:          f.Facilities.AllowedServices,
		UnrestrictedFacilityTypes: f.Facilities.Unrestricted,
		RequiredDiagnoses:         f.Diagnoses.Required,
		ServiceNames:              f.Names.Services,
		DiagnosisNames:            f.Names.Diagnoses,
	}

	if s := strings.TrimSpace(f.PaidThreshold); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return adjudication.BundleSpec{}, fmt.Errorf("paid_threshold %q: %w", s, err)
		}
		spec.PaidThreshold = decimal.NewNullDecimal(d)
	}

	for i, pair := range f.Diagnoses.Exclusive {
		if len(pair) != 2 {
			return adjudication.BundleSpec{}, fmt.Errorf("diagnoses.exclusive[%d]: expected 2 codes, got %d", i, len(pair))
		}
		spec.ExclusiveDiagnoses = append(spec.ExclusiveDiagnoses, adjudication.ExclusivePair{A: pair[0], B: pair[1]})
	}
	return spec, nil
}

// Parse decodes and validates a rule file into a bundle.
func Parse(data []byte) (*adjudication.RuleBundle, error) {
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	spec, err := f.Spec()
	if err != nil {
		return nil, err
	}
	b, err := adjudication.NewRuleBundle(spec)
	if err != nil {
		return nil, fmt.Errorf("build rule bundle: %w", err)
	}
	return b, nil
}

var defaultBundle = sync.OnceValue(func() *adjudication.RuleBundle {
	b, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded default bundle: %v", err))
	}
	return b
})

// DefaultBundle returns the built-in demo bundle.
func DefaultBundle() *adjudication.RuleBundle {
	return defaultBundle()
}

// DefaultYAML returns a copy of the built-in rule file, e.g. to seed a
// tenant's own file.
func DefaultYAML() []byte {
	return bytes.Clone(defaultYAML)
}
