package adjudication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Refinement is a rephrased explanation and action for one finding.
type Refinement struct {
	Explanation       string `json:"explanation"`
	RecommendedAction string `json:"recommended_action"`
}

// Refiner rewrites finding text. Implementations are untrusted: they may be
// slow, unavailable or return unusable output, and must honour ctx.
type Refiner interface {
	Refine(ctx context.Context, summary string, findings []Finding) ([]Refinement, error)
}

// RefinerFunc adapts a function to the Refiner interface.
type RefinerFunc func(ctx context.Context, summary string, findings []Finding) ([]Refinement, error)

func (f RefinerFunc) Refine(ctx context.Context, summary string, findings []Finding) ([]Refinement, error) {
	return f(ctx, summary, findings)
}

// ErrRefinerUnavailable is returned by refiners that are not configured.
// It is never retried.
var ErrRefinerUnavailable = errors.New("refiner unavailable")

var errRefinementMismatch = errors.New("refinement does not map 1:1 onto findings")

// EnrichOutcome records what happened to one enrichment attempt.
type EnrichOutcome string

const (
	EnrichSkipped  EnrichOutcome = "skipped"
	EnrichApplied  EnrichOutcome = "enriched"
	EnrichFailed   EnrichOutcome = "failed"
	EnrichRejected EnrichOutcome = "rejected"
)

const (
	DefaultEnrichTimeout     = 10 * time.Second
	DefaultEnrichMaxAttempts = 3
)

// Enricher asks a Refiner to rephrase a result's explanations and actions.
// It never changes the classification, the status or the findings, and it
// never returns an error: on any failure the deterministic text is kept.
type Enricher struct {
	refiner     Refiner
	timeout     time.Duration
	maxAttempts int
	interval    time.Duration
	logger      zerolog.Logger
	observe     func(EnrichOutcome)
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithTimeout bounds each Enrich call, retries included.
func WithTimeout(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxAttempts caps the number of Refine calls per Enrich.
func WithMaxAttempts(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the initial delay between attempts.
func WithRetryInterval(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		if d > 0 {
			e.interval = d
		}
	}
}

func WithLogger(l zerolog.Logger) EnricherOption {
	return func(e *Enricher) { e.logger = l }
}

// WithObserver registers a callback invoked once per Enrich call.
func WithObserver(fn func(EnrichOutcome)) EnricherOption {
	return func(e *Enricher) { e.observe = fn }
}

// NewEnricher returns an Enricher backed by r. A nil refiner yields an
// Enricher that always returns its input unchanged.
func NewEnricher(r Refiner, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		refiner:     r,
		timeout:     DefaultEnrichTimeout,
		maxAttempts: DefaultEnrichMaxAttempts,
		interval:    200 * time.Millisecond,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns res with refined explanation and action text when the
// refiner produces exactly one usable refinement per finding within the
// time budget. Otherwise it returns res unchanged.
func (e *Enricher) Enrich(ctx context.Context, res ValidationResult, rec ClaimRecord) ValidationResult {
	res = res.clone()
	res.Confidence = clampConfidence(res.Confidence)

	if e == nil || e.refiner == nil || len(res.Findings) == 0 {
		e.report(EnrichSkipped)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	summary := ClaimSummary(rec, res)
	var refined []Refinement
	op := func() error {
		out, err := e.refine(ctx, summary, res.Findings)
		if err != nil {
			if errors.Is(err, ErrRefinerUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := validRefinements(out, len(res.Findings)); err != nil {
			return backoff.Permanent(err)
		}
		refined = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.interval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		outcome := EnrichFailed
		if errors.Is(err, errRefinementMismatch) {
			outcome = EnrichRejected
		}
		if !errors.Is(err, ErrRefinerUnavailable) {
			e.logger.Warn().Err(err).
				Str("claim_id", rec.ClaimID()).
				Str("outcome", string(outcome)).
				Msg("explanation enrichment failed, keeping rule text")
		}
		e.report(outcome)
		return res
	}

	for i, ref := range refined {
		res.Explanations[i] = strings.TrimSpace(ref.Explanation)
		res.RecommendedActions[i] = strings.TrimSpace(ref.RecommendedAction)
	}
	res.Enriched = true
	e.report(EnrichApplied)
	return res
}

type refineReply struct {
	out []Refinement
	err error
}

// refine calls the refiner on its own goroutine so a refiner that ignores
// ctx still cannot hold the caller past the deadline.
func (e *Enricher) refine(ctx context.Context, summary string, findings []Finding) ([]Refinement, error) {
	findings = append([]Finding(nil), findings...)
	ch := make(chan refineReply, 1)
	go func() {
		out, err := e.refiner.Refine(ctx, summary, findings)
		ch <- refineReply{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, backoff.Permanent(ctx.Err())
	case r := <-ch:
		return r.out, r.err
	}
}

func (e *Enricher) report(o EnrichOutcome) {
	if e != nil && e.observe != nil {
		e.observe(o)
	}
}

func validRefinements(out []Refinement, want int) error {
	if len(out) != want {
		return fmt.Errorf("%w: got %d items for %d findings", errRefinementMismatch, len(out), want)
	}
	for i, r := range out {
		if strings.TrimSpace(r.Explanation) == "" || strings.TrimSpace(r.RecommendedAction) == "" {
			return fmt.Errorf("%w: item %d is empty", errRefinementMismatch, i)
		}
	}
	return nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < ConfidenceFloor:
		return ConfidenceFloor
	case c > 1:
		return 1
	}
	return c
}

// ClaimSummary renders the context a refiner sees for one claim.
func ClaimSummary(r ClaimRecord, res ValidationResult) string {
	var sb strings.Builder
	if r.claimID != "" {
		fmt.Fprintf(&sb, "Claim %s: ", r.claimID)
	}
	fmt.Fprintf(&sb, "%s encounter on %s, service %s at facility %s, ",
		strings.ToLower(string(r.encounterType)), r.serviceDate.Format(dateLayout), r.serviceCode, r.facilityID)
	diagnoses := "none"
	if len(r.diagnosisCodes) > 0 {
		diagnoses = strings.Join(r.diagnosisCodes, ", ")
	}
	fmt.Fprintf(&sb, "diagnoses %s, paid amount %s, approval %s. ", diagnoses, r.paidAmount.String(), r.approvalNumber)
	fmt.Fprintf(&sb, "Classification: %s (%s).", res.ErrorType, res.Status)
	return sb.String()
}
