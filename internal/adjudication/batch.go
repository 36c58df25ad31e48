package adjudication

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Evaluation is one successfully normalized and evaluated claim.
type Evaluation struct {
	Index   int              `json:"index"`
	ClaimID string           `json:"claim_id,omitempty"`
	Record  ClaimRecord      `json:"record"`
	Result  ValidationResult `json:"result"`
}

// Rejection is a claim that failed normalization and was not evaluated.
type Rejection struct {
	Index   int    `json:"index"`
	ClaimID string `json:"claim_id,omitempty"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

// BatchReport separates evaluated claims from claims rejected at
// normalization.
type BatchReport struct {
	Evaluated []Evaluation `json:"evaluated"`
	Rejected  []Rejection  `json:"rejected"`
}

// Summary aggregates the evaluated claims.
func (r *BatchReport) Summary() Summary {
	return AggregateEvaluations(r.Evaluated)
}

// BatchOptions tunes EvaluateBatch.
type BatchOptions struct {
	// Workers bounds concurrent evaluations. Zero means runtime.NumCPU.
	Workers int
	// StableOrder sorts results by claim ID, then input index. Otherwise
	// results are in completion order.
	StableOrder bool
	// Enricher, when set, refines each result with its own time budget.
	Enricher *Enricher
}

// EvaluateBatch normalizes and evaluates every raw claim. A claim that fails
// normalization is reported in Rejected and never affects other claims. The
// only error returned is ctx's, when the batch is cancelled.
func EvaluateBatch(ctx context.Context, raws []map[string]any, b *RuleBundle, opts BatchOptions) (*BatchReport, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		mu     sync.Mutex
		report = &BatchReport{
			Evaluated: make([]Evaluation, 0, len(raws)),
			Rejected:  []Rejection{},
		}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, raw := range raws {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			claimID := rawClaimID(raw)

			rec, err := Normalize(raw)
			if err != nil {
				rej := Rejection{Index: i, ClaimID: claimID, Reason: err.Error()}
				var nerr *NormalizationError
				if errors.As(err, &nerr) {
					rej.Field, rej.Reason = nerr.Field, nerr.Reason
				}
				mu.Lock()
				report.Rejected = append(report.Rejected, rej)
				mu.Unlock()
				return nil
			}

			res := Evaluate(rec, b)
			if opts.Enricher != nil {
				res = opts.Enricher.Enrich(gctx, res, rec)
			}

			mu.Lock()
			report.Evaluated = append(report.Evaluated, Evaluation{Index: i, ClaimID: rec.ClaimID(), Record: rec, Result: res})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.StableOrder {
		sort.SliceStable(report.Evaluated, func(i, j int) bool {
			a, b := report.Evaluated[i], report.Evaluated[j]
			if a.ClaimID != b.ClaimID {
				return a.ClaimID < b.ClaimID
			}
			return a.Index < b.Index
		})
		sort.SliceStable(report.Rejected, func(i, j int) bool {
			a, b := report.Rejected[i], report.Rejected[j]
			if a.ClaimID != b.ClaimID {
				return a.ClaimID < b.ClaimID
			}
			return a.Index < b.Index
		})
	}
	return report, nil
}

// rawClaimID best-effort extracts claim_id from a claim that may not
// normalize.
func rawClaimID(raw map[string]any) string {
	s, _, err := text(raw, FieldClaimID)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
