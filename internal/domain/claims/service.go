package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/adjudication"
	"github.com/rcm/rcm/internal/platform/webhook"
)

// BundleSource resolves a tenant's rule bundle. rules.Loader implements it.
type BundleSource interface {
	Bundle(tenant string) (*adjudication.RuleBundle, error)
}

// Recorder receives evaluation metrics. metrics.Collector implements it.
type Recorder interface {
	ObserveBatch(tenant string, report *adjudication.BatchReport, elapsed time.Duration)
	ObserveResult(tenant string, rec adjudication.ClaimRecord, res adjudication.ValidationResult)
}

// Notifier publishes claim lifecycle events. webhook.Dispatcher implements it.
type Notifier interface {
	Publish(ctx context.Context, eventType, tenant string, payload any) error
}

// TxRunner runs fn inside a transaction carried by the returned context.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	claims   ClaimRepository
	audits   AuditRepository
	bundles  BundleSource
	enricher *adjudication.Enricher
	recorder Recorder
	notifier Notifier
	inTx     TxRunner
	workers  int
	logger   zerolog.Logger
}

func NewService(cl ClaimRepository, au AuditRepository, bundles BundleSource, logger zerolog.Logger) *Service {
	return &Service{claims: cl, audits: au, bundles: bundles, logger: logger}
}

// SetEnricher attaches an optional explanation enricher.
func (s *Service) SetEnricher(e *adjudication.Enricher) { s.enricher = e }

// SetRecorder attaches an optional metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// SetNotifier attaches an optional event publisher. Events are published
// after the batch or re-validation has been stored.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetTxRunner makes uploads and re-validations atomic. Without one, writes
// go straight to the repositories.
func (s *Service) SetTxRunner(fn TxRunner) { s.inTx = fn }

// SetWorkers bounds concurrent evaluations per batch. Zero means NumCPU.
func (s *Service) SetWorkers(n int) { s.workers = n }

func (s *Service) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx == nil {
		return fn(ctx)
	}
	return s.inTx(ctx, fn)
}

// UploadResult summarizes an ingested batch.
type UploadResult struct {
	BatchID   uuid.UUID                `json:"batch_id"`
	Inserted  int                      `json:"inserted"`
	Validated int                      `json:"validated"`
	Failed    int                      `json:"failed"`
	Rejected  []adjudication.Rejection `json:"rejected"`
	Summary   adjudication.Summary     `json:"summary"`
}

// Upload evaluates raw claims against the tenant's rules and stores every
// claim that normalizes, with one audit entry each. Claims that fail
// normalization are returned in Rejected and not stored.
func (s *Service) Upload(ctx context.Context, tenant, actor string, rows []map[string]any) (*UploadResult, error) {
	bundle, err := s.bundles.Bundle(tenant)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report, err := adjudication.EvaluateBatch(ctx, rows, bundle, adjudication.BatchOptions{
		Workers:     s.workers,
		StableOrder: true,
		Enricher:    s.enricher,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate batch: %w", err)
	}

	batchID := uuid.New()
	out := &UploadResult{BatchID: batchID, Rejected: report.Rejected, Summary: report.Summary()}

	err = s.runInTx(ctx, func(ctx context.Context) error {
		for _, ev := range report.Evaluated {
			c := NewClaim(ev.Record, ev.Result, rows[ev.Index], &batchID)
			if err := s.claims.Create(ctx, c); err != nil {
				return fmt.Errorf("store claim %d: %w", ev.Index, err)
			}
			if err := s.audits.Record(ctx, &AuditEntry{
				ClaimID: c.ID,
				Action:  ActionIngested,
				Outcome: c.ErrorType,
				Actor:   actor,
				Details: map[string]any{"batch_id": batchID.String(), "row": ev.Index, "enriched": c.Enriched},
			}); err != nil {
				return fmt.Errorf("audit claim %d: %w", ev.Index, err)
			}
			out.Inserted++
			if ev.Result.Status == adjudication.StatusValidated {
				out.Validated++
			} else {
				out.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.ObserveBatch(tenant, report, time.Since(start))
	}
	s.publish(ctx, webhook.EventBatchIngested, tenant, map[string]any{
		"batch_id":  batchID,
		"inserted":  out.Inserted,
		"validated": out.Validated,
		"failed":    out.Failed,
		"rejected":  len(out.Rejected),
		"actor":     actor,
	})
	s.logger.Info().
		Str("tenant", tenant).
		Str("batch_id", batchID.String()).
		Int("inserted", out.Inserted).
		Int("rejected", len(out.Rejected)).
		Dur("elapsed", time.Since(start)).
		Msg("claims batch ingested")
	return out, nil
}

// RevalidateResult lists re-evaluated claims and ids that were not found.
type RevalidateResult struct {
	Claims  []*Claim    `json:"claims"`
	Missing []uuid.UUID `json:"missing"`
}

// Revalidate re-evaluates stored claims against the tenant's current rules
// and stores the new verdicts. Claims are evaluated and enriched before the
// transaction opens; only the updates and audit entries run inside it.
func (s *Service) Revalidate(ctx context.Context, tenant, actor string, ids []uuid.UUID) (*RevalidateResult, error) {
	bundle, err := s.bundles.Bundle(tenant)
	if err != nil {
		return nil, err
	}

	type revalidation struct {
		claim    *Claim
		rec      adjudication.ClaimRecord
		res      adjudication.ValidationResult
		previous string
	}

	out := &RevalidateResult{Claims: []*Claim{}, Missing: []uuid.UUID{}}
	var pending []revalidation
	for _, id := range ids {
		c, err := s.claims.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			out.Missing = append(out.Missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load claim %s: %w", id, err)
		}

		rec, err := c.Record()
		if err != nil {
			return nil, fmt.Errorf("rebuild claim %s: %w", id, err)
		}
		res := adjudication.Evaluate(rec, bundle)
		if s.enricher != nil {
			res = s.enricher.Enrich(ctx, res, rec)
		}
		pending = append(pending, revalidation{claim: c, rec: rec, res: res, previous: c.ErrorType})
	}

	err = s.runInTx(ctx, func(ctx context.Context) error {
		for _, p := range pending {
			c := p.claim
			c.ApplyResult(p.res)
			if err := s.claims.UpdateResult(ctx, c); err != nil {
				return fmt.Errorf("update claim %s: %w", c.ID, err)
			}
			if err := s.audits.Record(ctx, &AuditEntry{
				ClaimID: c.ID,
				Action:  ActionRevalidated,
				Outcome: c.ErrorType,
				Actor:   actor,
				Details: map[string]any{"previous_error_type": p.previous, "enriched": c.Enriched},
			}); err != nil {
				return fmt.Errorf("audit claim %s: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range pending {
		if s.recorder != nil {
			s.recorder.ObserveResult(tenant, p.rec, p.res)
		}
		out.Claims = append(out.Claims, p.claim)
	}

	if len(out.Claims) > 0 {
		ids := make([]uuid.UUID, len(out.Claims))
		for i, c := range out.Claims {
			ids[i] = c.ID
		}
		s.publish(ctx, webhook.EventRevalidated, tenant, map[string]any{
			"claim_ids": ids,
			"missing":   out.Missing,
			"actor":     actor,
		})
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, eventType, tenant string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, eventType, tenant, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("tenant", tenant).Msg("publish event failed")
	}
}

// Evaluation is the outcome of an ad-hoc evaluation.
type Evaluation struct {
	Record adjudication.ClaimRecord     `json:"record"`
	Result adjudication.ValidationResult `json:"result"`
}

// Evaluate normalizes and evaluates one raw claim without storing it.
// Normalization failures are returned as *adjudication.NormalizationError.
func (s *Service) Evaluate(ctx context.Context, tenant string, raw map[string]any) (*Evaluation, error) {
	bundle, err := s.bundles.Bundle(tenant)
	if err != nil {
		return nil, err
	}
	rec, res, err := adjudication.NormalizeAndEvaluate(raw, bundle)
	if err != nil {
		return nil, err
	}
	if s.enricher != nil {
		res = s.enricher.Enrich(ctx, res, rec)
	}
	if s.recorder != nil {
		s.recorder.ObserveResult(tenant, rec, res)
	}
	return &Evaluation{Record: rec, Result: res}, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) ListClaims(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error) {
	if err := f.validate(); err != nil {
		return nil, 0, err
	}
	return s.claims.List(ctx, f, limit, offset)
}

// Metrics aggregates stored verdicts per error type.
func (s *Service) Metrics(ctx context.Context, f Filter) (adjudication.Summary, error) {
	if err := f.validate(); err != nil {
		return adjudication.Summary{}, err
	}
	items, err := s.claims.Aggregates(ctx, f)
	if err != nil {
		return adjudication.Summary{}, err
	}
	return adjudication.Aggregate(items), nil
}

// AuditTrail returns a claim's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, claimID uuid.UUID) ([]*AuditEntry, error) {
	if _, err := s.claims.GetByID(ctx, claimID); err != nil {
		return nil, err
	}
	return s.audits.ListByClaim(ctx, claimID)
}
