package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rcm/rcm/internal/adjudication"
	"github.com/rcm/rcm/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

// NUMERIC columns are read as text and parsed with decimal to avoid float
// rounding.
const claimCols = `id, claim_ref, batch_id, encounter_type, service_date,
	national_id, member_id, facility_id, unique_id, diagnosis_codes,
	approval_number, service_code, paid_amount::text, raw,
	status, error_type, explanations, actions, findings,
	confidence::float8, enriched, final_action, validated_at, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c    Claim
		paid string
	)
	err := row.Scan(&c.ID, &c.ClaimRef, &c.BatchID, &c.EncounterType, &c.ServiceDate,
		&c.NationalID, &c.MemberID, &c.FacilityID, &c.UniqueID, &c.DiagnosisCodes,
		&c.ApprovalNumber, &c.ServiceCode, &paid, &c.Raw,
		&c.Status, &c.ErrorType, &c.Explanations, &c.Actions, &c.Findings,
		&c.Confidence, &c.Enriched, &c.FinalAction, &c.ValidatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("parse paid_amount %q: %w", paid, err)
	}
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (id, claim_ref, batch_id, encounter_type, service_date,
			national_id, member_id, facility_id, unique_id, diagnosis_codes,
			approval_number, service_code, paid_amount, raw,
			status, error_type, explanations, actions, findings,
			confidence, enriched, final_action)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::numeric,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING validated_at, created_at, updated_at`,
		c.ID, c.ClaimRef, c.BatchID, c.EncounterType, c.ServiceDate,
		c.NationalID, c.MemberID, c.FacilityID, c.UniqueID, c.DiagnosisCodes,
		c.ApprovalNumber, c.ServiceCode, c.PaidAmount.String(), c.Raw,
		c.Status, c.ErrorType, c.Explanations, c.Actions, c.Findings,
		c.Confidence, c.Enriched, c.FinalAction,
	).Scan(&c.ValidatedAt, &c.CreatedAt, &c.UpdatedAt)
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *claimRepoPG) UpdateResult(ctx context.Context, c *Claim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE claim SET status=$2, error_type=$3, explanations=$4, actions=$5, findings=$6,
			confidence=$7, enriched=$8, final_action=$9, validated_at=NOW(), updated_at=NOW()
		WHERE id = $1
		RETURNING validated_at, updated_at`,
		c.ID, c.Status, c.ErrorType, c.Explanations, c.Actions, c.Findings,
		c.Confidence, c.Enriched, c.FinalAction,
	).Scan(&c.ValidatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *claimRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Claim, int, error) {
	where, args := f.where()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM claim%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, claimCols, where, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *claimRepoPG) Aggregates(ctx context.Context, f Filter) ([]adjudication.AggregateInput, error) {
	where, args := f.where()
	rows, err := r.conn(ctx).Query(ctx, `SELECT error_type, paid_amount::text FROM claim`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []adjudication.AggregateInput
	for rows.Next() {
		var et, paid string
		if err := rows.Scan(&et, &paid); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(paid)
		if err != nil {
			return nil, fmt.Errorf("parse paid_amount %q: %w", paid, err)
		}
		out = append(out, adjudication.AggregateInput{ErrorType: adjudication.ErrorType(et), PaidAmount: amount})
	}
	return out, rows.Err()
}

// where renders the filter as a WHERE clause with positional arguments.
func (f Filter) where() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.ErrorType != "" {
		add("error_type", f.ErrorType)
	}
	if f.ServiceCode != "" {
		add("service_code", f.ServiceCode)
	}
	if f.BatchID != nil {
		add("batch_id", *f.BatchID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *auditRepoPG) Record(ctx context.Context, e *AuditEntry) error {
	e.ID = uuid.New()
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_audit (id, claim_id, action, outcome, actor, details)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		e.ID, e.ClaimID, e.Action, e.Outcome, e.Actor, e.Details,
	).Scan(&e.CreatedAt)
}

func (r *auditRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, action, outcome, actor, details, created_at
		FROM claim_audit WHERE claim_id = $1 ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Action, &e.Outcome, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
