package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/events"
	"github.com/google/uuid"
)

const attemptColumns = `id,tenant_id,recipient_id,slot_key,attempt_number,outcome,risk_findings,retry,COALESCE(failure_reason,''),created_at,completed_at`

func scanAttempt(row rowScanner) (domain.ContactAttempt, error) {
	var a domain.ContactAttempt
	var outcome string
	var findings, completedAt sql.NullString
	var retry int
	if err := row.Scan(&a.ID, &a.TenantID, &a.RecipientID, &a.SlotKey, &a.AttemptNumber, &outcome, &findings, &retry, &a.FailureReason, &a.CreatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrNotFound
		}
		return a, err
	}
	a.Outcome = domain.Outcome(outcome)
	a.Retry = retry != 0
	if completedAt.Valid {
		v := completedAt.String
		a.CompletedAt = &v
	}
	list, err := unmarshalStrings(findings)
	if err != nil {
		return a, fmt.Errorf("attempt %s risk_findings: %w", a.ID, err)
	}
	a.RiskFindings = list
	return a, nil
}

// PendingAttempt identifies the reservation written before a contact is made.
type PendingAttempt struct {
	TenantID      string
	RecipientID   string
	SlotKey       string
	AttemptNumber int
	Retry         bool
}

// RecordPending atomically reserves (recipient, slot, attempt) and returns the
// new attempt id. Any existing row for the key yields ErrDuplicateAttempt.
func (r Repo) RecordPending(ctx context.Context, p PendingAttempt) (string, error) {
	if p.TenantID == "" || p.RecipientID == "" || p.SlotKey == "" {
		return "", errors.New("tenant_id, recipient_id and slot_key required")
	}
	if p.AttemptNumber < 1 {
		return "", fmt.Errorf("invalid attempt_number %d", p.AttemptNumber)
	}
	id := uuid.NewString()
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO contact_attempts(id,tenant_id,recipient_id,slot_key,attempt_number,outcome,retry,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,recipient_id,slot_key,attempt_number) DO NOTHING`,
			id, p.TenantID, p.RecipientID, p.SlotKey, p.AttemptNumber, string(domain.OutcomePending), boolInt(p.Retry), stamp(r.now()))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrDuplicateAttempt
		}
		return r.writer().Append(ctx, tx, events.Entry{
			Type:       "attempt.pending",
			TenantID:   p.TenantID,
			EntityKind: "attempt",
			EntityID:   id,
			Payload: events.EventPayload{
				"recipient_id":   p.RecipientID,
				"slot_key":       p.SlotKey,
				"attempt_number": p.AttemptNumber,
				"retry":          p.Retry,
			},
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordOutcome closes a pending attempt. Outcomes are write-once: an attempt
// that already carries a terminal outcome returns ErrInvalidTransition.
func (r Repo) RecordOutcome(ctx context.Context, tenantID, attemptID string, outcome domain.Outcome, findings []string, failureReason string) (domain.ContactAttempt, error) {
	if !outcome.Terminal() {
		return domain.ContactAttempt{}, fmt.Errorf("%w: outcome %q", ErrInvalidTransition, outcome)
	}
	var payload any
	if outcome == domain.OutcomeCompleted {
		if findings == nil {
			findings = []string{}
		}
		b, err := json.Marshal(findings)
		if err != nil {
			return domain.ContactAttempt{}, err
		}
		payload = string(b)
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE contact_attempts SET outcome=?, risk_findings=?, failure_reason=?, completed_at=?
WHERE id=? AND tenant_id=? AND outcome=?`,
			string(outcome), payload, nullable(failureReason), stamp(r.now()), attemptID, tenantID, string(domain.OutcomePending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT outcome FROM contact_attempts WHERE id=? AND tenant_id=?`, attemptID, tenantID).Scan(&current)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: attempt %s already %s", ErrInvalidTransition, attemptID, current)
		}
		return r.writer().Append(ctx, tx, events.Entry{
			Type:       "attempt.outcome",
			TenantID:   tenantID,
			EntityKind: "attempt",
			EntityID:   attemptID,
			Payload:    events.EventPayload{"outcome": outcome, "findings": findings, "failure_reason": failureReason},
		})
	})
	if err != nil {
		return domain.ContactAttempt{}, err
	}
	return r.GetAttempt(ctx, tenantID, attemptID)
}

// HasAttempt reports whether any attempt row exists for the idempotency key.
func (r Repo) HasAttempt(ctx context.Context, tenantID, recipientID, slotKey string, attemptNumber int) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM contact_attempts WHERE tenant_id=? AND recipient_id=? AND slot_key=? AND attempt_number=? LIMIT 1`,
		tenantID, recipientID, slotKey, attemptNumber).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) GetAttempt(ctx context.Context, tenantID, id string) (domain.ContactAttempt, error) {
	return scanAttempt(r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM contact_attempts WHERE tenant_id=? AND id=?`, tenantID, id))
}

type AttemptFilters struct {
	TenantID    string
	RecipientID string
	SlotKey     string
	Outcome     string
	Limit       int
}

func (r Repo) ListAttempts(ctx context.Context, f AttemptFilters) ([]domain.ContactAttempt, error) {
	if f.TenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	query := `SELECT ` + attemptColumns + ` FROM contact_attempts WHERE tenant_id=?`
	args := []any{f.TenantID}
	if f.RecipientID != "" {
		query += ` AND recipient_id=?`
		args = append(args, f.RecipientID)
	}
	if f.SlotKey != "" {
		query += ` AND slot_key=?`
		args = append(args, f.SlotKey)
	}
	if f.Outcome != "" {
		query += ` AND outcome=?`
		args = append(args, f.Outcome)
	}
	query += ` ORDER BY created_at, recipient_id, attempt_number`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.queryAttempts(ctx, query, args...)
}

// ListStalePending returns a tenant's pending attempts created before cutoff.
func (r Repo) ListStalePending(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.ContactAttempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM contact_attempts
WHERE tenant_id=? AND outcome=? AND created_at < ? ORDER BY created_at`, tenantID, string(domain.OutcomePending), stamp(cutoff))
}

// MarkHandled stamps an attempt once its outcome pipeline has committed.
func (r Repo) MarkHandled(ctx context.Context, tenantID, attemptID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE contact_attempts SET handled_at=? WHERE tenant_id=? AND id=? AND handled_at IS NULL`,
		stamp(r.now()), tenantID, attemptID)
	return err
}

// ListUnhandled returns terminal attempts completed before cutoff whose
// outcome pipeline never committed.
func (r Repo) ListUnhandled(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.ContactAttempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM contact_attempts
WHERE tenant_id=? AND outcome<>? AND handled_at IS NULL AND completed_at < ? ORDER BY completed_at`, tenantID, string(domain.OutcomePending), stamp(cutoff))
}

func (r Repo) queryAttempts(ctx context.Context, query string, args ...any) ([]domain.ContactAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContactAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SweepTenants lists tenants holding pending attempts or terminal attempts
// whose outcome pipeline has not committed.
func (r Repo) SweepTenants(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM contact_attempts WHERE outcome=? OR handled_at IS NULL ORDER BY tenant_id`, string(domain.OutcomePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
