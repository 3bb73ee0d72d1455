package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/events"
	"github.com/google/uuid"
)

const alertColumns = `id,tenant_id,recipient_id,level,trigger_text,status,assigned_reviewer,COALESCE(resolution_note,''),created_at,updated_at,resolved_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAlert(row rowScanner) (domain.Alert, error) {
	var a domain.Alert
	var level, status string
	var reviewer, resolvedAt sql.NullString
	if err := row.Scan(&a.ID, &a.TenantID, &a.RecipientID, &level, &a.Trigger, &status, &reviewer, &a.ResolutionNote, &a.CreatedAt, &a.UpdatedAt, &resolvedAt); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrNotFound
		}
		return a, err
	}
	a.Level = domain.RiskLevel(level)
	a.Status = domain.AlertStatus(status)
	if reviewer.Valid {
		v := reviewer.String
		a.AssignedReviewer = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.String
		a.ResolvedAt = &v
	}
	return a, nil
}

func (r Repo) getAlert(ctx context.Context, q queryer, tenantID, id string) (domain.Alert, error) {
	return scanAlert(q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetAlert(ctx context.Context, tenantID, id string) (domain.Alert, error) {
	return r.getAlert(ctx, r.DB, tenantID, id)
}

// GetOpenAlertTx returns the recipient's active or in_progress alert.
func (r Repo) GetOpenAlertTx(ctx context.Context, tx *sql.Tx, tenantID, recipientID string) (domain.Alert, error) {
	return scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts
WHERE tenant_id=? AND recipient_id=? AND status IN ('active','in_progress') LIMIT 1`, tenantID, recipientID))
}

// InsertAlertTx opens a new active alert. The partial unique index rejects a
// second open alert for the same recipient.
func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, tenantID, recipientID string, level domain.RiskLevel, trigger string) (domain.Alert, error) {
	if level != domain.RiskWarning && level != domain.RiskCritical {
		return domain.Alert{}, fmt.Errorf("alert level %q not actionable", level)
	}
	id := uuid.NewString()
	now := stamp(r.now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO alerts(id,tenant_id,recipient_id,level,trigger_text,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, tenantID, recipientID, string(level), trigger, string(domain.AlertActive), now, now); err != nil {
		return domain.Alert{}, err
	}
	if err := r.writer().Append(ctx, tx, events.Entry{
		Type:       "alert.created",
		TenantID:   tenantID,
		EntityKind: "alert",
		EntityID:   id,
		Payload:    events.EventPayload{"recipient_id": recipientID, "level": level, "trigger": trigger},
	}); err != nil {
		return domain.Alert{}, err
	}
	return r.getAlert(ctx, tx, tenantID, id)
}

// UpdateAlertTx rewrites the level and trigger of an open alert in place.
func (r Repo) UpdateAlertTx(ctx context.Context, tx *sql.Tx, tenantID, id string, level domain.RiskLevel, trigger string) (domain.Alert, error) {
	prev, err := r.getAlert(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Alert{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET level=?, trigger_text=?, updated_at=?
WHERE tenant_id=? AND id=? AND status IN ('active','in_progress')`, string(level), trigger, stamp(r.now()), tenantID, id)
	if err != nil {
		return domain.Alert{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Alert{}, ErrNotFound
	}
	if err := r.writer().Append(ctx, tx, events.Entry{
		Type:       "alert.updated",
		TenantID:   tenantID,
		EntityKind: "alert",
		EntityID:   id,
		Payload: events.EventPayload{
			"level":          level,
			"previous_level": prev.Level,
			"escalated":      level.Rank() > prev.Level.Rank(),
			"trigger":        trigger,
		},
	}); err != nil {
		return domain.Alert{}, err
	}
	return r.getAlert(ctx, tx, tenantID, id)
}

// ClaimAlertTx moves an active alert to in_progress for reviewerID. A repeat
// claim by the same reviewer is a no-op.
func (r Repo) ClaimAlertTx(ctx context.Context, tx *sql.Tx, tenantID, id, reviewerID string) (domain.Alert, error) {
	if reviewerID == "" {
		return domain.Alert{}, errors.New("reviewer_id required")
	}
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET status=?, assigned_reviewer=?, updated_at=?
WHERE tenant_id=? AND id=? AND status=?`, string(domain.AlertInProgress), reviewerID, stamp(r.now()), tenantID, id, string(domain.AlertActive))
	if err != nil {
		return domain.Alert{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Alert{}, err
	}
	if n == 0 {
		current, err := r.getAlert(ctx, tx, tenantID, id)
		if err != nil {
			return domain.Alert{}, err
		}
		switch current.Status {
		case domain.AlertInProgress:
			if current.AssignedReviewer != nil && *current.AssignedReviewer == reviewerID {
				return current, nil
			}
			return current, ErrAlreadyClaimed
		default:
			return current, fmt.Errorf("%w: alert %s is %s", ErrInvalidTransition, id, current.Status)
		}
	}
	if err := r.writer().Append(ctx, tx, events.Entry{
		Type:       "alert.claimed",
		TenantID:   tenantID,
		EntityKind: "alert",
		EntityID:   id,
		ActorID:    reviewerID,
	}); err != nil {
		return domain.Alert{}, err
	}
	return r.getAlert(ctx, tx, tenantID, id)
}

// ResolveAlertTx closes an open alert. Resolving a resolved alert returns it
// unchanged with changed=false.
func (r Repo) ResolveAlertTx(ctx context.Context, tx *sql.Tx, tenantID, id, actorID, note string) (domain.Alert, bool, error) {
	now := stamp(r.now())
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET status=?, resolution_note=?, resolved_at=?, updated_at=?
WHERE tenant_id=? AND id=? AND status IN ('active','in_progress')`, string(domain.AlertResolved), nullable(note), now, now, tenantID, id)
	if err != nil {
		return domain.Alert{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Alert{}, false, err
	}
	if n == 0 {
		current, err := r.getAlert(ctx, tx, tenantID, id)
		return current, false, err
	}
	if err := r.writer().Append(ctx, tx, events.Entry{
		Type:       "alert.resolved",
		TenantID:   tenantID,
		EntityKind: "alert",
		EntityID:   id,
		ActorID:    actorID,
		Payload:    events.EventPayload{"note": note},
	}); err != nil {
		return domain.Alert{}, false, err
	}
	a, err := r.getAlert(ctx, tx, tenantID, id)
	return a, true, err
}

type AlertFilters struct {
	TenantID    string
	RecipientID string
	Status      string
	Level       string
	Limit       int
}

// ListAlerts orders CRITICAL before WARNING, then oldest first.
func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	if f.TenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id=?`
	args := []any{f.TenantID}
	if f.RecipientID != "" {
		query += ` AND recipient_id=?`
		args = append(args, f.RecipientID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Level != "" {
		query += ` AND level=?`
		args = append(args, f.Level)
	}
	query += ` ORDER BY CASE level WHEN 'CRITICAL' THEN 0 ELSE 1 END, created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
