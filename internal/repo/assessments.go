package repo

import (
	"context"
	"database/sql"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

// UpsertAssessmentTx replaces the recipient's last recorded classification.
func (r Repo) UpsertAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	if a.UpdatedAt == "" {
		a.UpdatedAt = stamp(r.now())
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assessments(tenant_id,recipient_id,level,reason,slot_key,attempt_number,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,recipient_id) DO UPDATE SET level=excluded.level, reason=excluded.reason, slot_key=excluded.slot_key,
attempt_number=excluded.attempt_number, updated_at=excluded.updated_at`,
		a.TenantID, a.RecipientID, string(a.Level), a.Reason, a.SlotKey, a.AttemptNumber, a.UpdatedAt)
	return err
}

func (r Repo) GetAssessment(ctx context.Context, tenantID, recipientID string) (domain.Assessment, error) {
	var a domain.Assessment
	var level string
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id,recipient_id,level,reason,slot_key,attempt_number,updated_at FROM assessments WHERE tenant_id=? AND recipient_id=?`,
		tenantID, recipientID).Scan(&a.TenantID, &a.RecipientID, &level, &a.Reason, &a.SlotKey, &a.AttemptNumber, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Level = domain.RiskLevel(level)
	return a, nil
}
