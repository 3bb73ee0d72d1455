package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/events"
	"github.com/google/uuid"
)

const retryColumns = `id,tenant_id,recipient_id,slot_key,attempt_number,not_before,reason`

func scanRetryTask(row rowScanner) (domain.RetryTask, error) {
	var t domain.RetryTask
	var notBefore, reason string
	if err := row.Scan(&t.ID, &t.TenantID, &t.RecipientID, &t.SlotKey, &t.AttemptNumber, &notBefore, &reason); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	ts, err := parseStamp(notBefore)
	if err != nil {
		return t, fmt.Errorf("retry task %s not_before: %w", t.ID, err)
	}
	t.NotBefore = ts
	t.Reason = domain.Outcome(reason)
	return t, nil
}

// InsertRetryTask stores a delayed retry. Re-enqueueing the same
// (recipient, slot, attempt) is a no-op.
func (r Repo) InsertRetryTask(ctx context.Context, task domain.RetryTask) (domain.RetryTask, error) {
	if task.TenantID == "" || task.RecipientID == "" || task.SlotKey == "" {
		return task, errors.New("tenant_id, recipient_id and slot_key required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO retry_tasks(id,tenant_id,recipient_id,slot_key,attempt_number,not_before,reason,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,recipient_id,slot_key,attempt_number) DO NOTHING`,
			task.ID, task.TenantID, task.RecipientID, task.SlotKey, task.AttemptNumber, stamp(task.NotBefore), string(task.Reason), stamp(r.now()))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return r.writer().Append(ctx, tx, events.Entry{
			Type:       "retry.scheduled",
			TenantID:   task.TenantID,
			EntityKind: "retry_task",
			EntityID:   task.ID,
			Payload: events.EventPayload{
				"recipient_id":   task.RecipientID,
				"slot_key":       task.SlotKey,
				"attempt_number": task.AttemptNumber,
				"not_before":     stamp(task.NotBefore),
				"reason":         task.Reason,
			},
		})
	})
	return task, err
}

// ClaimDueRetryTasks leases up to limit tasks whose not_before has passed and
// whose previous lease, if any, expired.
func (r Repo) ClaimDueRetryTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.RetryTask, error) {
	if limit <= 0 {
		limit = 50
	}
	nowStamp := stamp(now)
	var claimed []domain.RetryTask
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+retryColumns+` FROM retry_tasks
WHERE not_before <= ? AND (claimed_until IS NULL OR claimed_until < ?)
ORDER BY not_before LIMIT ?`, nowStamp, nowStamp, limit)
		if err != nil {
			return err
		}
		var due []domain.RetryTask
		for rows.Next() {
			t, err := scanRetryTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, t)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		until := stamp(now.Add(lease))
		for _, t := range due {
			if _, err := tx.ExecContext(ctx, `UPDATE retry_tasks SET claimed_until=? WHERE id=?`, until, t.ID); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	return claimed, err
}

// DeleteRetryTask removes a consumed task.
func (r Repo) DeleteRetryTask(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id=?`, id)
	return err
}

func (r Repo) ListRetryTasks(ctx context.Context, tenantID string) ([]domain.RetryTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+retryColumns+` FROM retry_tasks WHERE tenant_id=? ORDER BY not_before, recipient_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RetryTask
	for rows.Next() {
		t, err := scanRetryTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
