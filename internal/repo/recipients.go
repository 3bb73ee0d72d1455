package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/events"
)

const recipientColumns = `id,tenant_id,COALESCE(name,''),contact_method,contact_address,schedule_slots,critical_signals,warning_signals,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row rowScanner) (domain.Recipient, error) {
	var rec domain.Recipient
	var slots, critical, warning sql.NullString
	var method, status string
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &method, &rec.ContactAddress, &slots, &critical, &warning, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return rec, ErrNotFound
		}
		return rec, err
	}
	rec.ContactMethod = domain.ContactMethod(method)
	rec.Status = domain.RecipientStatus(status)
	var err error
	if rec.ScheduleSlots, err = unmarshalStrings(slots); err != nil {
		return rec, fmt.Errorf("recipient %s schedule_slots: %w", rec.ID, err)
	}
	if rec.CriticalSignals, err = unmarshalStrings(critical); err != nil {
		return rec, fmt.Errorf("recipient %s critical_signals: %w", rec.ID, err)
	}
	if rec.WarningSignals, err = unmarshalStrings(warning); err != nil {
		return rec, fmt.Errorf("recipient %s warning_signals: %w", rec.ID, err)
	}
	return rec, nil
}

func validateRecipient(rec domain.Recipient) error {
	if strings.TrimSpace(rec.TenantID) == "" {
		return errors.New("tenant_id required")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("recipient id required")
	}
	switch rec.ContactMethod {
	case domain.ContactVoice, domain.ContactText:
	default:
		return fmt.Errorf("invalid contact_method %q", rec.ContactMethod)
	}
	switch rec.Status {
	case domain.RecipientActive, domain.RecipientCompleted, domain.RecipientTransferred:
	default:
		return fmt.Errorf("invalid recipient status %q", rec.Status)
	}
	if strings.TrimSpace(rec.ContactAddress) == "" {
		return errors.New("contact_address required")
	}
	return nil
}

// UpsertRecipient stores a recipient on behalf of the onboarding flow.
func (r Repo) UpsertRecipient(ctx context.Context, rec domain.Recipient, actorID string) (domain.Recipient, error) {
	if rec.Status == "" {
		rec.Status = domain.RecipientActive
	}
	if err := validateRecipient(rec); err != nil {
		return rec, err
	}
	slots, err := marshalStrings(rec.ScheduleSlots)
	if err != nil {
		return rec, err
	}
	critical, err := marshalStrings(rec.CriticalSignals)
	if err != nil {
		return rec, err
	}
	warning, err := marshalStrings(rec.WarningSignals)
	if err != nil {
		return rec, err
	}
	now := stamp(r.now())
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO recipients(tenant_id,id,name,contact_method,contact_address,schedule_slots,critical_signals,warning_signals,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,id) DO UPDATE SET name=excluded.name, contact_method=excluded.contact_method, contact_address=excluded.contact_address,
schedule_slots=excluded.schedule_slots, critical_signals=excluded.critical_signals, warning_signals=excluded.warning_signals,
status=excluded.status, updated_at=excluded.updated_at`,
			rec.TenantID, rec.ID, nullable(rec.Name), string(rec.ContactMethod), rec.ContactAddress, slots, critical, warning, string(rec.Status), now, now); err != nil {
			return err
		}
		return r.writer().Append(ctx, tx, events.Entry{
			Type:       "recipient.upserted",
			TenantID:   rec.TenantID,
			EntityKind: "recipient",
			EntityID:   rec.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"status": rec.Status, "schedule_slots": rec.ScheduleSlots},
		})
	})
	if err != nil {
		return rec, err
	}
	return r.GetRecipient(ctx, rec.TenantID, rec.ID)
}

func (r Repo) GetRecipient(ctx context.Context, tenantID, id string) (domain.Recipient, error) {
	return scanRecipient(r.DB.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE tenant_id=? AND id=?`, tenantID, id))
}

type RecipientFilters struct {
	TenantID string
	Status   string
}

func (r Repo) ListRecipients(ctx context.Context, f RecipientFilters) ([]domain.Recipient, error) {
	if f.TenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE tenant_id=?`
	args := []any{f.TenantID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DueRecipients lists the tenant's active recipients scheduled at the slot marker.
func (r Repo) DueRecipients(ctx context.Context, tenantID, marker string) ([]domain.Recipient, error) {
	all, err := r.ListRecipients(ctx, RecipientFilters{TenantID: tenantID, Status: string(domain.RecipientActive)})
	if err != nil {
		return nil, err
	}
	var due []domain.Recipient
	for _, rec := range all {
		if rec.HasSlot(marker) {
			due = append(due, rec)
		}
	}
	return due, nil
}
