package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/metrics"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

// UpsertAlert applies a classification to the recipient's alert state.
// SAFE resolves any open alert; WARNING and CRITICAL update the open alert in
// place or open a new one. It returns nil when SAFE found nothing to resolve.
func (e Engine) UpsertAlert(ctx context.Context, tenantID, recipientID string, c domain.RiskClassification) (*domain.Alert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	alert, err := e.upsertAlertTx(ctx, tx, tenantID, recipientID, c)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return alert, nil
}

func (e Engine) upsertAlertTx(ctx context.Context, tx *sql.Tx, tenantID, recipientID string, c domain.RiskClassification) (*domain.Alert, error) {
	open, err := e.Repo.GetOpenAlertTx(ctx, tx, tenantID, recipientID)
	hasOpen := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if c.Level == domain.RiskSafe {
		if !hasOpen {
			return nil, nil
		}
		resolved, _, err := e.Repo.ResolveAlertTx(ctx, tx, tenantID, open.ID, "system", "auto-resolved: "+c.Reason)
		if err != nil {
			return nil, fmt.Errorf("auto-resolve alert %s: %w", open.ID, err)
		}
		metrics.AlertsTotal.WithLabelValues("auto_resolved", string(open.Level)).Inc()
		return &resolved, nil
	}
	if hasOpen {
		updated, err := e.Repo.UpdateAlertTx(ctx, tx, tenantID, open.ID, c.Level, c.Reason)
		if err != nil {
			return nil, fmt.Errorf("update alert %s: %w", open.ID, err)
		}
		metrics.AlertsTotal.WithLabelValues("updated", string(c.Level)).Inc()
		return &updated, nil
	}
	created, err := e.Repo.InsertAlertTx(ctx, tx, tenantID, recipientID, c.Level, c.Reason)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues("created", string(c.Level)).Inc()
	return &created, nil
}

// applyClassification records the recipient's last assessment and updates
// alert state in one transaction.
func (e Engine) applyClassification(ctx context.Context, attempt domain.ContactAttempt, c domain.RiskClassification) (*domain.Alert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.recordAssessmentTx(ctx, tx, attempt, c); err != nil {
		return nil, err
	}
	alert, err := e.upsertAlertTx(ctx, tx, attempt.TenantID, attempt.RecipientID, c)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return alert, nil
}

func (e Engine) recordAssessmentTx(ctx context.Context, tx *sql.Tx, attempt domain.ContactAttempt, c domain.RiskClassification) error {
	return e.Repo.UpsertAssessmentTx(ctx, tx, domain.Assessment{
		TenantID:      attempt.TenantID,
		RecipientID:   attempt.RecipientID,
		Level:         c.Level,
		Reason:        c.Reason,
		SlotKey:       attempt.SlotKey,
		AttemptNumber: attempt.AttemptNumber,
	})
}

// Claim assigns an active alert to a reviewer. The first claim wins; a
// different reviewer gets repo.ErrAlreadyClaimed.
func (e Engine) Claim(ctx context.Context, tenantID, alertID, reviewerID string) (domain.Alert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, err
	}
	defer tx.Rollback()
	alert, err := e.Repo.ClaimAlertTx(ctx, tx, tenantID, alertID, reviewerID)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			e.log().Error("claim rejected", zap.String("alert_id", alertID), zap.String("reviewer_id", reviewerID), zap.Error(err))
		}
		return alert, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, err
	}
	metrics.AlertsTotal.WithLabelValues("claimed", string(alert.Level)).Inc()
	return alert, nil
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (e Engine) Resolve(ctx context.Context, tenantID, alertID, reviewerID, note string) (domain.Alert, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, err
	}
	defer tx.Rollback()
	alert, changed, err := e.Repo.ResolveAlertTx(ctx, tx, tenantID, alertID, reviewerID, note)
	if err != nil {
		return domain.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, err
	}
	if changed {
		metrics.AlertsTotal.WithLabelValues("resolved", string(alert.Level)).Inc()
	}
	return alert, nil
}
