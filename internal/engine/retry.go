package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/classify"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/metrics"
)

// RetryDecision is the scheduler's verdict for one unreachable attempt.
type RetryDecision struct {
	Scheduled bool
	Task      *domain.RetryTask
	// Alert is set once retries are exhausted and escalation happened.
	Alert *domain.Alert
}

// ScheduleRetry enqueues the next attempt while attempts remain, otherwise
// escalates to CRITICAL. It is the only place the attempt number grows; the
// number travels in the task payload.
func (e Engine) ScheduleRetry(ctx context.Context, policy config.Policy, attempt domain.ContactAttempt, c domain.RiskClassification) (RetryDecision, error) {
	log := e.log().With(
		zap.String("tenant_id", attempt.TenantID),
		zap.String("recipient_id", attempt.RecipientID),
		zap.String("slot_key", attempt.SlotKey),
		zap.Int("attempt_number", attempt.AttemptNumber))
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = config.DefaultMaxAttempts
	}
	if attempt.AttemptNumber < maxAttempts {
		task := domain.RetryTask{
			TenantID:      attempt.TenantID,
			RecipientID:   attempt.RecipientID,
			SlotKey:       attempt.SlotKey,
			AttemptNumber: attempt.AttemptNumber + 1,
			NotBefore:     e.now().Add(policy.RetryDelay.Std()).UTC(),
			Reason:        attempt.Outcome,
		}
		if err := e.queue().Enqueue(ctx, task); err != nil {
			return RetryDecision{}, fmt.Errorf("enqueue retry: %w", err)
		}
		if err := e.recordAssessment(ctx, attempt, c); err != nil {
			return RetryDecision{}, err
		}
		metrics.RetriesTotal.WithLabelValues("scheduled").Inc()
		log.Info("retry scheduled", zap.Int("next_attempt", task.AttemptNumber), zap.Time("not_before", task.NotBefore))
		return RetryDecision{Scheduled: true, Task: &task}, nil
	}
	forced := classify.Unreachable(attempt.AttemptNumber)
	alert, err := e.applyClassification(ctx, attempt, forced)
	if err != nil {
		return RetryDecision{}, fmt.Errorf("escalate exhausted retries: %w", err)
	}
	metrics.RetriesTotal.WithLabelValues("exhausted").Inc()
	log.Warn("retries exhausted; escalated", zap.String("reason", forced.Reason))
	return RetryDecision{Alert: alert}, nil
}

func (e Engine) recordAssessment(ctx context.Context, attempt domain.ContactAttempt, c domain.RiskClassification) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.recordAssessmentTx(ctx, tx, attempt, c); err != nil {
		return err
	}
	return tx.Commit()
}
