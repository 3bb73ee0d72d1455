package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/classify"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/metrics"
	"github.com/ChristChad-mv/careflow-sub000/internal/queue"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

type DispatchStatus string

const (
	StatusDispatched DispatchStatus = "dispatched"
	StatusSkipped    DispatchStatus = "skipped"
	StatusFailed     DispatchStatus = "failed"
)

// DispatchResult describes what happened to one recipient in one invocation.
type DispatchResult struct {
	RecipientID string         `json:"recipient_id"`
	AttemptID   string         `json:"attempt_id,omitempty"`
	Status      DispatchStatus `json:"status" enum:"dispatched,skipped,failed"`
	Outcome     domain.Outcome `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// RunRound dispatches attempt 1 of slotKey to every active recipient of the
// tenant scheduled at the slot's marker. Per-recipient failures are counted
// and never abort the batch; only a directory failure does. When the ledger
// could not reserve some recipients the summary is returned together with
// ErrLedgerUnavailable so the caller repeats the round.
func (e Engine) RunRound(ctx context.Context, tenantID, slotKey string) (domain.RoundSummary, error) {
	summary := domain.RoundSummary{TenantID: tenantID, SlotKey: slotKey}
	_, marker, err := domain.ParseSlotKey(slotKey)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrInvalidSlotKey, err)
	}
	cfg, err := e.ConfigFor(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	log := e.log().With(zap.String("tenant_id", tenantID), zap.String("slot_key", slotKey))
	recipients, err := e.directory().DueRecipients(ctx, tenantID, marker)
	if err != nil {
		metrics.RoundsTotal.WithLabelValues("directory_unavailable").Inc()
		log.Error("round aborted: recipient directory unavailable", zap.Error(err))
		return summary, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	summary.Processed = len(recipients)

	var mu sync.Mutex
	var wg sync.WaitGroup
	var ledgerErrs []error
	sem := newSemaphore(e.workers())
	for _, rec := range recipients {
		if err := sem.Acquire(ctx); err != nil {
			mu.Lock()
			summary.Errors++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(rec domain.Recipient) {
			defer wg.Done()
			defer sem.Release()
			res, err := e.dispatch(ctx, cfg, rec, slotKey, 1, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors++
				if errors.Is(err, ErrLedgerUnavailable) {
					ledgerErrs = append(ledgerErrs, err)
				}
			case res.Status == StatusDispatched:
				summary.Dispatched++
			case res.Status == StatusSkipped:
				summary.Skipped++
			default:
				summary.Errors++
			}
		}(rec)
	}
	wg.Wait()
	if len(ledgerErrs) > 0 {
		metrics.RoundsTotal.WithLabelValues("ledger_unavailable").Inc()
		log.Error("round incomplete: attempts could not be reserved",
			zap.Int("unreserved", len(ledgerErrs)),
			zap.Int("dispatched", summary.Dispatched))
		return summary, fmt.Errorf("%d of %d recipients not reserved: %w", len(ledgerErrs), summary.Processed, ledgerErrs[0])
	}
	metrics.RoundsTotal.WithLabelValues("completed").Inc()
	log.Info("round finished",
		zap.Int("processed", summary.Processed),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// RunRetry performs the attempt carried by a RetryTask. Repeated delivery of
// the same task is skipped by the ledger, so at-least-once queues are safe.
// Infrastructure failures are returned so the queue redelivers the task;
// malformed tasks fail with queue.ErrPermanent.
func (e Engine) RunRetry(ctx context.Context, task domain.RetryTask) (DispatchResult, error) {
	res := DispatchResult{RecipientID: task.RecipientID}
	if _, _, err := domain.ParseSlotKey(task.SlotKey); err != nil {
		return res, queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidSlotKey, err))
	}
	if task.AttemptNumber < 2 {
		return res, queue.Permanent(fmt.Errorf("invalid attempt_number %d: retries start at 2", task.AttemptNumber))
	}
	cfg, err := e.ConfigFor(ctx, task.TenantID)
	if err != nil {
		return res, err
	}
	log := e.log().With(
		zap.String("tenant_id", task.TenantID),
		zap.String("recipient_id", task.RecipientID),
		zap.String("slot_key", task.SlotKey),
		zap.Int("attempt_number", task.AttemptNumber))
	if task.AttemptNumber > cfg.Policy.MaxAttempts {
		log.Warn("retry beyond max_attempts dropped", zap.Int("max_attempts", cfg.Policy.MaxAttempts))
		res.Status = StatusSkipped
		res.Reason = "beyond max_attempts"
		return res, nil
	}
	rec, err := e.directory().GetRecipient(ctx, task.TenantID, task.RecipientID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("retry for unknown recipient dropped")
		res.Status = StatusSkipped
		res.Reason = "recipient not found"
		return res, nil
	}
	if err != nil {
		log.Error("retry: recipient directory unavailable", zap.Error(err))
		return res, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if rec.Status != domain.RecipientActive {
		log.Info("retry skipped: recipient no longer active", zap.String("status", string(rec.Status)))
		res.Status = StatusSkipped
		res.Reason = "recipient " + string(rec.Status)
		return res, nil
	}
	return e.dispatch(ctx, cfg, rec, task.SlotKey, task.AttemptNumber, true)
}

// dispatch reserves the attempt, calls the channel and, for synchronous
// results, runs the outcome pipeline. No lock is held across the channel
// call; the pending row is the reservation. A channel failure is an outcome,
// not an error; errors are ledger failures (ErrLedgerUnavailable) or outcome
// pipeline failures, which the timeout sweep replays.
func (e Engine) dispatch(ctx context.Context, cfg *config.Config, rec domain.Recipient, slotKey string, attemptNumber int, retry bool) (DispatchResult, error) {
	kind := "initial"
	if retry {
		kind = "retry"
	}
	res := DispatchResult{RecipientID: rec.ID}
	log := e.log().With(
		zap.String("tenant_id", rec.TenantID),
		zap.String("recipient_id", rec.ID),
		zap.String("slot_key", slotKey),
		zap.Int("attempt_number", attemptNumber))

	ledger := e.ledger()
	exists, err := ledger.HasAttempt(ctx, rec.TenantID, rec.ID, slotKey, attemptNumber)
	if err != nil {
		metrics.AttemptsTotal.WithLabelValues(kind, "error").Inc()
		log.Error("ledger lookup failed", zap.Error(err))
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if exists {
		metrics.AttemptsTotal.WithLabelValues(kind, "skipped").Inc()
		log.Debug("attempt already recorded; skipping")
		res.Status = StatusSkipped
		res.Reason = "already attempted"
		return res, nil
	}
	attemptID, err := ledger.RecordPending(ctx, repo.PendingAttempt{
		TenantID:      rec.TenantID,
		RecipientID:   rec.ID,
		SlotKey:       slotKey,
		AttemptNumber: attemptNumber,
		Retry:         retry,
	})
	if errors.Is(err, repo.ErrDuplicateAttempt) {
		metrics.AttemptsTotal.WithLabelValues(kind, "skipped").Inc()
		log.Debug("duplicate attempt; skipping")
		res.Status = StatusSkipped
		res.Reason = "already attempted"
		return res, nil
	}
	if err != nil {
		metrics.AttemptsTotal.WithLabelValues(kind, "error").Inc()
		log.Error("record pending failed", zap.Error(err))
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	res.AttemptID = attemptID
	log = log.With(zap.String("attempt_id", attemptID))

	result, callErr := e.contact(ctx, channel.Request{
		AttemptID:      attemptID,
		TenantID:       rec.TenantID,
		RecipientID:    rec.ID,
		ContactMethod:  rec.ContactMethod,
		ContactAddress: rec.ContactAddress,
		SlotKey:        slotKey,
		AttemptNumber:  attemptNumber,
		Retry:          retry,
	})
	if callErr != nil {
		metrics.AttemptsTotal.WithLabelValues(kind, "error").Inc()
		log.Warn("contact channel failed; recording as failed", zap.Error(callErr))
		res.Status = StatusFailed
		res.Outcome = domain.OutcomeFailed
		res.Reason = callErr.Error()
		if _, err := e.finish(ctx, cfg, &rec, rec.TenantID, attemptID, domain.OutcomeFailed, nil, callErr.Error()); err != nil && !errors.Is(err, repo.ErrInvalidTransition) {
			log.Error("recording channel failure", zap.Error(err))
			return res, fmt.Errorf("record channel failure: %w", err)
		}
		return res, nil
	}
	metrics.AttemptsTotal.WithLabelValues(kind, "dispatched").Inc()
	res.Status = StatusDispatched
	res.Outcome = result.Outcome
	if result.Outcome == domain.OutcomePending {
		log.Debug("awaiting asynchronous outcome")
		return res, nil
	}
	if _, err := e.finish(ctx, cfg, &rec, rec.TenantID, attemptID, result.Outcome, result.Findings, ""); err != nil && !errors.Is(err, repo.ErrInvalidTransition) {
		log.Error("outcome pipeline failed", zap.Error(err))
		res.Reason = err.Error()
		return res, fmt.Errorf("outcome pipeline: %w", err)
	}
	return res, nil
}

func (e Engine) contact(ctx context.Context, req channel.Request) (channel.Result, error) {
	if e.Channel == nil {
		return channel.Result{}, &channel.Error{Err: errors.New("no contact channel configured")}
	}
	if err := e.Limiter.Wait(ctx, req.TenantID); err != nil {
		return channel.Result{}, &channel.Error{Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	start := time.Now()
	result, err := e.Channel.Contact(ctx, req)
	label := "ok"
	if err != nil {
		label = "error"
	}
	metrics.ChannelDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		if !channel.IsChannelError(err) {
			err = &channel.Error{Err: err}
		}
		return channel.Result{}, err
	}
	if !result.Outcome.Valid() {
		return channel.Result{}, &channel.Error{Err: fmt.Errorf("unknown outcome %q", result.Outcome)}
	}
	return result, nil
}

// CompleteAttempt records an asynchronously reported outcome and resumes the
// pipeline by attempt id. It may run in any process.
func (e Engine) CompleteAttempt(ctx context.Context, tenantID, attemptID string, outcome domain.Outcome, findings []string) (domain.ContactAttempt, error) {
	if !outcome.Terminal() {
		return domain.ContactAttempt{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	cfg, err := e.ConfigFor(ctx, tenantID)
	if err != nil {
		return domain.ContactAttempt{}, err
	}
	return e.finish(ctx, cfg, nil, tenantID, attemptID, outcome, findings, "")
}

// finish writes the outcome and runs classification, alerting and retry.
// rec may be nil, in which case the recipient is looked up.
func (e Engine) finish(ctx context.Context, cfg *config.Config, rec *domain.Recipient, tenantID, attemptID string, outcome domain.Outcome, findings []string, failureReason string) (domain.ContactAttempt, error) {
	attempt, err := e.ledger().RecordOutcome(ctx, tenantID, attemptID, outcome, findings, failureReason)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			e.log().Error("outcome rejected",
				zap.String("tenant_id", tenantID),
				zap.String("attempt_id", attemptID),
				zap.String("outcome", string(outcome)),
				zap.Error(err))
		}
		return attempt, err
	}
	metrics.OutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return attempt, e.followUp(ctx, cfg, rec, attempt)
}

// followUp runs the outcome pipeline for a terminal attempt and marks it
// handled. An attempt left unmarked is replayed by SweepTimeouts.
func (e Engine) followUp(ctx context.Context, cfg *config.Config, rec *domain.Recipient, attempt domain.ContactAttempt) error {
	if rec == nil {
		r, err := e.directory().GetRecipient(ctx, attempt.TenantID, attempt.RecipientID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		if err == nil {
			rec = &r
		}
	}
	if err := e.handleOutcome(ctx, cfg, rec, attempt); err != nil {
		return err
	}
	if err := e.Repo.MarkHandled(ctx, attempt.TenantID, attempt.ID); err != nil {
		// replayed by the sweep; the pipeline steps tolerate repeats
		e.log().Warn("mark attempt handled", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
	return nil
}

// handleOutcome is the classifier -> alert manager -> retry scheduler chain.
func (e Engine) handleOutcome(ctx context.Context, cfg *config.Config, rec *domain.Recipient, attempt domain.ContactAttempt) error {
	critical, warning := cfg.Policy.DefaultCriticalSignals, cfg.Policy.DefaultWarningSignals
	if rec != nil {
		if len(rec.CriticalSignals) > 0 {
			critical = rec.CriticalSignals
		}
		if len(rec.WarningSignals) > 0 {
			warning = rec.WarningSignals
		}
	}
	c := classify.Classify(classify.Input{
		Outcome:   attempt.Outcome,
		Findings:  attempt.RiskFindings,
		Critical:  critical,
		Warning:   warning,
		MatchMode: cfg.Policy.MatchMode,
	})
	if attempt.Outcome.Unreachable() {
		_, err := e.ScheduleRetry(ctx, cfg.Policy, attempt, c)
		return err
	}
	_, err := e.applyClassification(ctx, attempt, c)
	return err
}

// SweepTimeouts fails pending attempts older than each tenant's outcome
// timeout and routes them through the retry path. It also replays the outcome
// pipeline for terminal attempts completed more than one timeout ago whose
// follow-up never committed, such as a retry that failed to enqueue. It
// returns how many attempts it closed or replayed.
func (e Engine) SweepTimeouts(ctx context.Context) (int, error) {
	tenants, err := e.Repo.SweepTenants(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	closed, replayed := 0, 0
	for _, tenantID := range tenants {
		cfg, err := e.ConfigFor(ctx, tenantID)
		if err != nil {
			return closed + replayed, err
		}
		cutoff := now.Add(-cfg.Policy.OutcomeTimeout.Std())
		stale, err := e.ledger().ListStalePending(ctx, tenantID, cutoff)
		if err != nil {
			return closed + replayed, err
		}
		for _, a := range stale {
			_, err := e.finish(ctx, cfg, nil, tenantID, a.ID, domain.OutcomeFailed, nil, "timeout")
			if errors.Is(err, repo.ErrInvalidTransition) {
				// a late callback won the race
				continue
			}
			if err != nil {
				e.log().Warn("timeout sweep", zap.String("attempt_id", a.ID), zap.Error(err))
				continue
			}
			closed++
		}
		unhandled, err := e.Repo.ListUnhandled(ctx, tenantID, cutoff)
		if err != nil {
			return closed + replayed, err
		}
		for _, a := range unhandled {
			if err := e.replay(ctx, cfg, a); err != nil {
				e.log().Warn("outcome replay", zap.String("attempt_id", a.ID), zap.Error(err))
				continue
			}
			replayed++
		}
	}
	if closed > 0 || replayed > 0 {
		e.log().Info("swept attempts", zap.Int("timed_out", closed), zap.Int("replayed", replayed))
	}
	return closed + replayed, nil
}

// replay finishes the follow-up of an attempt whose pipeline did not commit.
// When a later attempt already exists the chain moved on and the attempt is
// only marked.
func (e Engine) replay(ctx context.Context, cfg *config.Config, a domain.ContactAttempt) error {
	if a.Outcome.Unreachable() {
		next, err := e.ledger().HasAttempt(ctx, a.TenantID, a.RecipientID, a.SlotKey, a.AttemptNumber+1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		if next {
			return e.Repo.MarkHandled(ctx, a.TenantID, a.ID)
		}
	}
	e.log().Info("replaying outcome pipeline",
		zap.String("tenant_id", a.TenantID),
		zap.String("attempt_id", a.ID),
		zap.String("outcome", string(a.Outcome)))
	return e.followUp(ctx, cfg, nil, a)
}
