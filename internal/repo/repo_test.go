package repo

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/db"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine/auth"
	"github.com/ChristChad-mv/careflow-sub000/internal/migrate"
)

const tenant = "clinic-1"

var clock = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := New(conn)
	r.Now = func() time.Time { return clock }
	return r
}

func withTx[T any](t *testing.T, r Repo, fn func(tx *sql.Tx) (T, error)) (T, error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	out, err := fn(tx)
	if err != nil {
		return out, err
	}
	require.NoError(t, tx.Commit())
	return out, nil
}

func TestTenantConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, err := r.GetTenantConfig(ctx, tenant)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := config.Default(tenant)
	cfg.Policy.MaxAttempts = 4
	require.NoError(t, r.UpsertTenantConfig(ctx, tenant, cfg))
	got, err := r.GetTenantConfig(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Policy.MaxAttempts)
	assert.Equal(t, cfg.Policy.RetryDelay, got.Policy.RetryDelay)

	all, err := r.ListTenantConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, tenant, all[0].Tenant.ID)
}

func TestUpsertRecipientValidatesAndFilters(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, err := r.UpsertRecipient(ctx, domain.Recipient{TenantID: tenant, ID: "p-1", ContactMethod: "fax", ContactAddress: "x"}, "ops")
	assert.Error(t, err)

	for _, rec := range []domain.Recipient{
		{TenantID: tenant, ID: "p-1", ContactMethod: domain.ContactVoice, ContactAddress: "+1", ScheduleSlots: []string{"08", "20"}},
		{TenantID: tenant, ID: "p-2", ContactMethod: domain.ContactText, ContactAddress: "+2", ScheduleSlots: []string{"08"}, Status: domain.RecipientCompleted},
		{TenantID: tenant, ID: "p-3", ContactMethod: domain.ContactText, ContactAddress: "+3", ScheduleSlots: []string{"14"}},
	} {
		_, err := r.UpsertRecipient(ctx, rec, "ops")
		require.NoError(t, err)
	}
	got, err := r.GetRecipient(ctx, tenant, "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientActive, got.Status)
	assert.Equal(t, []string{"08", "20"}, got.ScheduleSlots)

	due, err := r.DueRecipients(ctx, tenant, "08")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "p-1", due[0].ID)

	_, err = r.GetRecipient(ctx, "other-clinic", "p-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordPendingIsUniquePerKey(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := PendingAttempt{TenantID: tenant, RecipientID: "p-1", SlotKey: "2026-01-24_08", AttemptNumber: 1}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	var dups int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.RecordPending(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrDuplicateAttempt) {
				dups++
				return
			}
			assert.NoError(t, err)
			ids = append(ids, id)
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, 7, dups)

	ok, err := r.HasAttempt(ctx, tenant, "p-1", "2026-01-24_08", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasAttempt(ctx, tenant, "p-1", "2026-01-24_08", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordOutcomeIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	id, err := r.RecordPending(ctx, PendingAttempt{TenantID: tenant, RecipientID: "p-1", SlotKey: "2026-01-24_08", AttemptNumber: 1})
	require.NoError(t, err)

	_, err = r.RecordOutcome(ctx, tenant, id, domain.OutcomePending, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err := r.RecordOutcome(ctx, tenant, id, domain.OutcomeCompleted, []string{"dizzy"}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, a.Outcome)
	assert.Equal(t, []string{"dizzy"}, a.RiskFindings)
	require.NotNil(t, a.CompletedAt)

	_, err = r.RecordOutcome(ctx, tenant, id, domain.OutcomeFailed, nil, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.RecordOutcome(ctx, tenant, "nope", domain.OutcomeFailed, nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStalePending(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, err := r.RecordPending(ctx, PendingAttempt{TenantID: tenant, RecipientID: "p-1", SlotKey: "2026-01-24_08", AttemptNumber: 1})
	require.NoError(t, err)

	stale, err := r.ListStalePending(ctx, tenant, clock)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = r.ListStalePending(ctx, tenant, clock.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	tenants, err := r.SweepTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tenant}, tenants)
}

func TestUnhandledOutcomesUntilMarked(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	id, err := r.RecordPending(ctx, PendingAttempt{TenantID: tenant, RecipientID: "p-1", SlotKey: "2026-01-24_08", AttemptNumber: 1})
	require.NoError(t, err)

	unhandled, err := r.ListUnhandled(ctx, tenant, clock.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, unhandled, "pending attempts belong to the timeout sweep")

	_, err = r.RecordOutcome(ctx, tenant, id, domain.OutcomeNoAnswer, nil, "")
	require.NoError(t, err)
	unhandled, err = r.ListUnhandled(ctx, tenant, clock)
	require.NoError(t, err)
	assert.Empty(t, unhandled, "cutoff excludes outcomes completed at the cutoff")
	unhandled, err = r.ListUnhandled(ctx, tenant, clock.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, unhandled, 1)
	assert.Equal(t, id, unhandled[0].ID)

	tenants, err := r.SweepTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tenant}, tenants)

	require.NoError(t, r.MarkHandled(ctx, tenant, id))
	unhandled, err = r.ListUnhandled(ctx, tenant, clock.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, unhandled)
	tenants, err = r.SweepTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestOnlyOneOpenAlertPerRecipient(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	first, err := withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.InsertAlertTx(ctx, tx, tenant, "p-1", domain.RiskWarning, "dizzy")
	})
	require.NoError(t, err)
	_, err = withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.InsertAlertTx(ctx, tx, tenant, "p-1", domain.RiskCritical, "chest pain")
	})
	require.Error(t, err)

	_, err = withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.InsertAlertTx(ctx, tx, tenant, "p-1", domain.RiskSafe, "fine")
	})
	assert.Error(t, err)

	updated, err := withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.UpdateAlertTx(ctx, tx, tenant, first.ID, domain.RiskCritical, "chest pain")
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, domain.RiskCritical, updated.Level)

	resolved, err := withTx(t, r, func(tx *sql.Tx) (bool, error) {
		_, changed, err := r.ResolveAlertTx(ctx, tx, tenant, first.ID, "nurse-1", "ok")
		return changed, err
	})
	require.NoError(t, err)
	assert.True(t, resolved)

	second, err := withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.InsertAlertTx(ctx, tx, tenant, "p-1", domain.RiskWarning, "swelling")
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestClaimAlertTx(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	a, err := withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
		return r.InsertAlertTx(ctx, tx, tenant, "p-1", domain.RiskCritical, "chest pain")
	})
	require.NoError(t, err)
	claim := func(reviewer string) (domain.Alert, error) {
		return withTx(t, r, func(tx *sql.Tx) (domain.Alert, error) {
			return r.ClaimAlertTx(ctx, tx, tenant, a.ID, reviewer)
		})
	}

	got, err := claim("nurse-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertInProgress, got.Status)
	_, err = claim("nurse-1")
	assert.NoError(t, err)
	_, err = claim("nurse-2")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = claim("")
	assert.Error(t, err)

	list, err := r.ListAlerts(ctx, AlertFilters{TenantID: tenant, Status: string(domain.AlertInProgress)})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRetryTaskLease(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	task := domain.RetryTask{TenantID: tenant, RecipientID: "p-1", SlotKey: "2026-01-24_08", AttemptNumber: 2, NotBefore: clock.Add(15 * time.Minute), Reason: domain.OutcomeNoAnswer}
	stored, err := r.InsertRetryTask(ctx, task)
	require.NoError(t, err)
	_, err = r.InsertRetryTask(ctx, task)
	require.NoError(t, err)
	all, err := r.ListRetryTasks(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, all, 1)

	due, err := r.ClaimDueRetryTasks(ctx, clock, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	later := clock.Add(16 * time.Minute)
	due, err = r.ClaimDueRetryTasks(ctx, later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, stored.ID, due[0].ID)

	due, err = r.ClaimDueRetryTasks(ctx, later.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "lease still held")

	due, err = r.ClaimDueRetryTasks(ctx, later.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "lease expired")

	require.NoError(t, r.DeleteRetryTask(ctx, stored.ID))
	all, err = r.ListRetryTasks(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	key := domain.APIKey{ID: "k-1", TenantID: tenant, ActorID: "nurse-1", Role: auth.RoleReviewer, KeyHash: HashAPIKey("secret-key")}
	require.NoError(t, r.InsertAPIKey(ctx, key))

	bad := key
	bad.ID, bad.Role, bad.KeyHash = "k-2", "admin", HashAPIKey("other")
	assert.Error(t, r.InsertAPIKey(ctx, bad))

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret-key "))
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", got.ActorID)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("nope"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.DeleteAPIKey(ctx, tenant, "k-1"))
	keys, err := r.ListAPIKeys(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEventsPagingAndCursor(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, err := r.UpsertRecipient(ctx, domain.Recipient{TenantID: tenant, ID: id, ContactMethod: domain.ContactVoice, ContactAddress: "+1"}, "ops")
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx, tenant)
	require.NoError(t, err)

	page, err := r.LatestEvents(ctx, EventFilters{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, latest, page[0].ID)
	assert.Equal(t, "p-3", page[0].EntityID)

	rest, err := r.LatestEvents(ctx, EventFilters{TenantID: tenant, Limit: 2, Before: page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "p-1", rest[0].EntityID)

	after, err := r.EventsAfter(ctx, 10, rest[0].ID, "")
	require.NoError(t, err)
	assert.Len(t, after, 2)
	assert.Less(t, after[0].ID, after[1].ID)
}
