package careflowsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/db"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine/auth"
	"github.com/ChristChad-mv/careflow-sub000/internal/migrate"
	"github.com/ChristChad-mv/careflow-sub000/internal/server"
	careflowsdk "github.com/ChristChad-mv/careflow-sub000/sdk/go"
)

const secret = "sdk-secret"

func newClient(t *testing.T, role string) (*careflowsdk.Client, *careflowsdk.Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	bridge := channel.Func(func(ctx context.Context, req channel.Request) (channel.Result, error) {
		return channel.Result{Outcome: domain.OutcomeCompleted, Findings: []string{"chest pain since this morning"}}, nil
	})
	e := engine.New(conn, bridge, zap.NewNop())
	_, err = e.InitTenant(context.Background(), "clinic-1", nil)
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	token := func(actor, role string) string {
		tok, err := server.SignToken(secret, actor, []string{"clinic-1"}, []string{role}, time.Hour)
		require.NoError(t, err)
		return tok
	}
	ops := careflowsdk.New(ts.URL, "clinic-1")
	ops.BearerToken = token("ops", auth.RoleOperator)
	reviewer := careflowsdk.New(ts.URL, "clinic-1")
	reviewer.BearerToken = token("nurse-1", role)
	return ops, reviewer
}

func TestClientRoundToResolve(t *testing.T) {
	ctx := context.Background()
	ops, reviewer := newClient(t, auth.RoleReviewer)

	_, err := ops.PutRecipient(ctx, careflowsdk.Recipient{
		ID:              "p-1",
		ContactMethod:   "voice",
		ContactAddress:  "+15550100",
		ScheduleSlots:   []string{"08"},
		CriticalSignals: []string{"chest pain"},
	})
	require.NoError(t, err)

	summary, err := ops.RunRound(ctx, "2026-01-24_08")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Dispatched)

	attempts, err := ops.Attempts(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "completed", attempts[0].Outcome)

	alerts, err := reviewer.Alerts(ctx, "active")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "CRITICAL", alerts[0].Level)

	claimed, err := reviewer.ClaimAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.AssignedReviewer)
	assert.Equal(t, "nurse-1", *claimed.AssignedReviewer)

	resolved, err := reviewer.ResolveAlert(ctx, alerts[0].ID, "called back, stable")
	require.NoError(t, err)
	assert.Equal(t, "resolved", resolved.Status)
	assert.Equal(t, "called back, stable", resolved.ResolutionNote)

	page, err := ops.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	ops, reviewer := newClient(t, auth.RoleReviewer)

	_, err := reviewer.ClaimAlert(ctx, "missing")
	var apiErr *careflowsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = reviewer.RunRound(ctx, "2026-01-24_08")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	_, err = ops.RunRound(ctx, "not-a-key")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
