package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChristChad-mv/careflow-sub000/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	migrations, err := loadMigrations()
	require.NoError(t, err)
	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, v)

	for _, table := range []string{"tenant_configs", "recipients", "contact_attempts", "alerts", "assessments", "retry_tasks", "events", "api_keys"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}

	var handled int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('contact_attempts') WHERE name='handled_at'`).Scan(&handled))
	assert.Equal(t, 1, handled)
}
