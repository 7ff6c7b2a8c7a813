package pgstore

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/migrations"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/storetest"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("USERBOTS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set USERBOTS_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	return dsn
}

func openIntegrationDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("postgres", postgresIntegrationDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := fs.ReadFile(migrations.FS, "0001_userbot_sessions.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	return db
}

func TestStoreContractPostgres(t *testing.T) {
	db := openIntegrationDB(t)
	storetest.Run(t, func(t *testing.T) session.Store {
		_, err := db.ExecContext(context.Background(), `TRUNCATE userbot_sessions`)
		require.NoError(t, err)
		return New(db)
	})
}
