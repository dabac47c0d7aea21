// Copyright (c) 2025 Justin Cranford

package nvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"license-agent/internal/sealing/nvstore"
)

// TestStore_Postgres_PutGetDelete exercises the postgres backend against a
// real server, matching the migrate-then-gorm path sqlite already covers in
// nvstore_test.go. Skipped under -short since it needs a Docker daemon.
func TestStore_Postgres_PutGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker; skipped under -short")
	}
	t.Parallel()

	ctx := context.Background()
	dbName := "nvstore_" + uuid.NewString()[:8]

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername("nvstore"),
		postgres.WithPassword("nvstore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, container.Terminate(ctx)) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := nvstore.Open(nvstore.BackendPostgres, dsn, "file://../../../database/migrations")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Put(1, []byte("sealed-over-postgres")))
	got, err := store.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed-over-postgres"), got)

	require.NoError(t, store.Delete(1))
	_, err = store.Get(1)
	require.Error(t, err)
}
