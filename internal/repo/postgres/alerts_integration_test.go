//go:build integration

package postgres

// go test -tags=integration ./internal/repo/postgres -count=1

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/repo/repotest"
)

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	repotest.Run(t, func(t *testing.T) repo.Store {
		ctx := context.Background()
		store, err := New(ctx, dsn, zap.NewNop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		// Subtests reuse fixed IDs.
		if _, err := store.pool.Exec(ctx,
			`TRUNCATE delivery_attempts, alert_events, safety_zones, trusted_contacts`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}
