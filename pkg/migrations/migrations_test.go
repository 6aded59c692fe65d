package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/revenue-middleware/pkg/migrations/remotedb"
	"github.com/chainsafe/revenue-middleware/pkg/pgutil"
)

func TestRemoteDBMigrations_ApplyAndRollback(t *testing.T) {
	pgutil.RequireDockerAccess(t)
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, remotedb.Migrations)

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("Expected migrations to run, but none were applied")
	}

	expectedTables := []string{
		"user_balances",
		"transactions",
		"referrals",
		"commission_payment_schedule",
		"bun_migrations",
	}
	for _, table := range expectedTables {
		pgutil.AssertTableExists(t, db, table)
	}

	pgutil.AssertIndexExists(t, db, "idx_transactions_user_id_date")
	pgutil.AssertIndexExists(t, db, "idx_referrals_status")
	pgutil.AssertIndexExists(t, db, "idx_referrals_referrer_id")
	pgutil.AssertIndexExists(t, db, "idx_commission_payment_schedule_status_payment_date")

	group, err = migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
	if !group.IsZero() {
		t.Errorf("second Migrate() should be a no-op, applied %s", group)
	}

	if _, err := migrator.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	for _, table := range expectedTables[:4] {
		pgutil.AssertTableNotExists(t, db, table)
	}
}
