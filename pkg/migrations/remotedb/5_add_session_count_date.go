package remotedb

import (
	"context"
	"log"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("adding user_balances.session_count_date...")
		_, err := db.ExecContext(ctx, "ALTER TABLE user_balances ADD COLUMN IF NOT EXISTS session_count_date date")
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping user_balances.session_count_date...")
		_, err := db.ExecContext(ctx, "ALTER TABLE IF EXISTS user_balances DROP COLUMN IF EXISTS session_count_date")
		return err
	})
}
