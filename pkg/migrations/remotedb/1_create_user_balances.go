package remotedb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/revenue-middleware/pkg/pgutil/migrations"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating user_balances table...")
		return mghelper.CreateSchema(ctx, db, &remote.UserBalanceDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping user_balances table...")
		return mghelper.DropTables(ctx, db, &remote.UserBalanceDao{})
	})
}
