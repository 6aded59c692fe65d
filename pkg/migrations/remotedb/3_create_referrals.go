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
		log.Println("creating referrals table...")
		if err := mghelper.CreateSchema(ctx, db, &remote.ReferralDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &remote.ReferralDao{}, "status", "referrer_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping referrals table...")
		return mghelper.DropTables(ctx, db, &remote.ReferralDao{})
	})
}
