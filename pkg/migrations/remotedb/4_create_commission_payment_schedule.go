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
		log.Println("creating commission_payment_schedule table...")
		if err := mghelper.CreateSchema(ctx, db, &remote.PaymentScheduleDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &remote.PaymentScheduleDao{}, "status,payment_date")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping commission_payment_schedule table...")
		return mghelper.DropTables(ctx, db, &remote.PaymentScheduleDao{})
	})
}
