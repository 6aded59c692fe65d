package main

import (
	"context"
	"flag"
	"log"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/migrations/remotedb"
	"github.com/chainsafe/revenue-middleware/pkg/pgutil"
	mghelper "github.com/chainsafe/revenue-middleware/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.example.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error reading configuration file: %s", err.Error())
	}
	if !cfg.Database.Enabled() {
		log.Fatalf("database.host is not configured")
	}

	ctx := context.Background()
	db, err := pgutil.ConnectDB(ctx, &cfg.Database, nil)
	if err != nil {
		log.Fatalf("error connecting to database: %s", err.Error())
	}
	defer db.Close()

	log.Printf("Running migrations for remote database (%s)...\n", cfg.Database.Database)

	migrator := migrate.NewMigrator(db, remotedb.Migrations)
	if err := mghelper.RunMigrations(ctx, migrator, flag.Args()...); err != nil {
		mghelper.Exitf(err.Error())
	}
}
