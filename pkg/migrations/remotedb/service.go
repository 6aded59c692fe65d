// Package remotedb holds all the migrations for the remote balance database
package remotedb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the remote balance database
var Migrations = migrate.NewMigrations()
