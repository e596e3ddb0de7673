package database

import "embed"

// MigrationFS holds the versioned schema applied by RunMigrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
