// Package db ships the SQL migrations applied by goose.
package db

import "embed"

// Migrations holds the goose migration files compiled into the binaries.
//
//go:embed migrations/*.sql
var Migrations embed.FS
