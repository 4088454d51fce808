// Package db embeds the versioned schema migrations.
package db

import "embed"

// Migrations holds the golang-migrate files, numbered NNNN_name.{up,down}.sql.
//
//go:embed migrations/*.sql
var Migrations embed.FS
