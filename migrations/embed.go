// Package migrations embeds the database schema migrations.
package migrations

import "embed"

// FS holds the SQL migrations in golang-migrate naming.
//
//go:embed *.sql
var FS embed.FS
