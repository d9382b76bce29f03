// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
// Files are applied in lexical order (001_decisions.sql first).
//
//go:embed *.sql
var FS embed.FS
