// Package migrations embeds SQL migration scripts for the live SQLite store.
package migrations

import "embed"

// FS holds the live store schema history.
//
//go:embed *.sql
var FS embed.FS
