package migrations

import "embed"

// FS contains embedded SQLite migrations for release storage.
//
//go:embed *.sql
var FS embed.FS
