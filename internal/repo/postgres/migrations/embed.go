package migrations

import "embed"

// FS contains embedded Postgres migrations for release storage.
//
//go:embed *.sql
var FS embed.FS
