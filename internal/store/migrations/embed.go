package migrations

import "embed"

// FS contains the embedded SQLite migrations for the local event store.
//
//go:embed *.sql
var FS embed.FS
