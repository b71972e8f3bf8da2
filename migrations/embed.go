// Package migrations holds the per-tenant schema, applied in file order by
// db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
