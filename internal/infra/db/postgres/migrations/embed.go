// Package migrations expone las migraciones SQL embebidas en el binario.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
