// Package migrations holds the versioned SQL applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
