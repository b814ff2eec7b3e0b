package migrations

import "embed"

// FS exposes the migration sources so goose can match registered Go
// migrations without depending on the process working directory.
//
//go:embed *.go
var FS embed.FS
