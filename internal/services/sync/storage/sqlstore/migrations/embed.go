package migrations

import "embed"

// FS contains the embedded bookkeeping migrations, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql mysql/*.sql
var FS embed.FS
