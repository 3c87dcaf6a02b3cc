// Package all registers every storage backend.
package all

import (
	_ "cbbstats/internal/storage/mssql"
	_ "cbbstats/internal/storage/postgres"
	_ "cbbstats/internal/storage/sqlite"
)
