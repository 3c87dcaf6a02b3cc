package postgres

import "cbbstats/internal/storage"

func init() {
	storage.Register("postgres", New)
}
