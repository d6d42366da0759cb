package service

import (
	"parking-anpr/internal/repository"
	"parking-anpr/internal/repository/sqlite"
)

// Both backends must keep satisfying the full store.
var (
	_ Store = (*repository.LedgerRepository)(nil)
	_ Store = (*sqlite.Store)(nil)
)
