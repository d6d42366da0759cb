package repository

import (
	"errors"
	"time"

	"parking-anpr/internal/domain/parking"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record already exists")
	errNoOpenRow = errors.New("no open ledger entry")
)

// EntryFilter selects ledger rows. Nil fields are not filtered on.
type EntryFilter struct {
	Plate  *string
	State  *parking.EntryState
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// MaxLimit caps every list query.
const MaxLimit = 100

func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
