package service

import (
	"context"
	"time"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/repository"
)

// LedgerStore is implemented by repository.LedgerRepository (postgres) and sqlite.Store.
type LedgerStore interface {
	EnterPlate(ctx context.Context, plate string, at time.Time) (parking.LedgerEntry, bool, error)
	ExitPlate(ctx context.Context, plate string, at time.Time) (*parking.LedgerEntry, error)
	LatestEntry(ctx context.Context, plate string) (*parking.LedgerEntry, error)
	FindEntries(ctx context.Context, filter repository.EntryFilter) ([]parking.LedgerEntry, error)
	History(ctx context.Context, plates []string) ([]parking.LedgerEntry, error)
	DeleteEntry(ctx context.Context, id string) error
}

type OwnerStore interface {
	FindOwnerByPlate(ctx context.Context, plate string) (*parking.Owner, error)
	FindOwnerByBadge(ctx context.Context, uid string) (*parking.Owner, error)
	CreateOwner(ctx context.Context, owner *parking.Owner) error
	ListOwners(ctx context.Context, limit, offset int) ([]parking.Owner, error)
	UpdateOwner(ctx context.Context, owner *parking.Owner) error
	DeleteOwner(ctx context.Context, id string) error
}

type EventStore interface {
	CreateAccessEvent(ctx context.Context, event *parking.AccessEvent) error
	FindAccessEvents(ctx context.Context, lane *parking.Lane, limit int) ([]parking.AccessEvent, error)
}

type Store interface {
	LedgerStore
	OwnerStore
	EventStore
}
