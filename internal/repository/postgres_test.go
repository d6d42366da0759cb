package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/db"
	"parking-anpr/internal/domain/parking"
)

// newPostgresRepository connects to PARKING_TEST_POSTGRES_DSN and empties every table.
func newPostgresRepository(t *testing.T) *LedgerRepository {
	t.Helper()
	dsn := os.Getenv("PARKING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARKING_TEST_POSTGRES_DSN not set")
	}

	gdb, err := db.Connect(dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })

	if err := gdb.Exec("TRUNCATE ledger_entries, owner_badges, owner_plates, owners, access_events").Error; err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewLedgerRepository(gdb)
}

var pgBase = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestLedgerRepository_EnterTwiceKeepsOneOpenRow(t *testing.T) {
	r := newPostgresRepository(t)
	ctx := context.Background()

	first, created, err := r.EnterPlate(ctx, "AB-123-CD", pgBase)
	if err != nil || !created {
		t.Fatalf("EnterPlate: created=%v err=%v", created, err)
	}
	second, created, err := r.EnterPlate(ctx, "AB-123-CD", pgBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("EnterPlate: %v", err)
	}
	if created || second.ID != first.ID || !second.EntryTime.Equal(pgBase) {
		t.Errorf("Expected the existing row back, got %+v created=%v", second, created)
	}
}

func TestLedgerRepository_ConcurrentEntriesOpenOneRow(t *testing.T) {
	r := newPostgresRepository(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := r.EnterPlate(ctx, "AB-123-CD", pgBase.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Errorf("EnterPlate: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly one created row, got %d", created)
	}
	parked := parking.StateParked
	plate := "AB-123-CD"
	rows, err := r.FindEntries(ctx, EntryFilter{Plate: &plate, State: &parked})
	if err != nil || len(rows) != 1 {
		t.Errorf("Expected one open row, got %d (%v)", len(rows), err)
	}
}

func TestLedgerRepository_Exit(t *testing.T) {
	r := newPostgresRepository(t)
	ctx := context.Background()

	if closed, err := r.ExitPlate(ctx, "ZZ-999-ZZ", pgBase); err != nil || closed != nil {
		t.Fatalf("Exit of unknown plate: %+v %v", closed, err)
	}

	entered, _, _ := r.EnterPlate(ctx, "AB-123-CD", pgBase)
	closed, err := r.ExitPlate(ctx, "AB-123-CD", pgBase.Add(time.Hour))
	if err != nil || closed == nil {
		t.Fatalf("ExitPlate: %+v %v", closed, err)
	}
	if closed.ID != entered.ID || closed.State != parking.StateDeparted {
		t.Errorf("Unexpected closed row: %+v", closed)
	}
	if again, _ := r.ExitPlate(ctx, "AB-123-CD", pgBase.Add(2*time.Hour)); again != nil {
		t.Errorf("Second exit should find nothing, got %+v", again)
	}
}

func TestLedgerRepository_Owners(t *testing.T) {
	r := newPostgresRepository(t)
	ctx := context.Background()

	alice := &parking.Owner{Name: "Alice", Badges: []string{"04A1B2C3"}, Plates: []string{"AB-123-CD"}}
	if err := r.CreateOwner(ctx, alice); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	dup := &parking.Owner{Name: "Bob", Plates: []string{"AB-123-CD"}}
	if err := r.CreateOwner(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for a taken plate, got %v", err)
	}

	alice.Badges = []string{"04FFFFFF"}
	if err := r.UpdateOwner(ctx, alice); err != nil {
		t.Fatalf("UpdateOwner: %v", err)
	}
	if got, _ := r.FindOwnerByBadge(ctx, "04FFFFFF"); got == nil || got.ID != alice.ID {
		t.Errorf("Update not applied: %+v", got)
	}
	owners, err := r.ListOwners(ctx, 10, 0)
	if err != nil || len(owners) != 1 {
		t.Errorf("ListOwners: %+v %v", owners, err)
	}

	if err := r.DeleteOwner(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteOwner: %v", err)
	}
	if got, _ := r.FindOwnerByPlate(ctx, "AB-123-CD"); got != nil {
		t.Errorf("Plate should cascade with its owner, got %+v", got)
	}
	if err := r.DeleteOwner(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLedgerRepository_AccessEvents(t *testing.T) {
	r := newPostgresRepository(t)
	ctx := context.Background()

	event := &parking.AccessEvent{Lane: parking.LaneEntry, Plate: "AB-123-CD", Outcome: "ENTRY_RECORDED",
		Message: "Welcome!", DecidedAt: pgBase, Details: map[string]interface{}{"owner": "Alice"}}
	if err := r.CreateAccessEvent(ctx, event); err != nil {
		t.Fatalf("CreateAccessEvent: %v", err)
	}

	events, err := r.FindAccessEvents(ctx, nil, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("FindAccessEvents: %+v %v", events, err)
	}
	if events[0].Details["owner"] != "Alice" || events[0].Message != "Welcome!" {
		t.Errorf("Event not round-tripped: %+v", events[0])
	}
}
