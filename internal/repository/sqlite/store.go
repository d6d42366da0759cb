// Package sqlite is the embedded ledger backend used when no postgres DSN is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/repository"
)

// Store implements the ledger, owner directory and audit trail on a single sqlite file.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		plate TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME,
		state TEXT NOT NULL DEFAULT 'PARKED',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_parked ON ledger_entries(plate) WHERE state = 'PARKED';
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_plate ON ledger_entries(plate);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_entry_time ON ledger_entries(entry_time);

	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS owner_badges (
		uid TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES owners(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS owner_plates (
		plate TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES owners(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS access_events (
		id TEXT PRIMARY KEY,
		lane TEXT NOT NULL,
		plate TEXT NOT NULL,
		outcome TEXT NOT NULL,
		message TEXT,
		decided_at DATETIME NOT NULL,
		details TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_access_events_decided_at ON access_events(decided_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const entryColumns = "id, plate, entry_time, exit_time, state"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (parking.LedgerEntry, error) {
	var (
		e     parking.LedgerEntry
		exit  sql.NullTime
		state string
	)
	if err := row.Scan(&e.ID, &e.Plate, &e.EntryTime, &exit, &state); err != nil {
		return parking.LedgerEntry{}, err
	}
	if exit.Valid {
		t := exit.Time
		e.ExitTime = &t
	}
	e.State = parking.EntryState(state)
	return e, nil
}

// EnterPlate opens a PARKED row for plate unless one is already open. It returns the open
// row and whether this call created it.
func (s *Store) EnterPlate(ctx context.Context, plate string, at time.Time) (parking.LedgerEntry, bool, error) {
	// Timestamps are stored as text, so only one zone keeps them ordered.
	at = at.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return parking.LedgerEntry{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	open, err := scanEntry(tx.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE plate = ? AND state = ?", plate, string(parking.StateParked)))
	if err == nil {
		return open, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return parking.LedgerEntry{}, false, fmt.Errorf("failed to query open entry: %w", err)
	}

	entry := parking.LedgerEntry{
		ID:        uuid.NewString(),
		Plate:     plate,
		EntryTime: at,
		State:     parking.StateParked,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, plate, entry_time, state)
		VALUES (?, ?, ?, ?)
	`, entry.ID, entry.Plate, entry.EntryTime, string(entry.State))
	if err != nil {
		if isUniqueViolation(err) {
			return parking.LedgerEntry{}, false, fmt.Errorf("%w: %s", repository.ErrConflict, plate)
		}
		return parking.LedgerEntry{}, false, fmt.Errorf("failed to insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return parking.LedgerEntry{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, true, nil
}

// ExitPlate closes the open row for plate. It returns nil when no row was open.
func (s *Store) ExitPlate(ctx context.Context, plate string, at time.Time) (*parking.LedgerEntry, error) {
	at = at.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	open, err := scanEntry(tx.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE plate = ? AND state = ?", plate, string(parking.StateParked)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open entry: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE ledger_entries SET exit_time = ?, state = ? WHERE id = ? AND state = ?",
		at, string(parking.StateDeparted), open.ID, string(parking.StateParked))
	if err != nil {
		return nil, fmt.Errorf("failed to close entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	open.ExitTime = &at
	open.State = parking.StateDeparted
	return &open, nil
}

func (s *Store) LatestEntry(ctx context.Context, plate string) (*parking.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE plate = ? ORDER BY entry_time DESC LIMIT 1", plate))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest entry: %w", err)
	}
	return &e, nil
}

func (s *Store) FindEntries(ctx context.Context, filter repository.EntryFilter) ([]parking.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE 1=1"
	args := []interface{}{}

	if filter.Plate != nil {
		query += " AND plate = ?"
		args = append(args, *filter.Plate)
	}
	if filter.State != nil {
		query += " AND state = ?"
		args = append(args, string(*filter.State))
	}
	if filter.From != nil {
		query += " AND entry_time >= ?"
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		query += " AND entry_time <= ?"
		args = append(args, filter.To.UTC())
	}

	query += " ORDER BY entry_time DESC LIMIT ?"
	args = append(args, repository.ClampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return s.queryEntries(ctx, query, args...)
}

// History returns every row of the given plates, oldest entry first.
func (s *Store) History(ctx context.Context, plates []string) ([]parking.LedgerEntry, error) {
	if len(plates) == 0 {
		return []parking.LedgerEntry{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(plates)), ",")
	args := make([]interface{}, 0, len(plates))
	for _, p := range plates {
		args = append(args, p)
	}

	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE plate IN (" + placeholders + ") ORDER BY entry_time ASC"
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]parking.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []parking.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM ledger_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) FindOwnerByPlate(ctx context.Context, plate string) (*parking.Owner, error) {
	return s.findOwner(ctx, "SELECT owner_id FROM owner_plates WHERE plate = ?", plate)
}

func (s *Store) FindOwnerByBadge(ctx context.Context, uid string) (*parking.Owner, error) {
	return s.findOwner(ctx, "SELECT owner_id FROM owner_badges WHERE uid = ?", uid)
}

func (s *Store) findOwner(ctx context.Context, lookup string, key string) (*parking.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx, lookup, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up owner: %w", err)
	}
	return s.loadOwner(ctx, id)
}

// loadOwner reads one owner with its badges and plates. Callers hold s.mu.
func (s *Store) loadOwner(ctx context.Context, id string) (*parking.Owner, error) {
	owner := parking.Owner{ID: id}
	err := s.db.QueryRowContext(ctx, "SELECT name FROM owners WHERE id = ?", id).Scan(&owner.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load owner: %w", err)
	}

	if owner.Badges, err = s.column(ctx, "SELECT uid FROM owner_badges WHERE owner_id = ? ORDER BY uid", id); err != nil {
		return nil, err
	}
	if owner.Plates, err = s.column(ctx, "SELECT plate FROM owner_plates WHERE owner_id = ? ORDER BY plate", id); err != nil {
		return nil, err
	}
	return &owner, nil
}

// ListOwners pages through the directory ordered by name.
func (s *Store) ListOwners(ctx context.Context, limit, offset int) ([]parking.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id FROM owners ORDER BY name, id LIMIT ?"
	args := []interface{}{repository.ClampLimit(limit)}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	ids, err := s.column(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	owners := make([]parking.Owner, 0, len(ids))
	for _, id := range ids {
		owner, err := s.loadOwner(ctx, id)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			owners = append(owners, *owner)
		}
	}
	return owners, nil
}

func (s *Store) column(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// CreateOwner stores an owner with its badges and plates. A badge or plate that already
// belongs to someone yields repository.ErrConflict.
func (s *Store) CreateOwner(ctx context.Context, owner *parking.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT INTO owners (id, name) VALUES (?, ?)", owner.ID, owner.Name); err != nil {
		return conflictOr(err, "failed to insert owner")
	}
	if err := insertCredentials(ctx, tx, owner); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateOwner replaces the name, badges and plates of an existing owner.
func (s *Store) UpdateOwner(ctx context.Context, owner *parking.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE owners SET name = ? WHERE id = ?", owner.Name, owner.ID)
	if err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM owner_badges WHERE owner_id = ?", owner.ID); err != nil {
		return fmt.Errorf("failed to clear badges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM owner_plates WHERE owner_id = ?", owner.ID); err != nil {
		return fmt.Errorf("failed to clear plates: %w", err)
	}
	if err := insertCredentials(ctx, tx, owner); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteOwner removes an owner. Badges and plates go with it through the cascade.
func (s *Store) DeleteOwner(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM owners WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func insertCredentials(ctx context.Context, tx *sql.Tx, owner *parking.Owner) error {
	for _, uid := range owner.Badges {
		if _, err := tx.ExecContext(ctx, "INSERT INTO owner_badges (uid, owner_id) VALUES (?, ?)", uid, owner.ID); err != nil {
			return conflictOr(err, "failed to insert badge")
		}
	}
	for _, plate := range owner.Plates {
		if _, err := tx.ExecContext(ctx, "INSERT INTO owner_plates (plate, owner_id) VALUES (?, ?)", plate, owner.ID); err != nil {
			return conflictOr(err, "failed to insert plate")
		}
	}
	return nil
}

func conflictOr(err error, msg string) error {
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (s *Store) CreateAccessEvent(ctx context.Context, event *parking.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	var details interface{}
	if len(event.Details) > 0 {
		details = datatypes.JSONMap(event.Details)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_events (id, lane, plate, outcome, message, decided_at, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Lane), event.Plate, event.Outcome, event.Message, event.DecidedAt.UTC(), details)
	if err != nil {
		return fmt.Errorf("failed to insert access event: %w", err)
	}
	return nil
}

func (s *Store) FindAccessEvents(ctx context.Context, lane *parking.Lane, limit int) ([]parking.AccessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, lane, plate, outcome, message, decided_at, details FROM access_events WHERE 1=1"
	args := []interface{}{}
	if lane != nil {
		query += " AND lane = ?"
		args = append(args, string(*lane))
	}
	query += " ORDER BY decided_at DESC LIMIT ?"
	args = append(args, repository.ClampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access events: %w", err)
	}
	defer rows.Close()

	events := []parking.AccessEvent{}
	for rows.Next() {
		var (
			ev       parking.AccessEvent
			laneName string
			message  sql.NullString
			details  datatypes.JSONMap
		)
		if err := rows.Scan(&ev.ID, &laneName, &ev.Plate, &ev.Outcome, &message, &ev.DecidedAt, &details); err != nil {
			return nil, fmt.Errorf("failed to scan access event: %w", err)
		}
		ev.Lane = parking.Lane(laneName)
		ev.Message = message.String
		if len(details) > 0 {
			ev.Details = map[string]interface{}(details)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
