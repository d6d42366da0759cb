package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		plate           TEXT NOT NULL,
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		state           TEXT NOT NULL DEFAULT 'PARKED',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_parked ON ledger_entries(plate) WHERE state = 'PARKED';`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_plate ON ledger_entries(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_entry_time ON ledger_entries(entry_time);`,
	`CREATE TABLE IF NOT EXISTS owners (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		name            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS owner_badges (
		uid             TEXT PRIMARY KEY,
		owner_id        UUID NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS owner_plates (
		plate           TEXT PRIMARY KEY,
		owner_id        UUID NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS access_events (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		lane            TEXT NOT NULL,
		plate           TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		message         TEXT,
		decided_at      TIMESTAMPTZ NOT NULL,
		details         JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_access_events_decided_at ON access_events(decided_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
