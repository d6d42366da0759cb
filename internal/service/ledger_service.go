package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/repository"
	"parking-anpr/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

type LedgerService struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewLedgerService(store Store, log zerolog.Logger) *LedgerService {
	return &LedgerService{
		store: store,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// RecordEntry opens a ledger row for plate. A plate that is already parked yields
// OutcomeAlreadyParked and leaves the ledger untouched.
func (s *LedgerService) RecordEntry(ctx context.Context, plate string) parking.Outcome {
	at := s.now()
	out := parking.Outcome{Lane: parking.LaneEntry, Plate: plate, At: at}

	entry, created, err := s.store.EnterPlate(ctx, plate, at)
	switch {
	case errors.Is(err, repository.ErrConflict):
		out.Kind = parking.OutcomeAlreadyParked
		return out
	case err != nil:
		s.log.Error().Err(err).Str("plate", plate).Msg("failed to record entry")
		out.Kind = parking.OutcomeFailed
		out.Err = fmt.Errorf("failed to record entry: %w", err)
		return out
	}

	if !created {
		since := entry.EntryTime
		out.Kind = parking.OutcomeAlreadyParked
		out.Since = &since
		s.log.Info().Str("plate", plate).Time("since", since).Msg("plate already parked")
		return out
	}

	out.Kind = parking.OutcomeEntryRecorded
	out.Owner = s.ownerName(ctx, plate)

	s.log.Info().
		Str("entry_id", entry.ID).
		Str("plate", plate).
		Str("owner", out.Owner).
		Time("entry_time", at).
		Msg("entry recorded")
	return out
}

// RecordExit closes the open ledger row for plate. Without one it yields
// OutcomeUnknownOrAlreadyExited and leaves the ledger untouched.
func (s *LedgerService) RecordExit(ctx context.Context, plate string) parking.Outcome {
	at := s.now()
	out := parking.Outcome{Lane: parking.LaneExit, Plate: plate, At: at}

	closed, err := s.store.ExitPlate(ctx, plate, at)
	if err != nil {
		s.log.Error().Err(err).Str("plate", plate).Msg("failed to record exit")
		out.Kind = parking.OutcomeFailed
		out.Err = fmt.Errorf("failed to record exit: %w", err)
		return out
	}

	if closed == nil {
		out.Kind = parking.OutcomeUnknownOrAlreadyExited
		s.log.Info().Str("plate", plate).Msg("exit for a plate that is not parked")
		return out
	}

	since := closed.EntryTime
	out.Kind = parking.OutcomeExitRecorded
	out.Since = &since

	s.log.Info().
		Str("entry_id", closed.ID).
		Str("plate", plate).
		Dur("parked_for", at.Sub(since)).
		Msg("exit recorded")
	return out
}

func (s *LedgerService) ownerName(ctx context.Context, plate string) string {
	owner, err := s.store.FindOwnerByPlate(ctx, plate)
	if err != nil {
		s.log.Warn().Err(err).Str("plate", plate).Msg("failed to look up plate owner")
		return ""
	}
	if owner == nil {
		return ""
	}
	return owner.Name
}

func (s *LedgerService) Recent(ctx context.Context, limit int) ([]parking.LedgerEntry, error) {
	entries, err := s.store.FindEntries(ctx, repository.EntryFilter{Limit: repository.ClampLimit(limit)})
	if err != nil {
		return nil, fmt.Errorf("failed to find entries: %w", err)
	}
	return entries, nil
}

type EntriesQuery struct {
	Plate  *string
	State  *string
	From   *string
	To     *string
	Limit  int
	Offset int
}

func (s *LedgerService) ListEntries(ctx context.Context, q EntriesQuery) ([]parking.LedgerEntry, error) {
	filter := repository.EntryFilter{
		Limit:  repository.ClampLimit(q.Limit),
		Offset: q.Offset,
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	if q.Plate != nil && *q.Plate != "" {
		normalized := utils.NormalizePlate(*q.Plate)
		if normalized == "" {
			return nil, fmt.Errorf("%w: invalid plate", ErrInvalidInput)
		}
		filter.Plate = &normalized
	}

	if q.State != nil && *q.State != "" {
		state := parking.EntryState(strings.ToUpper(*q.State))
		if state != parking.StateParked && state != parking.StateDeparted {
			return nil, fmt.Errorf("%w: state must be PARKED or DEPARTED", ErrInvalidInput)
		}
		filter.State = &state
	}

	if q.From != nil && *q.From != "" {
		t, err := time.Parse(time.RFC3339, *q.From)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if q.To != nil && *q.To != "" {
		t, err := time.Parse(time.RFC3339, *q.To)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidInput)
	}

	entries, err := s.store.FindEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find entries: %w", err)
	}
	return entries, nil
}

func (s *LedgerService) LatestEntry(ctx context.Context, plateQuery string) (*parking.LedgerEntry, error) {
	plate := utils.NormalizePlate(plateQuery)
	if plate == "" {
		return nil, fmt.Errorf("%w: invalid plate", ErrInvalidInput)
	}

	entry, err := s.store.LatestEntry(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest entry: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: no entry for %s", ErrNotFound, plate)
	}
	return entry, nil
}

// History returns the full ledger of the given plates, oldest entry first.
func (s *LedgerService) History(ctx context.Context, plateQueries []string) ([]parking.LedgerEntry, error) {
	if len(plateQueries) == 0 {
		return nil, fmt.Errorf("%w: at least one plate is required", ErrInvalidInput)
	}

	plates := make([]string, 0, len(plateQueries))
	for _, q := range plateQueries {
		plate := utils.NormalizePlate(q)
		if plate == "" {
			return nil, fmt.Errorf("%w: invalid plate %q", ErrInvalidInput, q)
		}
		plates = append(plates, plate)
	}

	entries, err := s.store.History(ctx, plates)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

func (s *LedgerService) DeleteEntry(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid entry id", ErrInvalidInput)
	}

	err := s.store.DeleteEntry(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	s.log.Warn().Str("entry_id", id).Msg("ledger entry deleted by administrator")
	return nil
}

type OwnerRequest struct {
	Name   string   `json:"name"`
	Badges []string `json:"badges"`
	Plates []string `json:"plates"`
}

func (s *LedgerService) RegisterOwner(ctx context.Context, req OwnerRequest) (*parking.Owner, error) {
	owner, err := req.owner()
	if err != nil {
		return nil, err
	}

	err = s.store.CreateOwner(ctx, owner)
	if errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("%w: badge or plate already registered", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create owner: %w", err)
	}

	s.log.Info().
		Str("owner_id", owner.ID).
		Str("name", owner.Name).
		Int("badges", len(owner.Badges)).
		Int("plates", len(owner.Plates)).
		Msg("owner registered")
	return owner, nil
}

// owner validates the request and normalizes badge uids and plates.
func (req OwnerRequest) owner() (*parking.Owner, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(req.Badges) == 0 && len(req.Plates) == 0 {
		return nil, fmt.Errorf("%w: at least one badge or plate is required", ErrInvalidInput)
	}

	owner := &parking.Owner{Name: name, Badges: []string{}, Plates: []string{}}
	for _, b := range req.Badges {
		uid := strings.ToUpper(strings.TrimSpace(b))
		if uid == "" {
			return nil, fmt.Errorf("%w: empty badge uid", ErrInvalidInput)
		}
		owner.Badges = append(owner.Badges, uid)
	}
	for _, p := range req.Plates {
		plate := utils.NormalizePlate(p)
		if plate == "" {
			return nil, fmt.Errorf("%w: invalid plate %q", ErrInvalidInput, p)
		}
		owner.Plates = append(owner.Plates, plate)
	}
	return owner, nil
}

func (s *LedgerService) Owners(ctx context.Context, limit, offset int) ([]parking.Owner, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	owners, err := s.store.ListOwners(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	return owners, nil
}

// UpdateOwner replaces the owner's name, badges and plates with the request.
func (s *LedgerService) UpdateOwner(ctx context.Context, id string, req OwnerRequest) (*parking.Owner, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid owner id", ErrInvalidInput)
	}
	owner, err := req.owner()
	if err != nil {
		return nil, err
	}
	owner.ID = id

	err = s.store.UpdateOwner(ctx, owner)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: owner %s", ErrNotFound, id)
	case errors.Is(err, repository.ErrConflict):
		return nil, fmt.Errorf("%w: badge or plate already registered", ErrConflict)
	case err != nil:
		return nil, fmt.Errorf("failed to update owner: %w", err)
	}

	s.log.Info().
		Str("owner_id", owner.ID).
		Str("name", owner.Name).
		Int("badges", len(owner.Badges)).
		Int("plates", len(owner.Plates)).
		Msg("owner updated")
	return owner, nil
}

func (s *LedgerService) DeleteOwner(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid owner id", ErrInvalidInput)
	}

	err := s.store.DeleteOwner(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: owner %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}

	s.log.Warn().Str("owner_id", id).Msg("owner deleted by administrator")
	return nil
}

// RecordAccessEvent appends the outcome to the audit trail.
func (s *LedgerService) RecordAccessEvent(ctx context.Context, out parking.Outcome) error {
	event := &parking.AccessEvent{
		Lane:      out.Lane,
		Plate:     out.Plate,
		Outcome:   out.Kind.String(),
		Message:   out.Message(),
		DecidedAt: out.At,
	}

	details := map[string]interface{}{}
	if out.Owner != "" {
		details["owner"] = out.Owner
	}
	if out.Since != nil {
		details["since"] = out.Since.Format(time.RFC3339)
	}
	if out.Err != nil {
		details["error"] = out.Err.Error()
	}
	if len(details) > 0 {
		event.Details = details
	}

	if err := s.store.CreateAccessEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to create access event: %w", err)
	}
	return nil
}

func (s *LedgerService) AccessEvents(ctx context.Context, laneQuery string, limit int) ([]parking.AccessEvent, error) {
	var lane *parking.Lane
	if laneQuery != "" {
		l, err := parking.ParseLane(laneQuery)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		lane = &l
	}

	events, err := s.store.FindAccessEvents(ctx, lane, repository.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to find access events: %w", err)
	}
	return events, nil
}
