package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-anpr/internal/domain/parking"
)

// LedgerRepository is the postgres-backed store for the parking ledger, the owner
// directory and the access audit trail.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

type LedgerEntry struct {
	ID        string     `gorm:"primaryKey;type:uuid"`
	Plate     string     `gorm:"not null"`
	EntryTime time.Time  `gorm:"not null"`
	ExitTime  *time.Time `gorm:"column:exit_time"`
	State     string     `gorm:"not null"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
}

type Owner struct {
	ID        string    `gorm:"primaryKey;type:uuid"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

type OwnerBadge struct {
	UID       string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;type:uuid"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

type OwnerPlate struct {
	Plate     string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;type:uuid"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

type AccessEvent struct {
	ID        string            `gorm:"primaryKey;type:uuid"`
	Lane      string            `gorm:"not null"`
	Plate     string            `gorm:"not null"`
	Outcome   string            `gorm:"not null"`
	Message   *string           `gorm:"column:message"`
	DecidedAt time.Time         `gorm:"not null"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"autoCreateTime"`
}

func (e LedgerEntry) toDomain() parking.LedgerEntry {
	return parking.LedgerEntry{
		ID:        e.ID,
		Plate:     e.Plate,
		EntryTime: e.EntryTime,
		ExitTime:  e.ExitTime,
		State:     parking.EntryState(e.State),
	}
}

// EnterPlate opens a PARKED row for plate unless one is already open. It returns the open
// row and whether this call created it.
func (r *LedgerRepository) EnterPlate(ctx context.Context, plate string, at time.Time) (parking.LedgerEntry, bool, error) {
	var (
		result  LedgerEntry
		created bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("plate = ? AND state = ?", plate, parking.StateParked).First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		result = LedgerEntry{
			ID:        uuid.NewString(),
			Plate:     plate,
			EntryTime: at,
			State:     string(parking.StateParked),
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		created = true
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race against a concurrent insert; the partial unique index kept one row
		open, findErr := r.findOpen(ctx, plate)
		if findErr != nil {
			return parking.LedgerEntry{}, false, findErr
		}
		return open.toDomain(), false, nil
	}
	if err != nil {
		return parking.LedgerEntry{}, false, err
	}
	return result.toDomain(), created, nil
}

// ExitPlate closes the open row for plate. It returns nil when no row was open.
func (r *LedgerRepository) ExitPlate(ctx context.Context, plate string, at time.Time) (*parking.LedgerEntry, error) {
	var closed LedgerEntry

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plate = ? AND state = ?", plate, parking.StateParked).First(&closed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNoOpenRow
			}
			return err
		}

		res := tx.Model(&LedgerEntry{}).
			Where("id = ? AND state = ?", closed.ID, parking.StateParked).
			Updates(map[string]interface{}{"exit_time": at, "state": string(parking.StateDeparted)})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errNoOpenRow
		}

		closed.ExitTime = &at
		closed.State = string(parking.StateDeparted)
		return nil
	})

	if errors.Is(err, errNoOpenRow) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := closed.toDomain()
	return &entry, nil
}

func (r *LedgerRepository) findOpen(ctx context.Context, plate string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := r.db.WithContext(ctx).
		Where("plate = ? AND state = ?", plate, parking.StateParked).
		First(&entry).Error
	return entry, err
}

func (r *LedgerRepository) LatestEntry(ctx context.Context, plate string) (*parking.LedgerEntry, error) {
	var entry LedgerEntry
	err := r.db.WithContext(ctx).
		Where("plate = ?", plate).
		Order("entry_time DESC").
		First(&entry).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := entry.toDomain()
	return &result, nil
}

func (r *LedgerRepository) FindEntries(ctx context.Context, filter EntryFilter) ([]parking.LedgerEntry, error) {
	query := r.db.WithContext(ctx).Model(&LedgerEntry{})

	if filter.Plate != nil {
		query = query.Where("plate = ?", *filter.Plate)
	}
	if filter.State != nil {
		query = query.Where("state = ?", string(*filter.State))
	}
	if filter.From != nil {
		query = query.Where("entry_time >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("entry_time <= ?", *filter.To)
	}

	query = query.Order("entry_time DESC").Limit(ClampLimit(filter.Limit))
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainEntries(rows), nil
}

// History returns every row of the given plates, oldest entry first.
func (r *LedgerRepository) History(ctx context.Context, plates []string) ([]parking.LedgerEntry, error) {
	if len(plates) == 0 {
		return []parking.LedgerEntry{}, nil
	}

	var rows []LedgerEntry
	err := r.db.WithContext(ctx).
		Where("plate IN ?", plates).
		Order("entry_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainEntries(rows), nil
}

func (r *LedgerRepository) DeleteEntry(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&LedgerEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func toDomainEntries(rows []LedgerEntry) []parking.LedgerEntry {
	result := make([]parking.LedgerEntry, 0, len(rows))
	for _, e := range rows {
		result = append(result, e.toDomain())
	}
	return result
}
