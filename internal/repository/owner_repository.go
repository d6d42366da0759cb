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

func (r *LedgerRepository) FindOwnerByPlate(ctx context.Context, plate string) (*parking.Owner, error) {
	var link OwnerPlate
	err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadOwner(ctx, link.OwnerID)
}

func (r *LedgerRepository) FindOwnerByBadge(ctx context.Context, uid string) (*parking.Owner, error) {
	var link OwnerBadge
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadOwner(ctx, link.OwnerID)
}

func (r *LedgerRepository) loadOwner(ctx context.Context, id string) (*parking.Owner, error) {
	var owner Owner
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var badges []string
	if err := r.db.WithContext(ctx).Model(&OwnerBadge{}).Where("owner_id = ?", id).Order("uid").Pluck("uid", &badges).Error; err != nil {
		return nil, err
	}
	var plates []string
	if err := r.db.WithContext(ctx).Model(&OwnerPlate{}).Where("owner_id = ?", id).Order("plate").Pluck("plate", &plates).Error; err != nil {
		return nil, err
	}

	return &parking.Owner{ID: owner.ID, Name: owner.Name, Badges: badges, Plates: plates}, nil
}

// ListOwners pages through the directory ordered by name.
func (r *LedgerRepository) ListOwners(ctx context.Context, limit, offset int) ([]parking.Owner, error) {
	var ids []string
	query := r.db.WithContext(ctx).Model(&Owner{}).Order("name, id").Limit(ClampLimit(limit))
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	owners := make([]parking.Owner, 0, len(ids))
	for _, id := range ids {
		owner, err := r.loadOwner(ctx, id)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			owners = append(owners, *owner)
		}
	}
	return owners, nil
}

// CreateOwner stores an owner with its badges and plates. A badge or plate that already
// belongs to someone yields ErrConflict.
func (r *LedgerRepository) CreateOwner(ctx context.Context, owner *parking.Owner) error {
	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	now := time.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Owner{ID: owner.ID, Name: owner.Name, CreatedAt: now}).Error; err != nil {
			return err
		}
		return createCredentials(tx, owner, now)
	})
	return translateConflict(err)
}

// UpdateOwner replaces the name, badges and plates of an existing owner.
func (r *LedgerRepository) UpdateOwner(ctx context.Context, owner *parking.Owner) error {
	now := time.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Owner{}).Where("id = ?", owner.ID).Update("name", owner.Name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.Where("owner_id = ?", owner.ID).Delete(&OwnerBadge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_id = ?", owner.ID).Delete(&OwnerPlate{}).Error; err != nil {
			return err
		}
		return createCredentials(tx, owner, now)
	})
	return translateConflict(err)
}

// DeleteOwner removes an owner. Badges and plates go with it through the cascade.
func (r *LedgerRepository) DeleteOwner(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Owner{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func createCredentials(tx *gorm.DB, owner *parking.Owner, now time.Time) error {
	for _, uid := range owner.Badges {
		if err := tx.Create(&OwnerBadge{UID: uid, OwnerID: owner.ID, CreatedAt: now}).Error; err != nil {
			return err
		}
	}
	for _, plate := range owner.Plates {
		if err := tx.Create(&OwnerPlate{Plate: plate, OwnerID: owner.ID, CreatedAt: now}).Error; err != nil {
			return err
		}
	}
	return nil
}

// translateConflict maps a unique violation, already translated by gorm, to ErrConflict.
func translateConflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (r *LedgerRepository) CreateAccessEvent(ctx context.Context, event *parking.AccessEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	dbEvent := AccessEvent{
		ID:        event.ID,
		Lane:      string(event.Lane),
		Plate:     event.Plate,
		Outcome:   event.Outcome,
		DecidedAt: event.DecidedAt,
		CreatedAt: time.Now(),
	}
	if event.Message != "" {
		dbEvent.Message = &event.Message
	}
	if len(event.Details) > 0 {
		dbEvent.Details = datatypes.JSONMap(event.Details)
	}

	return r.db.WithContext(ctx).Create(&dbEvent).Error
}

func (r *LedgerRepository) FindAccessEvents(ctx context.Context, lane *parking.Lane, limit int) ([]parking.AccessEvent, error) {
	query := r.db.WithContext(ctx).Model(&AccessEvent{})
	if lane != nil {
		query = query.Where("lane = ?", string(*lane))
	}

	var rows []AccessEvent
	if err := query.Order("decided_at DESC").Limit(ClampLimit(limit)).Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]parking.AccessEvent, 0, len(rows))
	for _, e := range rows {
		ev := parking.AccessEvent{
			ID:        e.ID,
			Lane:      parking.Lane(e.Lane),
			Plate:     e.Plate,
			Outcome:   e.Outcome,
			DecidedAt: e.DecidedAt,
			Details:   map[string]interface{}(e.Details),
		}
		if e.Message != nil {
			ev.Message = *e.Message
		}
		result = append(result, ev)
	}
	return result, nil
}
