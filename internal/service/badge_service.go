package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/gate"
)

// BadgeService verifies badge scans against the owner directory and opens the
// authorization window of every gated lane.
type BadgeService struct {
	owners OwnerStore
	gates  []*gate.Gate
	log    zerolog.Logger
}

func NewBadgeService(owners OwnerStore, gates []*gate.Gate, log zerolog.Logger) *BadgeService {
	return &BadgeService{
		owners: owners,
		gates:  gates,
		log:    log.With().Str("component", "badge").Logger(),
	}
}

// Scanned looks up uid. A known badge grants the gates and returns its owner.
func (s *BadgeService) Scanned(ctx context.Context, uid string) (*parking.Owner, bool, error) {
	uid = strings.ToUpper(strings.TrimSpace(uid))
	if uid == "" {
		return nil, false, fmt.Errorf("%w: badge uid is required", ErrInvalidInput)
	}

	owner, err := s.owners.FindOwnerByBadge(ctx, uid)
	if err != nil {
		s.log.Error().Err(err).Str("uid", uid).Msg("failed to verify badge")
		return nil, false, fmt.Errorf("failed to verify badge: %w", err)
	}
	if owner == nil {
		s.log.Warn().Str("uid", uid).Msg("unknown badge")
		return nil, false, nil
	}

	granted := 0
	for _, g := range s.gates {
		if g.Required() {
			g.Grant()
			granted++
		}
	}

	s.log.Info().
		Str("uid", uid).
		Str("owner", owner.Name).
		Int("gates", granted).
		Msg("badge accepted")
	return owner, true, nil
}
