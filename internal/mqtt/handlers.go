package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
)

const (
	ReplyUnlockReady = "UNLOCK_READY"
	ReplyDeny        = "DENY"
)

type BadgeVerifier interface {
	Scanned(ctx context.Context, uid string) (*parking.Owner, bool, error)
}

// BadgeHandler answers badge reader scans on the reply topic.
type BadgeHandler struct {
	verifier   BadgeVerifier
	publisher  Publisher
	replyTopic string
	log        zerolog.Logger
}

func NewBadgeHandler(verifier BadgeVerifier, publisher Publisher, replyTopic string, log zerolog.Logger) *BadgeHandler {
	return &BadgeHandler{
		verifier:   verifier,
		publisher:  publisher,
		replyTopic: replyTopic,
		log:        log.With().Str("component", "badge_reader").Logger(),
	}
}

func (h *BadgeHandler) Handle(ctx context.Context, payload []byte) {
	uid := strings.TrimSpace(string(payload))
	if uid == "" {
		return
	}

	reply := ReplyDeny
	owner, ok, err := h.verifier.Scanned(ctx, uid)
	if err != nil {
		h.log.Warn().Err(err).Str("uid", uid).Msg("badge verification failed")
	} else if ok {
		reply = ReplyUnlockReady
		h.log.Info().Str("uid", uid).Str("owner", owner.Name).Msg("badge accepted")
	}

	if err := h.publisher.Publish(h.replyTopic, []byte(reply)); err != nil {
		h.log.Warn().Err(err).Str("topic", h.replyTopic).Msg("failed to reply to badge reader")
	}
}

// LCD mirrors lane messages on the display topic.
type LCD struct {
	publisher Publisher
	topic     string
}

func NewLCD(publisher Publisher, rootTopic string) *LCD {
	return &LCD{publisher: publisher, topic: LCDTopic(rootTopic)}
}

func LCDTopic(root string) string {
	return root + "/lcd"
}

type lcdMessage struct {
	Lane    parking.Lane `json:"lane"`
	Message string       `json:"message"`
}

func (d *LCD) Show(lane parking.Lane, message string) error {
	payload, err := json.Marshal(lcdMessage{Lane: lane, Message: message})
	if err != nil {
		return err
	}
	return d.publisher.Publish(d.topic, payload)
}
