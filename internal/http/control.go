package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"parking-anpr/internal/dispatch"
	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/mqtt"
)

type badgeScanRequest struct {
	UID string `json:"uid" binding:"required"`
}

func (h *Handler) scanBadge(c *gin.Context) {
	var req badgeScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	owner, granted, err := h.badges.Scanned(c.Request.Context(), req.UID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	body := gin.H{"granted": granted}
	if owner != nil {
		body["owner"] = owner.Name
	}
	c.JSON(http.StatusOK, successResponse(body))
}

func (h *Handler) mqttLogs(c *gin.Context) {
	entries := []mqtt.LogEntry{}
	if h.messages != nil {
		entries = h.messages.Entries()
	}
	c.JSON(http.StatusOK, successResponse(entries))
}

// controlRequest drives a barrier ("OPEN"/"CLOSE") or writes a message to the LCD.
type controlRequest struct {
	Target  string `json:"target" binding:"required"`
	Lane    string `json:"lane" binding:"required"`
	Command string `json:"command"`
	Message string `json:"message"`
}

func (h *Handler) control(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("message bus unavailable"))
		return
	}

	kind, err := parking.ParseLane(req.Lane)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	root := h.config.MQTT.RootTopic
	var topic string
	switch strings.ToLower(req.Target) {
	case "barrier":
		command := strings.ToUpper(strings.TrimSpace(req.Command))
		if command != dispatch.BarrierOpen && command != dispatch.BarrierClose {
			c.JSON(http.StatusBadRequest, errorResponse("command must be OPEN or CLOSE"))
			return
		}
		topic = dispatch.BarrierTopic(root, kind)
		err = h.bus.Publish(topic, []byte(command))
	case "lcd":
		if strings.TrimSpace(req.Message) == "" {
			c.JSON(http.StatusBadRequest, errorResponse("message is required"))
			return
		}
		topic = mqtt.LCDTopic(root)
		err = mqtt.NewLCD(h.bus, root).Show(kind, req.Message)
	default:
		c.JSON(http.StatusBadRequest, errorResponse("target must be barrier or lcd"))
		return
	}

	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("manual control publish failed")
		c.JSON(http.StatusBadGateway, errorResponse("publish failed"))
		return
	}

	h.log.Warn().
		Str("target", req.Target).
		Str("lane", string(kind)).
		Str("topic", topic).
		Msg("manual control command sent")
	c.JSON(http.StatusAccepted, successResponse(gin.H{"topic": topic}))
}
