package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/lane"
	"parking-anpr/internal/live"
	"parking-anpr/internal/mqtt"
	"parking-anpr/internal/service"
)

// LaneView is the read side of a running lane.
type LaneView interface {
	Kind() parking.Lane
	Status() lane.Status
	Snapshot() (parking.Frame, parking.DisplayState, bool)
}

// FrameEncoder renders a frame with its display state as a JPEG.
type FrameEncoder func(frame parking.Frame, lane parking.Lane, state parking.DisplayState) ([]byte, error)

type Dependencies struct {
	Ledger   *service.LedgerService
	Badges   *service.BadgeService
	Lanes    []LaneView
	Live     *live.Hub
	Bus      mqtt.Publisher
	Messages *mqtt.MessageLog
	// BusStats is nil when MQTT is disabled
	BusStats func() mqtt.Stats
	Encode   FrameEncoder
}

type Handler struct {
	ledger         *service.LedgerService
	badges         *service.BadgeService
	lanes          []LaneView
	hub            *live.Hub
	bus            mqtt.Publisher
	messages       *mqtt.MessageLog
	busStats       func() mqtt.Stats
	encode         FrameEncoder
	config         *config.Config
	log            zerolog.Logger
	streamInterval time.Duration
}

func NewHandler(
	deps Dependencies,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	interval := cfg.Recognition.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Handler{
		ledger:         deps.Ledger,
		badges:         deps.Badges,
		lanes:          deps.Lanes,
		hub:            deps.Live,
		bus:            deps.Bus,
		messages:       deps.Messages,
		busStats:       deps.BusStats,
		encode:         deps.Encode,
		config:         cfg,
		log:            log,
		streamInterval: interval,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/health", h.health)
		public.GET("/ledger/recent", h.recentEntries)
		public.GET("/ledger/entries", h.listEntries)
		public.GET("/ledger/plates/:plate", h.latestEntry)
		public.GET("/ledger/history", h.history)
		public.GET("/events", h.listAccessEvents)
		public.GET("/lanes", h.listLanes)
		public.GET("/lanes/:lane/stream", h.streamLane)
		public.GET("/live", h.live)
		public.GET("/mqtt/logs", h.mqttLogs)
	}

	// Admin endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.DELETE("/ledger/:id", h.deleteEntry)
		protected.GET("/owners", h.listOwners)
		protected.POST("/owners", h.createOwner)
		protected.PUT("/owners/:id", h.updateOwner)
		protected.DELETE("/owners/:id", h.deleteOwner)
		protected.POST("/badges/scan", h.scanBadge)
		protected.POST("/control", h.control)
	}
}

func (h *Handler) recentEntries(c *gin.Context) {
	entries, err := h.ledger.Recent(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entries))
}

func (h *Handler) listEntries(c *gin.Context) {
	query := service.EntriesQuery{
		Plate:  optionalQuery(c, "plate"),
		State:  optionalQuery(c, "state"),
		From:   optionalQuery(c, "from"),
		To:     optionalQuery(c, "to"),
		Limit:  queryLimit(c),
		Offset: queryOffset(c),
	}

	entries, err := h.ledger.ListEntries(c.Request.Context(), query)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entries))
}

func (h *Handler) latestEntry(c *gin.Context) {
	entry, err := h.ledger.LatestEntry(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entry))
}

func (h *Handler) history(c *gin.Context) {
	var plates []string
	for _, p := range c.QueryArray("plate") {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				plates = append(plates, part)
			}
		}
	}
	if len(plates) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	entries, err := h.ledger.History(c.Request.Context(), plates)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entries))
}

func (h *Handler) deleteEntry(c *gin.Context) {
	if err := h.ledger.DeleteEntry(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listAccessEvents(c *gin.Context) {
	events, err := h.ledger.AccessEvents(c.Request.Context(), strings.TrimSpace(c.Query("lane")), queryLimit(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) createOwner(c *gin.Context) {
	var req service.OwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	owner, err := h.ledger.RegisterOwner(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(owner))
}

func (h *Handler) listOwners(c *gin.Context) {
	owners, err := h.ledger.Owners(c.Request.Context(), queryLimit(c), queryOffset(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(owners))
}

func (h *Handler) updateOwner(c *gin.Context) {
	var req service.OwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	owner, err := h.ledger.UpdateOwner(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(owner))
}

func (h *Handler) deleteOwner(c *gin.Context) {
	if err := h.ledger.DeleteOwner(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"lanes":  len(h.lanes),
	}
	if h.hub != nil {
		body["viewers"] = h.hub.ClientCount()
	}
	if h.busStats != nil {
		body["mqtt"] = h.busStats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func optionalQuery(c *gin.Context, key string) *string {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		return &v
	}
	return nil
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func queryOffset(c *gin.Context) int {
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return offset
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
