package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/lane"
)

func (h *Handler) listLanes(c *gin.Context) {
	statuses := make([]lane.Status, 0, len(h.lanes))
	for _, l := range h.lanes {
		statuses = append(statuses, l.Status())
	}
	c.JSON(http.StatusOK, successResponse(statuses))
}

func (h *Handler) findLane(param string) (LaneView, bool) {
	kind, err := parking.ParseLane(param)
	if err != nil {
		return nil, false
	}
	for _, l := range h.lanes {
		if l.Kind() == kind {
			return l, true
		}
	}
	return nil, false
}

// streamLane serves the annotated lane video as MJPEG until the client goes away.
func (h *Handler) streamLane(c *gin.Context) {
	view, ok := h.findLane(c.Param("lane"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("unknown lane"))
		return
	}
	if h.encode == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("streaming unavailable"))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	var lastSeq uint64
	var lastDisplay parking.DisplayState
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}

		frame, display, ok := view.Snapshot()
		if !ok || (frame.Seq == lastSeq && display.Equal(lastDisplay)) {
			continue
		}
		lastSeq, lastDisplay = frame.Seq, display

		jpeg, err := h.encode(frame, view.Kind(), display)
		if err != nil {
			h.log.Debug().Err(err).Str("lane", string(view.Kind())).Msg("failed to encode stream frame")
			continue
		}

		if _, err := c.Writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := c.Writer.Write(jpeg); err != nil {
			return
		}
		if _, err := c.Writer.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) live(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("live updates unavailable"))
		return
	}
	h.hub.ServeWS(c.Writer, c.Request)
}
