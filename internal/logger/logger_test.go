package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"parking-anpr/internal/config"
)

func TestNewWithWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "warn"}, &buf)

	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Info should be filtered at warn level, got %q", buf.String())
	}

	log.Warn().Str("lane", "entry").Msg("visible")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if line["lane"] != "entry" || line["message"] != "visible" {
		t.Errorf("Unexpected log line: %v", line)
	}
}

func TestNewWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "chatty"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Error("Debug should be filtered at default info level")
	}
	if !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Error("Info should pass at default level")
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "info"}, &buf)

	r := gin.New()
	r.Use(GinMiddleware(log))
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if line["level"] != "warn" {
		t.Errorf("Expected warn level for 404, got %v", line["level"])
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Errorf("Expected status 404, got %v", line["status"])
	}
}
