package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/gate"
	"parking-anpr/internal/lane"
	"parking-anpr/internal/mqtt"
	"parking-anpr/internal/repository/sqlite"
	"parking-anpr/internal/service"
)

const testSecret = "test-secret"

type fakeLane struct {
	kind parking.Lane
	mu   sync.Mutex
	seq  uint64
}

func (l *fakeLane) Kind() parking.Lane { return l.kind }

func (l *fakeLane) Status() lane.Status {
	return lane.Status{Lane: l.kind, Voter: "IDLE", Samples: 3}
}

func (l *fakeLane) Snapshot() (parking.Frame, parking.DisplayState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	frame := parking.Frame{Seq: l.seq, Width: 1, Height: 1, Channels: 1, Data: []byte{0}}
	return frame, parking.DisplayState{Message: "...", Highlight: parking.HighlightIdle}, true
}

type recordingBus struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	err      error
}

func (b *recordingBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, string(payload))
	return nil
}

type testEnv struct {
	router   *gin.Engine
	ledger   *service.LedgerService
	entryG   *gate.Gate
	bus      *recordingBus
	messages *mqtt.MessageLog
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "parking.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Server:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		Recognition: config.RecognitionConfig{Interval: 5 * time.Millisecond},
		MQTT:        config.MQTTConfig{RootTopic: "parking"},
		Auth:        config.AuthConfig{JWTSecret: testSecret},
	}

	log := zerolog.Nop()
	entryGate := gate.New(time.Minute)
	ledger := service.NewLedgerService(store, log)
	bus := &recordingBus{}
	messages := mqtt.NewMessageLog(5)

	h := NewHandler(Dependencies{
		Ledger:   ledger,
		Badges:   service.NewBadgeService(store, []*gate.Gate{entryGate}, log),
		Lanes:    []LaneView{&fakeLane{kind: parking.LaneEntry}, &fakeLane{kind: parking.LaneExit}},
		Bus:      bus,
		Messages: messages,
		Encode: func(frame parking.Frame, _ parking.Lane, _ parking.DisplayState) ([]byte, error) {
			return []byte("jpeg-bytes"), nil
		},
	}, cfg, log)

	return &testEnv{
		router:   NewRouter(h, cfg, log),
		ledger:   ledger,
		entryG:   entryGate,
		bus:      bus,
		messages: messages,
	}
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := IssueToken(testSecret, "operator", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"lanes":2`) {
		t.Errorf("Expected lane count in body, got %s", w.Body.String())
	}
}

func TestLedgerEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	if out := env.ledger.RecordEntry(ctx, "AB-123-CD"); out.Kind != parking.OutcomeEntryRecorded {
		t.Fatalf("Expected entry recorded, got %v", out.Kind)
	}

	w, resp := env.do(t, http.MethodGet, "/api/v1/ledger/recent", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var entries []parking.LedgerEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		t.Fatalf("Failed to decode entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Plate != "AB-123-CD" || entries[0].State != parking.StateParked {
		t.Errorf("Unexpected entries %+v", entries)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v1/ledger/plates/ab123cd", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for known plate, got %d", w.Code)
	}
	var latest parking.LedgerEntry
	if err := json.Unmarshal(resp.Data, &latest); err != nil {
		t.Fatalf("Failed to decode entry: %v", err)
	}
	if latest.ID != entries[0].ID {
		t.Errorf("Expected latest entry %s, got %s", entries[0].ID, latest.ID)
	}

	w, _ = env.do(t, http.MethodGet, "/api/v1/ledger/history?plate=AB-123-CD", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for history, got %d", w.Code)
	}
}

func TestLedgerEndpoints_Errors(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown plate", "/api/v1/ledger/plates/ZZ-999-ZZ", http.StatusNotFound},
		{"invalid plate", "/api/v1/ledger/plates/xx", http.StatusBadRequest},
		{"invalid state", "/api/v1/ledger/entries?state=bogus", http.StatusBadRequest},
		{"invalid from", "/api/v1/ledger/entries?from=yesterday", http.StatusBadRequest},
		{"history without plate", "/api/v1/ledger/history", http.StatusBadRequest},
		{"invalid lane filter", "/api/v1/events?lane=side", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodGet, tt.path, nil, "")
			if w.Code != tt.code {
				t.Errorf("Expected %d, got %d (%s)", tt.code, w.Code, w.Body.String())
			}
			if resp.Error == "" {
				t.Error("Expected an error message")
			}
		})
	}
}

func TestDeleteEntry_RequiresAdmin(t *testing.T) {
	env := setupTestEnv(t)
	out := env.ledger.RecordEntry(context.Background(), "AB-123-CD")
	if out.Kind != parking.OutcomeEntryRecorded {
		t.Fatalf("Expected entry recorded, got %v", out.Kind)
	}
	entries, err := env.ledger.Recent(context.Background(), 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Recent: %v %d", err, len(entries))
	}
	path := "/api/v1/ledger/" + entries[0].ID

	w, _ := env.do(t, http.MethodDelete, path, nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	w, _ = env.do(t, http.MethodDelete, path, nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for garbage token, got %d", w.Code)
	}

	viewer := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "viewer"})
	viewerToken, err := viewer.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	w, _ = env.do(t, http.MethodDelete, path, nil, viewerToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for viewer role, got %d", w.Code)
	}

	token := adminToken(t)
	w, _ = env.do(t, http.MethodDelete, "/api/v1/ledger/not-a-uuid", nil, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad id, got %d", w.Code)
	}

	w, _ = env.do(t, http.MethodDelete, path, nil, token)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w, _ = env.do(t, http.MethodDelete, path, nil, token)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	env := setupTestEnv(t)

	token, err := IssueToken(testSecret, "operator", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	w, resp := env.do(t, http.MethodPost, "/api/v1/owners", service.OwnerRequest{Name: "Alice", Plates: []string{"AB-123-CD"}}, token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	if resp.Error != "token expired" {
		t.Errorf("Expected token expired, got %q", resp.Error)
	}
}

func TestOwnerAndBadgeScan(t *testing.T) {
	env := setupTestEnv(t)
	token := adminToken(t)

	req := service.OwnerRequest{Name: "Alice", Badges: []string{"a1b2c3d4"}, Plates: []string{"AB-123-CD"}}
	w, _ := env.do(t, http.MethodPost, "/api/v1/owners", req, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%s)", w.Code, w.Body.String())
	}

	w, _ = env.do(t, http.MethodPost, "/api/v1/owners", req, token)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate badge, got %d", w.Code)
	}

	if env.entryG.IsActive() {
		t.Fatal("Gate must be inactive before any scan")
	}

	w, _ = env.do(t, http.MethodPost, "/api/v1/badges/scan", gin.H{"uid": "A1B2C3D4"}, "")
	if w.Code != http.StatusUnauthorized || env.entryG.IsActive() {
		t.Fatalf("Anonymous scan must be rejected, got %d", w.Code)
	}

	w, resp := env.do(t, http.MethodPost, "/api/v1/badges/scan", gin.H{"uid": "zzzz"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(string(resp.Data), `"granted":false`) || env.entryG.IsActive() {
		t.Errorf("Unknown badge must not grant, got %s", resp.Data)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v1/badges/scan", gin.H{"uid": "A1B2C3D4"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(string(resp.Data), `"owner":"Alice"`) {
		t.Errorf("Expected owner in response, got %s", resp.Data)
	}
	if !env.entryG.IsActive() {
		t.Error("Known badge must open the gate window")
	}

	w, _ = env.do(t, http.MethodPost, "/api/v1/badges/scan", gin.H{}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without uid, got %d", w.Code)
	}
}

func TestOwnerAdministration(t *testing.T) {
	env := setupTestEnv(t)
	token := adminToken(t)

	w, resp := env.do(t, http.MethodPost, "/api/v1/owners",
		service.OwnerRequest{Name: "Alice", Badges: []string{"A1B2C3D4"}, Plates: []string{"AB-123-CD"}}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var alice parking.Owner
	if err := json.Unmarshal(resp.Data, &alice); err != nil {
		t.Fatalf("Failed to decode owner: %v", err)
	}
	w, resp = env.do(t, http.MethodPost, "/api/v1/owners", service.OwnerRequest{Name: "Bob", Badges: []string{"0B0B0B0B"}}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	var bob parking.Owner
	_ = json.Unmarshal(resp.Data, &bob)

	w, _ = env.do(t, http.MethodGet, "/api/v1/owners", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for anonymous listing, got %d", w.Code)
	}
	w, resp = env.do(t, http.MethodGet, "/api/v1/owners", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var owners []parking.Owner
	if err := json.Unmarshal(resp.Data, &owners); err != nil || len(owners) != 2 || owners[0].Name != "Alice" {
		t.Errorf("Expected Alice and Bob, got %s (%v)", resp.Data, err)
	}

	w, resp = env.do(t, http.MethodPut, "/api/v1/owners/"+alice.ID,
		service.OwnerRequest{Name: "Alice", Badges: []string{"a1b2c3d4"}, Plates: []string{"ef456gh"}}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if !strings.Contains(string(resp.Data), `"EF-456-GH"`) {
		t.Errorf("Expected normalized plate in response, got %s", resp.Data)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		token  string
		want   int
	}{
		{"update without token", http.MethodPut, "/api/v1/owners/" + alice.ID, service.OwnerRequest{Name: "X", Badges: []string{"01"}}, "", http.StatusUnauthorized},
		{"update bad id", http.MethodPut, "/api/v1/owners/nope", service.OwnerRequest{Name: "X", Badges: []string{"01"}}, token, http.StatusBadRequest},
		{"update unknown", http.MethodPut, "/api/v1/owners/" + uuid.NewString(), service.OwnerRequest{Name: "X", Badges: []string{"01"}}, token, http.StatusNotFound},
		{"update taken badge", http.MethodPut, "/api/v1/owners/" + alice.ID, service.OwnerRequest{Name: "Alice", Badges: []string{"0B0B0B0B"}}, token, http.StatusConflict},
		{"update malformed", http.MethodPut, "/api/v1/owners/" + alice.ID, "not json", token, http.StatusBadRequest},
		{"delete without token", http.MethodDelete, "/api/v1/owners/" + bob.ID, nil, "", http.StatusUnauthorized},
		{"delete", http.MethodDelete, "/api/v1/owners/" + bob.ID, nil, token, http.StatusNoContent},
		{"delete again", http.MethodDelete, "/api/v1/owners/" + bob.ID, nil, token, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := env.do(t, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w, resp = env.do(t, http.MethodPost, "/api/v1/badges/scan", gin.H{"uid": "0B0B0B0B"}, token)
	if w.Code != http.StatusOK || !strings.Contains(string(resp.Data), `"granted":false`) {
		t.Errorf("Deleted owner's badge must not grant, got %d %s", w.Code, resp.Data)
	}
}

func TestControl(t *testing.T) {
	env := setupTestEnv(t)
	token := adminToken(t)

	tests := []struct {
		name    string
		body    controlRequest
		code    int
		topic   string
		payload string
	}{
		{"open entry barrier", controlRequest{Target: "barrier", Lane: "entry", Command: "open"}, http.StatusAccepted, "parking/barrier_0/state", "OPEN"},
		{"close exit barrier", controlRequest{Target: "barrier", Lane: "out", Command: "CLOSE"}, http.StatusAccepted, "parking/barrier_1/state", "CLOSE"},
		{"lcd message", controlRequest{Target: "lcd", Lane: "entry", Message: "Closed today"}, http.StatusAccepted, "parking/lcd", `{"lane":"ENTRY","message":"Closed today"}`},
		{"bad command", controlRequest{Target: "barrier", Lane: "entry", Command: "LIFT"}, http.StatusBadRequest, "", ""},
		{"bad lane", controlRequest{Target: "barrier", Lane: "side", Command: "OPEN"}, http.StatusBadRequest, "", ""},
		{"bad target", controlRequest{Target: "siren", Lane: "entry"}, http.StatusBadRequest, "", ""},
		{"empty lcd", controlRequest{Target: "lcd", Lane: "entry"}, http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.bus.topics)
			w, _ := env.do(t, http.MethodPost, "/api/v1/control", tt.body, token)
			if w.Code != tt.code {
				t.Fatalf("Expected %d, got %d (%s)", tt.code, w.Code, w.Body.String())
			}
			if tt.topic == "" {
				if len(env.bus.topics) != before {
					t.Error("Rejected command must not publish")
				}
				return
			}
			if len(env.bus.topics) != before+1 {
				t.Fatalf("Expected one publish, got %d", len(env.bus.topics)-before)
			}
			if env.bus.topics[before] != tt.topic || env.bus.payloads[before] != tt.payload {
				t.Errorf("Published %s %s", env.bus.topics[before], env.bus.payloads[before])
			}
		})
	}
}

func TestControl_PublishFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.bus.err = errors.New("not connected")

	w, _ := env.do(t, http.MethodPost, "/api/v1/control", controlRequest{Target: "barrier", Lane: "entry", Command: "OPEN"}, adminToken(t))
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func TestLanesAndLogs(t *testing.T) {
	env := setupTestEnv(t)
	env.messages.Add("RFID/scan", []byte("A1B2"))

	w, resp := env.do(t, http.MethodGet, "/api/v1/lanes", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var statuses []lane.Status
	if err := json.Unmarshal(resp.Data, &statuses); err != nil {
		t.Fatalf("Failed to decode lanes: %v", err)
	}
	if len(statuses) != 2 || statuses[0].Lane != parking.LaneEntry || statuses[1].Lane != parking.LaneExit {
		t.Errorf("Unexpected lanes %+v", statuses)
	}

	w, resp = env.do(t, http.MethodGet, "/api/v1/mqtt/logs", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(string(resp.Data), "RFID/scan") {
		t.Errorf("Expected logged message, got %s", resp.Data)
	}
}

func TestStreamLane(t *testing.T) {
	env := setupTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/lanes/entry/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Unexpected content type %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "--frame\r\nContent-Type: image/jpeg") || !strings.Contains(body, "jpeg-bytes") {
		t.Errorf("Expected at least one MJPEG part, got %q", body)
	}
}

func TestStreamLane_UnknownLane(t *testing.T) {
	env := setupTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/v1/lanes/side/stream", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
