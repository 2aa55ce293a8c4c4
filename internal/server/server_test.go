package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/progress"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/internal/session"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

type fakeCatalogs struct{}

func (fakeCatalogs) Load(ctx context.Context, itemGUID string) (*catalog.Catalog, error) {
	if itemGUID == "missing" {
		return nil, fntv.ErrNotFound
	}
	return catalog.Build(itemGUID, &fntv.StreamList{
		Files: []fntv.FileStream{{GUID: "V1"}, {GUID: "V2"}},
		VideoStreams: []fntv.VideoStream{
			{GUID: "vid1", MediaGUID: "V1", Height: 2160, Duration: 5400},
			{GUID: "vid2", MediaGUID: "V2", Height: 1080, Duration: 5400},
		},
		AudioStreams: []fntv.AudioStream{
			{GUID: "A1", MediaGUID: "V1", IsDefault: 1},
			{GUID: "A2", MediaGUID: "V1"},
			{GUID: "A3", MediaGUID: "V2", IsDefault: 1},
		},
		SubtitleStreams: []fntv.SubtitleStream{
			{GUID: "S1", MediaGUID: "V1", IsDefault: 1},
		},
	}, nil), nil
}

type fakePlayInfo struct{}

func (fakePlayInfo) GetPlayInfo(ctx context.Context, itemGUID string) (*fntv.PlayInfo, error) {
	return &fntv.PlayInfo{ItemGUID: itemGUID, Timestamp: 30, Item: fntv.ItemInfo{Title: "Test Movie"}}, nil
}

// fakeLinks always answers with a direct link under baseURL.
type fakeLinks struct {
	mu      sync.Mutex
	baseURL string
}

func (f *fakeLinks) Resolve(ctx context.Context, r rendition.Rendition, start float64) (*playlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := playlink.DirectPath(r.Variant.GUID)
	return &playlink.Link{Kind: playlink.Direct, Path: path, URL: f.baseURL + path}, nil
}

type fakeProgress struct{}

func (fakeProgress) RecordProgress(ctx context.Context, record *fntv.ProgressRecord) error {
	return nil
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

type testEnv struct {
	server   *Server
	sessions *session.Manager
	store    storage.Store
	links    *fakeLinks
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Suppress logs during tests
	}))
}

// Helper function to create a test server instance
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.ServerConfig{
		Port:              8080,
		Host:              "localhost",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		EnableCompression: true,
	}

	logger := testLogger()

	store, err := storage.NewFlatStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	links := &fakeLinks{baseURL: "http://nas.invalid/v/api/v1"}
	sessions := session.NewManager(&config.PlaybackConfig{HeartbeatInterval: time.Hour}, session.Deps{
		Catalogs: fakeCatalogs{},
		PlayInfo: fakePlayInfo{},
		Selector: rendition.NewSelector(store, logger),
		Links:    links,
		Progress: fakeProgress{},
		Journal:  store,
		Clock:    progress.NewMockClock(time.Unix(0, 0)),
	}, logger)

	t.Cleanup(func() {
		sessions.Close()
		store.Close()
	})

	return &testEnv{
		server:   New(cfg, sessions, fakeCatalogs{}, store, staticToken("tok"), logger),
		sessions: sessions,
		store:    store,
		links:    links,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)

	var response APIResponse
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, response
}

func sessionData(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected session data, got %T", resp.Data)
	}
	return data
}

func TestNew(t *testing.T) {
	env := createTestServer(t)

	if env.server == nil {
		t.Fatal("Expected server to be non-nil")
	}

	if env.server.httpServer.Addr != "localhost:8080" {
		t.Errorf("Expected server address to be localhost:8080, got %s", env.server.httpServer.Addr)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	w, response := env.do(t, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if !response.Success {
		t.Error("Expected success to be true")
	}

	if response.Message != "Server is healthy" {
		t.Errorf("Expected health message, got: %s", response.Message)
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	env := createTestServer(t)

	w, response := env.do(t, "GET", "/api/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	statusData, ok := response.Data.(map[string]interface{})
	if !ok {
		t.Fatal("Expected response data to be a map")
	}

	expectedFields := []string{"status", "uptime", "session_active", "event_clients", "storage"}
	for _, field := range expectedFields {
		if _, exists := statusData[field]; !exists {
			t.Errorf("Expected status field '%s' to be present", field)
		}
	}

	if statusData["session_active"] != false {
		t.Error("Expected no active session")
	}
}

func TestPlaybackLifecycle(t *testing.T) {
	env := createTestServer(t)

	w, response := env.do(t, "POST", "/api/play", PlayRequest{ItemGUID: "movie"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	data := sessionData(t, response)
	if data["variant_guid"] != "V1" || data["audio_guid"] != "A1" || data["subtitle"] != "S1" {
		t.Errorf("Unexpected rendition: %v", data)
	}
	if data["title"] != "Test Movie" {
		t.Errorf("Expected title from play info, got %v", data["title"])
	}
	if data["position"] != 30.0 {
		t.Errorf("Expected start position 30, got %v", data["position"])
	}
	link := data["link"].(map[string]interface{})
	if link["kind"] != "direct" || link["path"] != "/media/range/V1" {
		t.Errorf("Unexpected link: %v", link)
	}

	w, response = env.do(t, "GET", "/api/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if sessionData(t, response)["playing"] != true {
		t.Error("Expected session to be playing")
	}

	w, response = env.do(t, "POST", "/api/session/pause", nil)
	if w.Code != http.StatusOK || sessionData(t, response)["playing"] != false {
		t.Errorf("Pause failed: %d %s", w.Code, w.Body.String())
	}

	w, response = env.do(t, "POST", "/api/session/seek", map[string]float64{"position": 600})
	if w.Code != http.StatusOK || sessionData(t, response)["position"] != 600.0 {
		t.Errorf("Seek failed: %d %s", w.Code, w.Body.String())
	}

	w, _ = env.do(t, "POST", "/api/session/position", map[string]float64{"position": 610})
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}

	w, response = env.do(t, "POST", "/api/session/resume", nil)
	if w.Code != http.StatusOK || sessionData(t, response)["playing"] != true {
		t.Errorf("Resume failed: %d %s", w.Code, w.Body.String())
	}

	w, response = env.do(t, "POST", "/api/session/variant", TrackRequest{GUID: "V2"})
	if w.Code != http.StatusOK {
		t.Fatalf("Variant switch failed: %d %s", w.Code, w.Body.String())
	}
	data = sessionData(t, response)
	if data["variant_guid"] != "V2" || data["audio_guid"] != "A3" || data["subtitle"] != rendition.OffKey {
		t.Errorf("Unexpected rendition after switch: %v", data)
	}

	w, _ = env.do(t, "POST", "/api/session/variant", TrackRequest{GUID: "V1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Variant switch failed: %d", w.Code)
	}

	w, response = env.do(t, "POST", "/api/session/audio", TrackRequest{GUID: "A2"})
	if w.Code != http.StatusOK || sessionData(t, response)["audio_guid"] != "A2" {
		t.Errorf("Audio switch failed: %d %s", w.Code, w.Body.String())
	}

	w, response = env.do(t, "POST", "/api/session/subtitle", TrackRequest{GUID: "off"})
	if w.Code != http.StatusOK || sessionData(t, response)["subtitle"] != rendition.OffKey {
		t.Errorf("Subtitle switch failed: %d %s", w.Code, w.Body.String())
	}

	w, response = env.do(t, "GET", "/api/session/subtitles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	options := sessionData(t, response)["options"].([]interface{})
	if len(options) != 2 {
		t.Fatalf("Expected off plus one subtitle, got %d", len(options))
	}
	if options[0].(map[string]interface{})["key"] != rendition.OffKey {
		t.Errorf("Expected off option first, got %v", options[0])
	}

	w, _ = env.do(t, "DELETE", "/api/session", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w, _ = env.do(t, "GET", "/api/session", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after stop, got %d", w.Code)
	}

	w, response = env.do(t, "GET", "/api/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	entries := response.Data.([]interface{})
	if len(entries) != 1 {
		t.Fatalf("Expected one journal entry, got %d", len(entries))
	}
	if entries[0].(map[string]interface{})["trigger"] != "stop" {
		t.Errorf("Expected last journal entry to be the stop record, got %v", entries[0])
	}
}

func TestPlayValidation(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing guid", `{}`, http.StatusBadRequest},
		{"unknown item", `{"item_guid":"missing"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/play", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			env.server.router.ServeHTTP(w, req)

			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestSessionErrors(t *testing.T) {
	env := createTestServer(t)

	noSession := []struct {
		method, path string
		body         interface{}
	}{
		{"POST", "/api/session/pause", nil},
		{"POST", "/api/session/resume", nil},
		{"POST", "/api/session/seek", map[string]float64{"position": 5}},
		{"POST", "/api/session/variant", TrackRequest{GUID: "V2"}},
		{"GET", "/api/session/subtitles", nil},
		{"DELETE", "/api/session", nil},
		{"GET", "/stream", nil},
	}
	for _, tc := range noSession {
		w, _ := env.do(t, tc.method, tc.path, tc.body)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404 without session, got %d", tc.method, tc.path, w.Code)
		}
	}

	if w, _ := env.do(t, "POST", "/api/play", PlayRequest{ItemGUID: "movie"}); w.Code != http.StatusCreated {
		t.Fatalf("Failed to start playback: %d", w.Code)
	}

	if w, _ := env.do(t, "POST", "/api/session/audio", TrackRequest{GUID: "A3"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for audio of another variant, got %d", w.Code)
	}
	if w, _ := env.do(t, "POST", "/api/session/variant", TrackRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty guid, got %d", w.Code)
	}
	if w, _ := env.do(t, "POST", "/api/session/seek", map[string]float64{"position": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative position, got %d", w.Code)
	}
	if w, _ := env.do(t, "POST", "/api/session/seek", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing position, got %d", w.Code)
	}
}

func TestCatalogEndpoint(t *testing.T) {
	env := createTestServer(t)

	w, response := env.do(t, "GET", "/api/items/movie/catalog", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	data := response.Data.(map[string]interface{})
	if data["item_guid"] != "movie" {
		t.Errorf("Expected item_guid movie, got %v", data["item_guid"])
	}
	if variants := data["variants"].([]interface{}); len(variants) != 2 {
		t.Errorf("Expected 2 variants, got %d", len(variants))
	}

	w, _ = env.do(t, "GET", "/api/items/missing/catalog", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()

	env.server.router.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected Access-Control-Allow-Origin header")
	}

	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Expected Access-Control-Allow-Methods header")
	}
}

func TestServerStartStop(t *testing.T) {
	env := createTestServer(t)

	// Stop should handle being called without Start
	if err := env.server.Stop(); err != nil {
		t.Errorf("Stop() returned error: %v", err)
	}
}
