package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/internal/session"
	"github.com/opd-ai/go-fntv-play/internal/storage"
)

// APIResponse represents a standard API response structure.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SystemStatus represents the current system status.
type SystemStatus struct {
	Status        string         `json:"status"`
	Uptime        string         `json:"uptime"`
	SessionActive bool           `json:"session_active"`
	EventClients  int            `json:"event_clients"`
	Storage       *storage.Stats `json:"storage,omitempty"`
}

// SessionView is the JSON form of the active session.
type SessionView struct {
	SessionID   string                      `json:"session_id"`
	ItemGUID    string                      `json:"item_guid"`
	Title       string                      `json:"title,omitempty"`
	VariantGUID string                      `json:"variant_guid"`
	Resolution  string                      `json:"resolution"`
	VideoGUID   string                      `json:"video_guid,omitempty"`
	AudioGUID   string                      `json:"audio_guid,omitempty"`
	Subtitle    rendition.SubtitleSelection `json:"subtitle"`
	Link        *playlink.Link              `json:"link"`
	Position    float64                     `json:"position"`
	Playing     bool                        `json:"playing"`
	StartedAt   time.Time                   `json:"started_at"`
}

// PlayRequest starts playback of an item.
type PlayRequest struct {
	ItemGUID string `json:"item_guid"`
}

// PositionRequest carries a playback position in seconds.
type PositionRequest struct {
	Position *float64 `json:"position"`
}

// TrackRequest names a variant, audio or subtitle GUID. For subtitles "off"
// and "no-display" turn subtitles off.
type TrackRequest struct {
	GUID string `json:"guid"`
}

func newSessionView(st session.Status) *SessionView {
	info := st.Info
	v := &SessionView{
		SessionID: info.SessionID,
		ItemGUID:  info.ItemGUID,
		Title:     info.Item.Title,
		VideoGUID: info.Rendition.VideoGUID(),
		AudioGUID: info.Rendition.AudioGUID(),
		Subtitle:  info.Rendition.Subtitle,
		Link:      info.Link,
		Position:  st.Position,
		Playing:   st.Playing,
		StartedAt: info.StartedAt,
	}
	if variant := info.Rendition.Variant; variant != nil {
		v.VariantGUID = variant.GUID
		v.Resolution = variant.Resolution()
	}
	return v
}

// handleHealth provides a simple health check endpoint.
// Returns 200 OK if the server is running and storage is accessible.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.storage != nil {
		if err := s.storage.HealthCheck(); err != nil {
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Server is healthy",
	})
}

// handleAPIStatus returns the session state, store statistics and uptime.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		Status:       "running",
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		EventClients: s.wsClientCount(),
	}
	_, status.SessionActive = s.sessions.Status()

	if s.storage != nil {
		stats, err := s.storage.Stats()
		if err != nil {
			s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get storage stats", err)
			return
		}
		status.Storage = stats
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    status,
	})
}

// handlePlay starts playback of an item, replacing the active session.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ItemGUID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "Item GUID is required", nil)
		return
	}

	if _, err := s.sessions.Start(r.Context(), req.ItemGUID); err != nil {
		s.writeSessionError(w, "Failed to start playback", err)
		return
	}

	s.writeSession(w, http.StatusCreated, "Playback started")
}

// handleSession returns the active session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, http.StatusOK, "")
}

// handleStop ends the active session.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(); err != nil {
		s.writeSessionError(w, "Failed to stop playback", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Playback stopped",
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Pause(); err != nil {
		s.writeSessionError(w, "Failed to pause playback", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Playback paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Resume(); err != nil {
		s.writeSessionError(w, "Failed to resume playback", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Playback resumed")
}

// handleSeek moves playback and records progress immediately.
func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	position, ok := s.decodePosition(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Seek(position); err != nil {
		s.writeSessionError(w, "Failed to seek", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Playback position updated")
}

// handlePosition lets the player report its clock without recording it.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	position, ok := s.decodePosition(w, r)
	if !ok {
		return
	}
	if err := s.sessions.ReportPosition(position); err != nil {
		s.writeSessionError(w, "Failed to report position", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchVariant(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrack(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.SwitchVariant(r.Context(), req.GUID); err != nil {
		s.writeSessionError(w, "Failed to switch variant", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Variant switched")
}

func (s *Server) handleSwitchAudio(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrack(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.SwitchAudio(r.Context(), req.GUID); err != nil {
		s.writeSessionError(w, "Failed to switch audio", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Audio track switched")
}

func (s *Server) handleSwitchSubtitle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrack(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.SwitchSubtitle(r.Context(), rendition.ParseSubtitleSelection(req.GUID)); err != nil {
		s.writeSessionError(w, "Failed to switch subtitle", err)
		return
	}
	s.writeSession(w, http.StatusOK, "Subtitle switched")
}

// handleSubtitleOptions lists the subtitle choices of the active variant,
// starting with the off entry.
func (s *Server) handleSubtitleOptions(w http.ResponseWriter, r *http.Request) {
	info := s.sessions.Current()
	if info == nil {
		s.writeSessionError(w, "No active session", session.ErrNoSession)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"selected": info.Rendition.Subtitle,
			"options":  rendition.SubtitleOptions(info.Rendition.Variant),
		},
	})
}

// handleSubtitleFile serves a downloaded external subtitle file.
func (s *Server) handleSubtitleFile(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	if s.storage == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "Subtitle not downloaded", nil)
		return
	}

	rec, err := s.storage.GetSubtitleRecord(guid)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeErrorResponse(w, status, "Subtitle not downloaded", err)
		return
	}

	s.serveSubtitleFile(w, r, rec.LocalPath)
}

// handleCatalog returns the stream catalog of an item.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	c, err := s.catalogs.Load(r.Context(), guid)
	if err != nil {
		s.writeSessionError(w, "Failed to load catalog", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    c,
	})
}

// handleProgressJournal returns the locally journaled progress checkpoints.
func (s *Server) handleProgressJournal(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: []*storage.ProgressEntry{}})
		return
	}

	entries, err := s.storage.ListProgress()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list progress", err)
		return
	}
	if entries == nil {
		entries = []*storage.ProgressEntry{}
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    entries,
	})
}

func (s *Server) decodePosition(w http.ResponseWriter, r *http.Request) (float64, bool) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return 0, false
	}
	if req.Position == nil || *req.Position < 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "A non-negative position is required", nil)
		return 0, false
	}
	return *req.Position, true
}

func (s *Server) decodeTrack(w http.ResponseWriter, r *http.Request) (TrackRequest, bool) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	if req.GUID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "GUID is required", nil)
		return req, false
	}
	return req, true
}

// writeSession writes the active session, or 404 when there is none.
func (s *Server) writeSession(w http.ResponseWriter, statusCode int, message string) {
	st, ok := s.sessions.Status()
	if !ok {
		s.writeSessionError(w, "No active session", session.ErrNoSession)
		return
	}

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: true,
		Data:    newSessionView(st),
		Message: message,
	})
}

// writeSessionError maps playback errors to HTTP status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, message string, err error) {
	var linkErr *playlink.LinkError
	var netErr *fntv.NetworkError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, fntv.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrUnknownTrack):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, rendition.ErrNoVariant):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &linkErr), errors.As(err, &netErr), errors.Is(err, fntv.ErrUnauthorized):
		status = http.StatusBadGateway
	}

	s.writeErrorResponse(w, status, message, err)
}

// writeJSONResponse writes a JSON response with the specified status code.
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response with the specified status code and message.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	level := s.logger.Warn
	if statusCode >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("HTTP error response",
		"status", statusCode,
		"message", message,
		"error", err)

	errorMsg := message
	if err != nil {
		errorMsg = err.Error()
	}

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   errorMsg,
		Message: message,
	})
}
