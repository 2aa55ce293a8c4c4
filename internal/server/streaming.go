package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/session"
)

// handleSessionStream proxies the active session's direct link to the media
// server, forwarding Range and the session token. Players that cannot set
// an Authorization header use this instead of the link URL.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	info := s.sessions.Current()
	if info == nil || info.Link == nil {
		s.writeSessionError(w, "No active session", session.ErrNoSession)
		return
	}
	if info.Link.Kind != playlink.Direct {
		s.writeErrorResponse(w, http.StatusConflict, "Transcoded sessions are played from the link URL", nil)
		return
	}

	s.logger.Debug("Stream proxy request",
		"session_id", info.SessionID,
		"url", info.Link.URL,
		"range", r.Header.Get("Range"))

	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, info.Link.URL, nil)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create proxy request", err)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		proxyReq.Header.Set("Range", rangeHeader)
	}
	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		proxyReq.Header.Set("User-Agent", userAgent)
	}
	if s.tokens != nil {
		if token := s.tokens.Token(); token != "" {
			proxyReq.Header.Set("Authorization", token)
		}
	}

	resp, err := s.proxyClient.Do(proxyReq)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadGateway, "Failed to stream from media server", err)
		return
	}
	defer resp.Body.Close()

	for _, key := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"} {
		if value := resp.Header.Get(key); value != "" {
			w.Header().Set(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already sent.
		s.logger.Debug("Stream proxy interrupted",
			"session_id", info.SessionID,
			"error", err)
	}
}

// serveSubtitleFile serves a file with HTTP Range support.
func (s *Server) serveSubtitleFile(w http.ResponseWriter, r *http.Request, filePath string) {
	file, err := os.Open(filePath)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		s.writeErrorResponse(w, status, "Failed to open subtitle file", err)
		return
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get file info", err)
		return
	}

	w.Header().Set("Content-Type", subtitleContentType(filePath))
	http.ServeContent(w, r, fileInfo.Name(), fileInfo.ModTime(), file)
}

// subtitleContentType maps a subtitle file extension to its MIME type.
func subtitleContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".vtt":
		return "text/vtt; charset=utf-8"
	case ".srt":
		return "application/x-subrip; charset=utf-8"
	case ".ass", ".ssa":
		return "text/x-ssa; charset=utf-8"
	case ".sup":
		return "application/octet-stream"
	default:
		return "text/plain; charset=utf-8"
	}
}
