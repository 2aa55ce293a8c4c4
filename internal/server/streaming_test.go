package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-fntv-play/internal/storage"
)

func TestSessionStreamProxy(t *testing.T) {
	env := createTestServer(t)

	var gotRange, gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "0123456789")
	}))
	defer upstream.Close()

	env.links.mu.Lock()
	env.links.baseURL = upstream.URL + "/v/api/v1"
	env.links.mu.Unlock()

	w, _ := env.do(t, "POST", "/api/play", PlayRequest{ItemGUID: "movie"})
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest("GET", "/stream", nil)
	req.Header.Set("Range", "bytes=0-9")
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "bytes 0-9/100", rec.Header().Get("Content-Range"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))

	assert.Equal(t, "bytes=0-9", gotRange)
	assert.Equal(t, "tok", gotAuth)
	assert.Equal(t, "/v/api/v1/media/range/V1", gotPath)
}

func TestSessionStreamUpstreamDown(t *testing.T) {
	env := createTestServer(t)

	upstream := httptest.NewServer(http.NotFoundHandler())
	env.links.mu.Lock()
	env.links.baseURL = upstream.URL
	env.links.mu.Unlock()
	upstream.Close()

	w, _ := env.do(t, "POST", "/api/play", PlayRequest{ItemGUID: "movie"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := env.do(t, "GET", "/stream", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, resp.Success)
}

func TestSubtitleFileEndpoint(t *testing.T) {
	env := createTestServer(t)

	path := filepath.Join(t.TempDir(), "S1.srt")
	content := "1\n00:00:01,000 --> 00:00:02,000\nHello\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, env.store.AddSubtitleRecord(&storage.SubtitleRecord{
		SubtitleGUID: "S1",
		VariantGUID:  "V1",
		LocalPath:    path,
		Size:         int64(len(content)),
		DownloadedAt: time.Now(),
	}))

	req := httptest.NewRequest("GET", "/api/session/subtitles/S1/file", nil)
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.String())
	assert.Equal(t, "application/x-subrip; charset=utf-8", w.Header().Get("Content-Type"))

	req = httptest.NewRequest("GET", "/api/session/subtitles/S1/file", nil)
	req.Header.Set("Range", "bytes=0-0")
	w = httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "1", w.Body.String())

	w, _ = env.do(t, "GET", "/api/session/subtitles/unknown/file", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, os.Remove(path))
	w, _ = env.do(t, "GET", "/api/session/subtitles/S1/file", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubtitleContentType(t *testing.T) {
	tests := []struct {
		filename string
		expected string
	}{
		{"a.vtt", "text/vtt; charset=utf-8"},
		{"a.SRT", "application/x-subrip; charset=utf-8"},
		{"a.ass", "text/x-ssa; charset=utf-8"},
		{"a.ssa", "text/x-ssa; charset=utf-8"},
		{"a.sup", "application/octet-stream"},
		{"a.txt", "text/plain; charset=utf-8"},
		{"noext", "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.expected, subtitleContentType(tt.filename))
		})
	}
}
