// Package subtitle downloads external subtitle files to local disk so a
// player can load them next to the stream.
//
// Downloads are rate limited using golang.org/x/time/rate, written with
// atomic renames, and deduplicated per subtitle GUID. Files already indexed
// in storage are not fetched again.
package subtitle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

// downloadTimeout bounds a shared download, which outlives the caller that
// started it.
const downloadTimeout = 2 * time.Minute

// minBurst is the smallest token bucket the limiter is created with. io.Copy
// reads in 32 KiB chunks, so every read must fit in one burst.
const minBurst = 64 * 1024

// API opens the raw content of a subtitle stream.
type API interface {
	OpenSubtitle(ctx context.Context, subtitleGUID string) (io.ReadCloser, int64, error)
}

// Fetcher downloads external subtitle tracks.
type Fetcher struct {
	api     API
	store   storage.Store
	config  *config.SubtitlesConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	group singleflight.Group
}

// New creates a fetcher writing under cfg.Directory. store may be nil.
func New(cfg *config.SubtitlesConfig, api API, store storage.Store, logger *slog.Logger) *Fetcher {
	// Convert kilobits per second to bytes per second.
	limit := rate.Inf
	burst := minBurst
	if cfg.RateLimitKbps > 0 {
		bytesPerSecond := cfg.RateLimitKbps * 1000 / 8
		limit = rate.Limit(bytesPerSecond)
		burst = max(minBurst, bytesPerSecond)
	}

	return &Fetcher{
		api:     api,
		store:   store,
		config:  cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Fetch returns the local path of an external subtitle track, downloading it
// first when needed. Concurrent calls for the same track share one download.
func (f *Fetcher) Fetch(ctx context.Context, track *catalog.SubtitleTrack) (string, error) {
	if track == nil || track.GUID == "" {
		return "", fmt.Errorf("fetch subtitle: no track")
	}
	if !track.External {
		return "", fmt.Errorf("fetch subtitle %s: track is embedded", track.GUID)
	}

	if path, ok := f.cached(track.GUID); ok {
		f.logger.Debug("Subtitle already downloaded",
			"subtitle_guid", track.GUID,
			"local_path", path)
		return path, nil
	}

	// The download runs detached from ctx so one caller giving up does not
	// fail the others waiting on it.
	ch := f.group.DoChan(track.GUID, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
		defer cancel()
		return f.download(dctx, track)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch subtitle %s: %w", track.GUID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			f.logger.Debug("Subtitle download shared", "subtitle_guid", track.GUID)
		}
		return res.Val.(string), nil
	}
}

// LocalPath is the file a track is stored at.
func (f *Fetcher) LocalPath(track *catalog.SubtitleTrack) string {
	ext := strings.ToLower(strings.TrimPrefix(track.Format, "."))
	if ext == "" {
		ext = "srt"
	}
	return filepath.Join(f.config.Directory, url.PathEscape(track.GUID)+"."+ext)
}

func (f *Fetcher) cached(subtitleGUID string) (string, bool) {
	if f.store == nil {
		return "", false
	}

	rec, err := f.store.GetSubtitleRecord(subtitleGUID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			f.logger.Warn("Failed to look up subtitle record",
				"subtitle_guid", subtitleGUID,
				"error", err)
		}
		return "", false
	}

	if _, err := os.Stat(rec.LocalPath); err != nil {
		f.logger.Info("Indexed subtitle file missing, downloading again",
			"subtitle_guid", subtitleGUID,
			"local_path", rec.LocalPath)
		return "", false
	}
	return rec.LocalPath, true
}

func (f *Fetcher) download(ctx context.Context, track *catalog.SubtitleTrack) (string, error) {
	start := time.Now()
	localPath := f.LocalPath(track)

	f.logger.Info("Starting subtitle download",
		"subtitle_guid", track.GUID,
		"variant_guid", track.VariantGUID,
		"local_path", localPath)

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	body, size, err := f.api.OpenSubtitle(ctx, track.GUID)
	if err != nil {
		return "", fmt.Errorf("download subtitle %s: %w", track.GUID, err)
	}
	defer body.Close()

	description := fmt.Sprintf("Downloading %s", filepath.Base(localPath))
	var bar *progressbar.ProgressBar
	if f.config.ShowProgress {
		bar = progressbar.DefaultBytes(size, description)
	} else {
		bar = progressbar.DefaultBytesSilent(size, description)
	}

	counter := &countingReader{reader: &rateLimitedReader{
		reader:  body,
		limiter: f.limiter,
		ctx:     ctx,
	}}

	if err := atomic.WriteFile(localPath, io.TeeReader(counter, bar)); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	_ = bar.Finish()

	if f.store != nil {
		rec := &storage.SubtitleRecord{
			SubtitleGUID: track.GUID,
			VariantGUID:  track.VariantGUID,
			LocalPath:    localPath,
			Size:         counter.n,
			DownloadedAt: time.Now(),
		}
		if err := f.store.AddSubtitleRecord(rec); err != nil {
			f.logger.Error("Failed to store subtitle record",
				"subtitle_guid", track.GUID,
				"error", err)
		}
	}

	f.logger.Info("Subtitle download completed",
		"subtitle_guid", track.GUID,
		"bytes", counter.n,
		"duration", time.Since(start))

	return localPath, nil
}

// rateLimitedReader implements io.Reader with rate limiting.
type rateLimitedReader struct {
	reader  io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(buf []byte) (int, error) {
	if burst := r.limiter.Burst(); len(buf) > burst {
		buf = buf[:burst]
	}

	n, err := r.reader.Read(buf)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type countingReader struct {
	reader io.Reader
	n      int64
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.reader.Read(buf)
	c.n += int64(n)
	return n, err
}
