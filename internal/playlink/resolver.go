// Package playlink turns a resolved rendition into a URL a player can open.
//
// The server is first asked for a transcode session. When it answers that no
// transcode is needed the source file is played directly through its range
// endpoint.
package playlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

// Kind tells how a link is served.
type Kind int

const (
	// Transcode links point at a server-side transcode playlist.
	Transcode Kind = iota
	// Direct links stream the source file with HTTP range requests.
	Direct
)

func (k Kind) String() string {
	switch k {
	case Transcode:
		return "transcode"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SubtitleResource is what the player loads for the selected subtitle: the
// stream GUID of an embedded track or the downloaded file of an external one.
type SubtitleResource struct {
	GUID      string `json:"guid"`
	External  bool   `json:"external"`
	LocalPath string `json:"local_path,omitempty"`
}

// Link is a playable location for one rendition.
type Link struct {
	Kind     Kind              `json:"kind"`
	Path     string            `json:"path"`
	URL      string            `json:"url"`
	Subtitle *SubtitleResource `json:"subtitle,omitempty"`
}

// LinkError reports that the server refused to produce a link.
type LinkError struct {
	VariantGUID string
	Err         error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("resolve playback link for %s: %v", e.VariantGUID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// PlaybackAPI is the part of the server API the resolver needs.
type PlaybackAPI interface {
	PreparePlayback(ctx context.Context, req *fntv.PrepareRequest) (*fntv.PrepareResponse, error)
	URL(path string) string
}

// SubtitleFetcher downloads external subtitle tracks.
type SubtitleFetcher interface {
	Fetch(ctx context.Context, track *catalog.SubtitleTrack) (string, error)
}

// Resolver obtains playback links.
type Resolver struct {
	api       PlaybackAPI
	subtitles SubtitleFetcher
	config    *config.PlaybackConfig
	logger    *slog.Logger
}

// NewResolver creates a link resolver. subtitles may be nil, in which case
// external subtitle tracks resolve without a local file.
func NewResolver(cfg *config.PlaybackConfig, api PlaybackAPI, subtitles SubtitleFetcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		api:       api,
		subtitles: subtitles,
		config:    cfg,
		logger:    logger,
	}
}

// DirectPath is the range endpoint of a variant's source file.
func DirectPath(variantGUID string) string {
	return "/media/range/" + url.PathEscape(variantGUID)
}

// Resolve asks the server for a link to r starting at startSeconds. A
// "transcode not needed" answer yields a Direct link. Any other failure is
// returned as a *LinkError. The request is never retried.
func (r *Resolver) Resolve(ctx context.Context, rend rendition.Rendition, startSeconds float64) (*Link, error) {
	if rend.Variant == nil {
		return nil, &LinkError{Err: rendition.ErrNoVariant}
	}

	req := r.prepareRequest(rend, startSeconds)

	var link *Link
	resp, err := r.api.PreparePlayback(ctx, req)
	switch {
	case err == nil && resp != nil && resp.PlayLink != "":
		link = &Link{Kind: Transcode, Path: resp.PlayLink}
	case err == nil:
		return nil, &LinkError{VariantGUID: rend.Variant.GUID, Err: errors.New("empty play link")}
	case errors.Is(err, fntv.ErrTranscodeNotNeeded):
		r.logger.Debug("Transcode not needed, using direct link",
			"variant_guid", rend.Variant.GUID)
		link = &Link{Kind: Direct, Path: DirectPath(rend.Variant.GUID)}
	default:
		return nil, &LinkError{VariantGUID: rend.Variant.GUID, Err: err}
	}

	link.URL = r.api.URL(link.Path)
	link.Subtitle = r.subtitleResource(ctx, rend)

	r.logger.Info("Playback link resolved",
		"variant_guid", rend.Variant.GUID,
		"kind", link.Kind.String(),
		"path", link.Path,
		"start", startSeconds)

	return link, nil
}

func (r *Resolver) prepareRequest(rend rendition.Rendition, startSeconds float64) *fntv.PrepareRequest {
	resolution := r.config.Resolution
	if resolution == "" || resolution == "original" {
		resolution = rend.Variant.Resolution()
	}
	bitrate := r.config.Bitrate
	if bitrate <= 0 {
		bitrate = rend.Variant.Bitrate
	}

	req := &fntv.PrepareRequest{
		MediaGUID:      rend.Variant.GUID,
		VideoGUID:      rend.VideoGUID(),
		VideoEncoder:   r.config.VideoEncoder,
		Resolution:     resolution,
		Bitrate:        bitrate,
		StartTimestamp: startSeconds,
		AudioEncoder:   r.config.AudioEncoder,
		AudioGUID:      rend.AudioGUID(),
		Channels:       r.config.Channels,
	}
	if !rend.Subtitle.IsOff() {
		req.SubtitleGUID = rend.Subtitle.GUID()
	}
	return req
}

func (r *Resolver) subtitleResource(ctx context.Context, rend rendition.Rendition) *SubtitleResource {
	track := rend.SubtitleTrack
	if rend.Subtitle.IsOff() || track == nil {
		return nil
	}

	res := &SubtitleResource{GUID: track.GUID, External: track.External}
	if !track.External || r.subtitles == nil {
		return res
	}

	path, err := r.subtitles.Fetch(ctx, track)
	if err != nil {
		r.logger.Warn("Failed to fetch external subtitle",
			"subtitle_guid", track.GUID,
			"error", err)
		return nil
	}
	res.LocalPath = path
	return res
}
