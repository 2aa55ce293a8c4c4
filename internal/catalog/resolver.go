// Package catalog resolves the stream graph of a media item into variants
// and their video, audio and subtitle tracks.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opd-ai/go-fntv-play/internal/fntv"
)

// StreamAPI fetches the raw stream list of an item.
type StreamAPI interface {
	GetStreamList(ctx context.Context, itemGUID string) (*fntv.StreamList, error)
}

// Resolver loads catalogs. It keeps no cache: every Load hits the server.
type Resolver struct {
	api    StreamAPI
	logger *slog.Logger
}

// NewResolver creates a catalog resolver backed by api.
func NewResolver(api StreamAPI, logger *slog.Logger) *Resolver {
	return &Resolver{
		api:    api,
		logger: logger,
	}
}

// Load fetches and indexes the stream graph of itemGUID. Failures wrap
// fntv.ErrNotFound or a *fntv.NetworkError.
func (r *Resolver) Load(ctx context.Context, itemGUID string) (*Catalog, error) {
	if itemGUID == "" {
		return nil, fmt.Errorf("load catalog: empty item guid: %w", fntv.ErrNotFound)
	}

	list, err := r.api.GetStreamList(ctx, itemGUID)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", itemGUID, err)
	}

	catalog := Build(itemGUID, list, r.logger)

	r.logger.Debug("Catalog loaded",
		"item_guid", itemGUID,
		"variants", catalog.Len())

	return catalog, nil
}

// Build indexes a raw stream list. Tracks that reference a file missing from
// the list are dropped. When several tracks of one type claim to be default
// within a variant, only the one with the lowest index keeps the flag.
func Build(itemGUID string, list *fntv.StreamList, logger *slog.Logger) *Catalog {
	variants := make([]*Variant, 0, len(list.Files))
	byGUID := make(map[string]*Variant, len(list.Files))

	for _, f := range list.Files {
		if f.GUID == "" {
			continue
		}
		if _, dup := byGUID[f.GUID]; dup {
			continue
		}
		v := &Variant{
			GUID:      f.GUID,
			Path:      f.Path,
			Container: f.Container,
			Size:      f.Size,
		}
		byGUID[f.GUID] = v
		variants = append(variants, v)
	}

	orphan := func(kind, trackGUID, mediaGUID string) {
		if logger != nil {
			logger.Warn("Dropping track with unknown variant",
				"item_guid", itemGUID,
				"kind", kind,
				"track_guid", trackGUID,
				"variant_guid", mediaGUID)
		}
	}

	for _, s := range list.VideoStreams {
		v, ok := byGUID[s.MediaGUID]
		if !ok {
			orphan("video", s.GUID, s.MediaGUID)
			continue
		}
		v.Video = append(v.Video, VideoTrack{
			GUID:        s.GUID,
			VariantGUID: v.GUID,
			Index:       len(v.Video),
			Codec:       s.CodecName,
			Language:    ParseLanguage(s.Language),
			Width:       s.Width,
			Height:      s.Height,
			Bitrate:     s.BitRate,
			IsDefault:   s.IsDefault != 0,
		})
		if len(v.Video) == 1 {
			v.Duration = s.Duration
			v.Bitrate = s.BitRate
			v.Width = s.Width
			v.Height = s.Height
			v.resolutionType = s.ResolutionType
		}
	}

	for _, s := range list.AudioStreams {
		v, ok := byGUID[s.MediaGUID]
		if !ok {
			orphan("audio", s.GUID, s.MediaGUID)
			continue
		}
		v.Audio = append(v.Audio, AudioTrack{
			GUID:          s.GUID,
			VariantGUID:   v.GUID,
			Index:         len(v.Audio),
			Codec:         s.CodecName,
			Language:      ParseLanguage(s.Language),
			Title:         s.Title,
			Channels:      s.Channels,
			ChannelLayout: s.ChannelLayout,
			IsDefault:     s.IsDefault != 0,
		})
	}

	for _, s := range list.SubtitleStreams {
		v, ok := byGUID[s.MediaGUID]
		if !ok {
			orphan("subtitle", s.GUID, s.MediaGUID)
			continue
		}
		v.Subtitles = append(v.Subtitles, SubtitleTrack{
			GUID:        s.GUID,
			VariantGUID: v.GUID,
			Index:       len(v.Subtitles),
			Codec:       s.CodecName,
			Format:      s.Format,
			Language:    ParseLanguage(s.Language),
			Title:       s.Title,
			External:    s.IsExternal != 0,
			IsDefault:   s.IsDefault != 0,
		})
	}

	for _, v := range variants {
		normalizeDefaults(v)
	}

	return NewCatalog(itemGUID, variants...)
}

// normalizeDefaults keeps the default flag on the lowest-index track of each type.
func normalizeDefaults(v *Variant) {
	seen := false
	for i := range v.Video {
		if v.Video[i].IsDefault {
			v.Video[i].IsDefault = !seen
			seen = true
		}
	}

	seen = false
	for i := range v.Audio {
		if v.Audio[i].IsDefault {
			v.Audio[i].IsDefault = !seen
			seen = true
		}
	}

	seen = false
	for i := range v.Subtitles {
		if v.Subtitles[i].IsDefault {
			v.Subtitles[i].IsDefault = !seen
			seen = true
		}
	}
}
