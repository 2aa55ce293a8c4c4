// Package rendition picks the variant, audio track and subtitle of a title
// for playback.
//
// Each track type is resolved independently with this precedence:
// explicit override, then the server's last-played track, then the variant's
// default track, then nothing.
package rendition

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/storage"
)

// ErrNoVariant is returned when the catalog has nothing to play.
var ErrNoVariant = errors.New("catalog has no playable variant")

// LastPlayed is the server-reported state of the previous playback.
type LastPlayed struct {
	VariantGUID  string
	AudioGUID    string
	SubtitleGUID string
}

// Request narrows the selection. Empty fields and a nil Subtitle mean
// "no override".
type Request struct {
	VariantGUID string
	AudioGUID   string
	Subtitle    *SubtitleSelection
}

// Rendition is the resolved (variant, audio, subtitle) triple.
type Rendition struct {
	Variant       *catalog.Variant
	Video         *catalog.VideoTrack
	Audio         *catalog.AudioTrack
	Subtitle      SubtitleSelection
	SubtitleTrack *catalog.SubtitleTrack
}

// AudioGUID returns the selected audio GUID or "".
func (r Rendition) AudioGUID() string {
	if r.Audio == nil {
		return ""
	}
	return r.Audio.GUID
}

// VideoGUID returns the selected video GUID or "".
func (r Rendition) VideoGUID() string {
	if r.Video == nil {
		return ""
	}
	return r.Video.GUID
}

// ResolveActiveTrio picks the rendition for c. It is a pure function of its
// inputs.
func ResolveActiveTrio(c *catalog.Catalog, last LastPlayed, req Request) (Rendition, error) {
	variant := pickVariant(c, last, req.VariantGUID)
	if variant == nil {
		return Rendition{}, ErrNoVariant
	}

	r := Rendition{
		Variant: variant,
		Video:   variant.PrimaryVideo(),
		Audio:   pickAudio(variant, last, req.AudioGUID),
	}

	r.Subtitle, r.SubtitleTrack = pickSubtitle(variant, last, req.Subtitle)
	return r, nil
}

func pickVariant(c *catalog.Catalog, last LastPlayed, requested string) *catalog.Variant {
	if c == nil {
		return nil
	}
	if v, ok := c.Variant(requested); ok {
		return v
	}
	if v, ok := c.Variant(last.VariantGUID); ok {
		return v
	}
	v, _ := c.First()
	return v
}

func pickAudio(v *catalog.Variant, last LastPlayed, override string) *catalog.AudioTrack {
	if t := v.AudioTrack(override); t != nil {
		return t
	}
	if t := v.AudioTrack(last.AudioGUID); t != nil {
		return t
	}
	return v.DefaultAudio()
}

func pickSubtitle(v *catalog.Variant, last LastPlayed, override *SubtitleSelection) (SubtitleSelection, *catalog.SubtitleTrack) {
	if override != nil {
		if override.IsOff() {
			return Off(), nil
		}
		if t := v.SubtitleTrack(override.GUID()); t != nil {
			return Track(t.GUID), t
		}
	}
	if t := v.SubtitleTrack(last.SubtitleGUID); t != nil {
		return Track(t.GUID), t
	}
	if t := v.DefaultSubtitle(); t != nil {
		return Track(t.GUID), t
	}
	return Off(), nil
}

// Memory is the audio and subtitle the user picked during one playback
// session, per variant. The zero value is empty. Memory is never mutated;
// With returns a copy.
type Memory struct {
	audio     map[string]string
	subtitles map[string]SubtitleSelection
}

// Audio returns the audio GUID picked for a variant.
func (m Memory) Audio(variantGUID string) (string, bool) {
	guid, ok := m.audio[variantGUID]
	return guid, ok
}

// Subtitle returns the subtitle picked for a variant.
func (m Memory) Subtitle(variantGUID string) (SubtitleSelection, bool) {
	sel, ok := m.subtitles[variantGUID]
	return sel, ok
}

// With returns a copy of m that also holds the tracks req names for
// req.VariantGUID.
func (m Memory) With(req Request) Memory {
	out := Memory{
		audio:     make(map[string]string, len(m.audio)+1),
		subtitles: make(map[string]SubtitleSelection, len(m.subtitles)+1),
	}
	for k, v := range m.audio {
		out.audio[k] = v
	}
	for k, v := range m.subtitles {
		out.subtitles[k] = v
	}
	if req.VariantGUID == "" {
		return out
	}
	if req.AudioGUID != "" {
		out.audio[req.VariantGUID] = req.AudioGUID
	}
	if req.Subtitle != nil {
		out.subtitles[req.VariantGUID] = *req.Subtitle
	}
	return out
}

// Selector resolves renditions on top of two kinds of memory:
//
//   - the session Memory passed to Resolve, which ranks as an explicit
//     override, so switching back to a variant restores what the user picked;
//   - choices saved by Remember in earlier sessions, which only fill in for a
//     track type the server's last-played state says nothing about for the
//     variant. They never outrank the server.
//
// Resolve has no side effects; callers Remember a user choice once it has
// taken effect.
type Selector struct {
	store  storage.Store
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*storage.Selection
}

// NewSelector creates a selector. store may be nil, in which case saved
// choices live only for the life of the process.
func NewSelector(store storage.Store, logger *slog.Logger) *Selector {
	return &Selector{
		store:  store,
		logger: logger,
		states: make(map[string]*storage.Selection),
	}
}

// Resolve picks a rendition for c.
func (s *Selector) Resolve(c *catalog.Catalog, last LastPlayed, req Request, mem Memory) (Rendition, error) {
	if c == nil {
		return Rendition{}, ErrNoVariant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.stateLocked(c.ItemGUID)

	effective := req
	if _, ok := c.Variant(last.VariantGUID); !ok && effective.VariantGUID == "" {
		effective.VariantGUID = saved.ActiveVariant
	}

	// The variant has to be known before its remembered tracks can be applied.
	variant := pickVariant(c, last, effective.VariantGUID)
	if variant == nil {
		return Rendition{}, ErrNoVariant
	}
	effective.VariantGUID = variant.GUID

	if effective.AudioGUID == "" {
		if guid, ok := mem.Audio(variant.GUID); ok {
			effective.AudioGUID = guid
		} else if variant.AudioTrack(last.AudioGUID) == nil {
			effective.AudioGUID = saved.Audio[variant.GUID]
		}
	}
	if effective.Subtitle == nil {
		if sel, ok := mem.Subtitle(variant.GUID); ok {
			effective.Subtitle = &sel
		} else if key, ok := saved.Subtitles[variant.GUID]; ok && variant.SubtitleTrack(last.SubtitleGUID) == nil {
			sel := ParseSubtitleSelection(key)
			effective.Subtitle = &sel
		}
	}

	return ResolveActiveTrio(c, last, effective)
}

// Remember saves a choice the user made: the variant they moved to and any
// audio or subtitle req names for it.
func (s *Selector) Remember(itemGUID string, req Request) {
	if itemGUID == "" || req.VariantGUID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(itemGUID)
	state.ActiveVariant = req.VariantGUID
	if req.AudioGUID != "" {
		state.Audio[req.VariantGUID] = req.AudioGUID
	}
	if req.Subtitle != nil {
		state.Subtitles[req.VariantGUID] = req.Subtitle.Key()
	}
	state.UpdatedAt = time.Now()

	if s.store == nil {
		return
	}
	if err := s.store.SaveSelection(state); err != nil {
		s.logger.Warn("Failed to persist selection",
			"item_guid", state.ItemGUID,
			"error", err)
	}
}

// Remembered returns a copy of the saved choices of a title.
func (s *Selector) Remembered(itemGUID string) storage.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(itemGUID)
	out := storage.Selection{
		ItemGUID:      state.ItemGUID,
		ActiveVariant: state.ActiveVariant,
		Audio:         make(map[string]string, len(state.Audio)),
		Subtitles:     make(map[string]string, len(state.Subtitles)),
		UpdatedAt:     state.UpdatedAt,
	}
	for k, v := range state.Audio {
		out.Audio[k] = v
	}
	for k, v := range state.Subtitles {
		out.Subtitles[k] = v
	}
	return out
}

func (s *Selector) stateLocked(itemGUID string) *storage.Selection {
	if st, ok := s.states[itemGUID]; ok {
		return st
	}

	st := storage.NewSelection(itemGUID)
	if s.store != nil {
		loaded, err := s.store.LoadSelection(itemGUID)
		switch {
		case err == nil:
			st = loaded
			if st.Audio == nil {
				st.Audio = make(map[string]string)
			}
			if st.Subtitles == nil {
				st.Subtitles = make(map[string]string)
			}
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("Failed to load remembered selection",
				"item_guid", itemGUID,
				"error", err)
		}
	}

	s.states[itemGUID] = st
	return st
}
