package rendition

import (
	"encoding/json"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
)

// OffKey is the binding value of the "no display" subtitle entry. Selection
// lists carry it alongside real track GUIDs.
const OffKey = "no-display"

type subtitleKind uint8

const (
	subtitleOff subtitleKind = iota
	subtitleTrack
)

// SubtitleSelection is either Off or a specific subtitle track.
// The zero value is Off.
type SubtitleSelection struct {
	kind subtitleKind
	guid string
}

// Off disables subtitles.
func Off() SubtitleSelection { return SubtitleSelection{kind: subtitleOff} }

// Track selects the subtitle track with the given GUID.
func Track(guid string) SubtitleSelection {
	if guid == "" || guid == OffKey {
		return Off()
	}
	return SubtitleSelection{kind: subtitleTrack, guid: guid}
}

// ParseSubtitleSelection turns a binding key back into a selection.
func ParseSubtitleSelection(key string) SubtitleSelection {
	if key == "off" {
		return Off()
	}
	return Track(key)
}

// IsOff reports whether subtitles are disabled.
func (s SubtitleSelection) IsOff() bool { return s.kind == subtitleOff }

// GUID returns the selected track GUID, or "" when Off.
func (s SubtitleSelection) GUID() string { return s.guid }

// Key returns the UI binding value: the track GUID, or OffKey.
func (s SubtitleSelection) Key() string {
	if s.IsOff() {
		return OffKey
	}
	return s.guid
}

func (s SubtitleSelection) String() string { return s.Key() }

func (s SubtitleSelection) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Key())
}

func (s *SubtitleSelection) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	*s = ParseSubtitleSelection(key)
	return nil
}

// SubtitleOption is one entry of a subtitle picker.
type SubtitleOption struct {
	Selection SubtitleSelection `json:"key"`
	Title     string            `json:"title"`
	Language  catalog.Language  `json:"language"`
	External  bool              `json:"external"`
}

// SubtitleOptions lists the choices for a variant. The Off entry is always first.
func SubtitleOptions(v *catalog.Variant) []SubtitleOption {
	opts := []SubtitleOption{{Selection: Off(), Title: "Off", Language: catalog.Unknown}}
	if v == nil {
		return opts
	}
	for _, t := range v.Subtitles {
		title := t.Title
		if title == "" {
			title = t.Language.Code()
		}
		opts = append(opts, SubtitleOption{
			Selection: Track(t.GUID),
			Title:     title,
			Language:  t.Language,
			External:  t.External,
		})
	}
	return opts
}
