package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Language is an ISO 639 code, or Unknown when the source did not tag the
// track with a usable language.
type Language struct {
	code string
}

// Unknown is the zero Language.
var Unknown = Language{}

// ParseLanguage normalises a raw language tag. Empty, "und", "zxx", "mis" and
// the private-use range qaa-qtz all map to Unknown.
func ParseLanguage(raw string) Language {
	code := strings.ToLower(strings.TrimSpace(raw))
	switch code {
	case "", "und", "zxx", "mis", "unknown":
		return Unknown
	}
	if len(code) == 3 && code >= "qaa" && code <= "qtz" {
		return Unknown
	}
	return Language{code: code}
}

// IsUnknown reports whether the language could not be determined.
func (l Language) IsUnknown() bool { return l.code == "" }

// Code returns the ISO code, or "und" for Unknown.
func (l Language) Code() string {
	if l.IsUnknown() {
		return "und"
	}
	return l.code
}

func (l Language) String() string { return l.Code() }

func (l Language) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Code())
}

func (l *Language) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = ParseLanguage(raw)
	return nil
}

// VideoTrack is a video elementary stream of one variant.
type VideoTrack struct {
	GUID        string   `json:"guid"`
	VariantGUID string   `json:"variant_guid"`
	Index       int      `json:"index"`
	Codec       string   `json:"codec"`
	Language    Language `json:"language"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Bitrate     int      `json:"bitrate"`
	IsDefault   bool     `json:"is_default"`
}

// AudioTrack is an audio elementary stream of one variant.
type AudioTrack struct {
	GUID          string   `json:"guid"`
	VariantGUID   string   `json:"variant_guid"`
	Index         int      `json:"index"`
	Codec         string   `json:"codec"`
	Language      Language `json:"language"`
	Title         string   `json:"title,omitempty"`
	Channels      int      `json:"channels"`
	ChannelLayout string   `json:"channel_layout,omitempty"`
	IsDefault     bool     `json:"is_default"`
}

// SubtitleTrack is an embedded or external subtitle of one variant.
type SubtitleTrack struct {
	GUID        string   `json:"guid"`
	VariantGUID string   `json:"variant_guid"`
	Index       int      `json:"index"`
	Codec       string   `json:"codec"`
	Format      string   `json:"format,omitempty"`
	Language    Language `json:"language"`
	Title       string   `json:"title,omitempty"`
	External    bool     `json:"external"`
	IsDefault   bool     `json:"is_default"`
}

// Variant is one concrete encoded file of a title and its tracks. Track slices
// keep the server's order; Index is the position within that slice.
type Variant struct {
	GUID      string          `json:"guid"`
	Path      string          `json:"path"`
	Container string          `json:"container,omitempty"`
	Size      int64           `json:"size"`
	Duration  float64         `json:"duration"`
	Bitrate   int             `json:"bitrate"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Video     []VideoTrack    `json:"video"`
	Audio     []AudioTrack    `json:"audio"`
	Subtitles []SubtitleTrack `json:"subtitles"`

	resolutionType string
}

// Resolution returns a label such as "1080p", preferring the server's own
// classification.
func (v *Variant) Resolution() string {
	if v.resolutionType != "" {
		return v.resolutionType
	}
	if v.Height > 0 {
		return fmt.Sprintf("%dp", v.Height)
	}
	return "original"
}

// PrimaryVideo returns the default video track, or the first one.
func (v *Variant) PrimaryVideo() *VideoTrack {
	for i := range v.Video {
		if v.Video[i].IsDefault {
			return &v.Video[i]
		}
	}
	if len(v.Video) > 0 {
		return &v.Video[0]
	}
	return nil
}

// AudioTrack looks up an audio track of this variant by GUID.
func (v *Variant) AudioTrack(guid string) *AudioTrack {
	if guid == "" {
		return nil
	}
	for i := range v.Audio {
		if v.Audio[i].GUID == guid {
			return &v.Audio[i]
		}
	}
	return nil
}

// SubtitleTrack looks up a subtitle track of this variant by GUID.
func (v *Variant) SubtitleTrack(guid string) *SubtitleTrack {
	if guid == "" {
		return nil
	}
	for i := range v.Subtitles {
		if v.Subtitles[i].GUID == guid {
			return &v.Subtitles[i]
		}
	}
	return nil
}

// DefaultAudio returns the audio track flagged default, if any.
func (v *Variant) DefaultAudio() *AudioTrack {
	for i := range v.Audio {
		if v.Audio[i].IsDefault {
			return &v.Audio[i]
		}
	}
	return nil
}

// DefaultSubtitle returns the subtitle track flagged default, if any.
func (v *Variant) DefaultSubtitle() *SubtitleTrack {
	for i := range v.Subtitles {
		if v.Subtitles[i].IsDefault {
			return &v.Subtitles[i]
		}
	}
	return nil
}

// Catalog is every variant of one title, keyed by variant GUID.
type Catalog struct {
	ItemGUID string

	order    []string
	variants map[string]*Variant
}

// NewCatalog builds a catalog from variants in the given order. Duplicate
// GUIDs keep the first occurrence.
func NewCatalog(itemGUID string, variants ...*Variant) *Catalog {
	c := &Catalog{
		ItemGUID: itemGUID,
		variants: make(map[string]*Variant, len(variants)),
	}
	for _, v := range variants {
		if _, ok := c.variants[v.GUID]; ok {
			continue
		}
		c.order = append(c.order, v.GUID)
		c.variants[v.GUID] = v
	}
	return c
}

// Variant returns the variant with the given GUID.
func (c *Catalog) Variant(guid string) (*Variant, bool) {
	v, ok := c.variants[guid]
	return v, ok
}

// Variants returns all variants in server order.
func (c *Catalog) Variants() []*Variant {
	out := make([]*Variant, 0, len(c.order))
	for _, guid := range c.order {
		out = append(out, c.variants[guid])
	}
	return out
}

// First returns the first variant in server order.
func (c *Catalog) First() (*Variant, bool) {
	if len(c.order) == 0 {
		return nil, false
	}
	return c.variants[c.order[0]], true
}

// Len returns the number of variants.
func (c *Catalog) Len() int { return len(c.order) }

// Validate checks referential integrity and the single-default rule.
func (c *Catalog) Validate() error {
	for _, guid := range c.order {
		v := c.variants[guid]
		if v.GUID != guid {
			return fmt.Errorf("variant %s indexed under %s", v.GUID, guid)
		}

		defaults := 0
		for _, t := range v.Video {
			if err := c.checkOwner("video", t.GUID, t.VariantGUID, guid); err != nil {
				return err
			}
			if t.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("variant %s has %d default video tracks", guid, defaults)
		}

		defaults = 0
		for _, t := range v.Audio {
			if err := c.checkOwner("audio", t.GUID, t.VariantGUID, guid); err != nil {
				return err
			}
			if t.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("variant %s has %d default audio tracks", guid, defaults)
		}

		defaults = 0
		for _, t := range v.Subtitles {
			if err := c.checkOwner("subtitle", t.GUID, t.VariantGUID, guid); err != nil {
				return err
			}
			if t.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("variant %s has %d default subtitle tracks", guid, defaults)
		}
	}
	return nil
}

func (c *Catalog) checkOwner(kind, trackGUID, owner, holder string) error {
	if _, ok := c.variants[owner]; !ok {
		return fmt.Errorf("%s track %s references unknown variant %q", kind, trackGUID, owner)
	}
	if owner != holder {
		return fmt.Errorf("%s track %s belongs to %s but is listed under %s", kind, trackGUID, owner, holder)
	}
	return nil
}

// MarshalJSON renders the catalog for the control API.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ItemGUID string     `json:"item_guid"`
		Variants []*Variant `json:"variants"`
	}{
		ItemGUID: c.ItemGUID,
		Variants: c.Variants(),
	})
}
