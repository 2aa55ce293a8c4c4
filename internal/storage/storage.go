// Package storage persists client-side playback state for go-fntv-play:
// remembered track selections, the local progress journal, and the index of
// downloaded external subtitles.
//
// Two backends implement Store: BoltStore (default) keeps everything in one
// bbolt file; FlatStore writes one JSON document per record with atomic
// renames.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opd-ai/go-fntv-play/pkg/config"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("record not found")

// Selection is the remembered track choice of one title.
// Audio maps variant GUID to audio track GUID; Subtitles maps variant GUID to
// a subtitle binding key (a track GUID or the "no-display" key).
type Selection struct {
	ItemGUID      string            `json:"item_guid"`
	ActiveVariant string            `json:"active_variant"`
	Audio         map[string]string `json:"audio"`
	Subtitles     map[string]string `json:"subtitles"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewSelection returns an empty selection for itemGUID.
func NewSelection(itemGUID string) *Selection {
	return &Selection{
		ItemGUID:  itemGUID,
		Audio:     make(map[string]string),
		Subtitles: make(map[string]string),
	}
}

// ProgressEntry is the last checkpoint the server acknowledged for a title.
type ProgressEntry struct {
	ItemGUID    string    `json:"item_guid"`
	VariantGUID string    `json:"variant_guid"`
	SessionID   string    `json:"session_id"`
	Position    float64   `json:"position"`
	Duration    float64   `json:"duration"`
	Trigger     string    `json:"trigger"`
	PlayLink    string    `json:"play_link"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// SubtitleRecord indexes an external subtitle file downloaded to disk.
type SubtitleRecord struct {
	SubtitleGUID string    `json:"subtitle_guid"`
	VariantGUID  string    `json:"variant_guid"`
	LocalPath    string    `json:"local_path"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Stats summarises the store contents.
type Stats struct {
	Selections  int       `json:"selections"`
	Progress    int       `json:"progress"`
	Subtitles   int       `json:"subtitles"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store is implemented by every storage backend.
type Store interface {
	SaveSelection(sel *Selection) error
	LoadSelection(itemGUID string) (*Selection, error)

	SaveProgress(entry *ProgressEntry) error
	LastProgress(itemGUID string) (*ProgressEntry, error)
	ListProgress() ([]*ProgressEntry, error)

	AddSubtitleRecord(rec *SubtitleRecord) error
	GetSubtitleRecord(subtitleGUID string) (*SubtitleRecord, error)

	Stats() (*Stats, error)
	HealthCheck() error
	Close() error
}

// Open creates the backend selected by cfg.SelectionStore.
func Open(cfg *config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.SelectionStore {
	case "", "boltdb":
		return NewBoltStore(cfg, logger)
	case "flatfile":
		return NewFlatStore(cfg.Directory, logger)
	default:
		return nil, fmt.Errorf("unknown selection store %q", cfg.SelectionStore)
	}
}

func validateSelection(sel *Selection) error {
	if sel == nil || sel.ItemGUID == "" {
		return fmt.Errorf("selection must have ItemGUID")
	}
	return nil
}

func validateProgress(entry *ProgressEntry) error {
	if entry == nil || entry.ItemGUID == "" {
		return fmt.Errorf("progress entry must have ItemGUID")
	}
	return nil
}

func validateSubtitle(rec *SubtitleRecord) error {
	if rec == nil || rec.SubtitleGUID == "" || rec.LocalPath == "" {
		return fmt.Errorf("subtitle record must have SubtitleGUID and LocalPath")
	}
	return nil
}
