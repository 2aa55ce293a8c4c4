package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opd-ai/go-fntv-play/pkg/config"
)

// Bucket names, one per record kind.
var (
	bucketSelections = []byte("selections") // sel:{item-guid}
	bucketProgress   = []byte("progress")   // progress:{item-guid}
	bucketSubtitles  = []byte("subtitles")  // sub:{subtitle-guid}
)

// BoltStore handles all BoltDB operations with proper error handling and logging.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database in cfg.Directory and creates
// the required buckets.
func NewBoltStore(cfg *config.StorageConfig, logger *slog.Logger) (*BoltStore, error) {
	dbPath := filepath.Join(cfg.Directory, "go-fntv-play.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	store := &BoltStore{
		db:     db,
		logger: logger,
	}

	if err := store.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	logger.Info("Storage initialized",
		"db_path", dbPath,
		"backend", "boltdb")

	return store, nil
}

// initializeBuckets creates all required buckets if they don't exist.
func (s *BoltStore) initializeBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketSelections, bucketProgress, bucketSubtitles} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", string(bucket), err)
			}
		}
		return nil
	})
}

// Close closes the database connection gracefully.
func (s *BoltStore) Close() error {
	s.logger.Info("Closing storage")
	return s.db.Close()
}

// HealthCheck verifies the database is readable.
func (s *BoltStore) HealthCheck() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSelections) == nil {
			return fmt.Errorf("selections bucket missing")
		}
		return nil
	})
}

// SaveSelection stores the remembered selection of a title.
func (s *BoltStore) SaveSelection(sel *Selection) error {
	if err := validateSelection(sel); err != nil {
		return err
	}
	return s.put(bucketSelections, "sel:"+sel.ItemGUID, sel)
}

// LoadSelection returns the remembered selection of a title.
func (s *BoltStore) LoadSelection(itemGUID string) (*Selection, error) {
	var sel Selection
	if err := s.get(bucketSelections, "sel:"+itemGUID, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

// SaveProgress replaces the journal entry of a title.
func (s *BoltStore) SaveProgress(entry *ProgressEntry) error {
	if err := validateProgress(entry); err != nil {
		return err
	}
	if err := s.put(bucketProgress, "progress:"+entry.ItemGUID, entry); err != nil {
		return err
	}

	s.logger.Debug("Progress journaled",
		"item_guid", entry.ItemGUID,
		"position", entry.Position,
		"trigger", entry.Trigger)

	return nil
}

// LastProgress returns the latest journal entry of a title.
func (s *BoltStore) LastProgress(itemGUID string) (*ProgressEntry, error) {
	var entry ProgressEntry
	if err := s.get(bucketProgress, "progress:"+itemGUID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListProgress returns every journal entry in key order.
func (s *BoltStore) ListProgress() ([]*ProgressEntry, error) {
	var entries []*ProgressEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProgress).ForEach(func(k, v []byte) error {
			var entry ProgressEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("Failed to unmarshal progress entry",
					"key", string(k),
					"error", err)
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})

	return entries, err
}

// AddSubtitleRecord indexes a downloaded subtitle file.
func (s *BoltStore) AddSubtitleRecord(rec *SubtitleRecord) error {
	if err := validateSubtitle(rec); err != nil {
		return err
	}
	return s.put(bucketSubtitles, "sub:"+rec.SubtitleGUID, rec)
}

// GetSubtitleRecord looks up a downloaded subtitle file.
func (s *BoltStore) GetSubtitleRecord(subtitleGUID string) (*SubtitleRecord, error) {
	var rec SubtitleRecord
	if err := s.get(bucketSubtitles, "sub:"+subtitleGUID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stats counts the records in each bucket.
func (s *BoltStore) Stats() (*Stats, error) {
	stats := &Stats{LastUpdated: time.Now()}

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Selections = tx.Bucket(bucketSelections).Stats().KeyN
		stats.Progress = tx.Bucket(bucketProgress).Stats().KeyN
		stats.Subtitles = tx.Bucket(bucketSubtitles).Stats().KeyN
		return nil
	})

	return stats, err
}

func (s *BoltStore) put(bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
		return nil
	})
}

func (s *BoltStore) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}
