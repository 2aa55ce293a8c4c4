package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// FlatStore keeps one JSON document per record under a directory tree:
//
//	{dir}/selections/{item-guid}.json
//	{dir}/progress/{item-guid}.json
//	{dir}/subtitles/{subtitle-guid}.json
//
// Every write goes through atomic.WriteFile so a crash never leaves a
// truncated document behind.
type FlatStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

var _ Store = (*FlatStore)(nil)

const (
	kindSelections = "selections"
	kindProgress   = "progress"
	kindSubtitles  = "subtitles"
)

// NewFlatStore creates the directory layout under dir.
func NewFlatStore(dir string, logger *slog.Logger) (*FlatStore, error) {
	for _, kind := range []string{kindSelections, kindProgress, kindSubtitles} {
		if err := os.MkdirAll(filepath.Join(dir, kind), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	logger.Info("Storage initialized",
		"directory", dir,
		"backend", "flatfile")

	return &FlatStore{dir: dir, logger: logger}, nil
}

// Close is a no-op; nothing is held open between calls.
func (f *FlatStore) Close() error { return nil }

// HealthCheck verifies the directory is still writable.
func (f *FlatStore) HealthCheck() error {
	marker := filepath.Join(f.dir, ".health")
	if err := atomic.WriteFile(marker, strings.NewReader("ok")); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	return os.Remove(marker)
}

func (f *FlatStore) SaveSelection(sel *Selection) error {
	if err := validateSelection(sel); err != nil {
		return err
	}
	return f.write(kindSelections, sel.ItemGUID, sel)
}

func (f *FlatStore) LoadSelection(itemGUID string) (*Selection, error) {
	var sel Selection
	if err := f.read(kindSelections, itemGUID, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

func (f *FlatStore) SaveProgress(entry *ProgressEntry) error {
	if err := validateProgress(entry); err != nil {
		return err
	}
	return f.write(kindProgress, entry.ItemGUID, entry)
}

func (f *FlatStore) LastProgress(itemGUID string) (*ProgressEntry, error) {
	var entry ProgressEntry
	if err := f.read(kindProgress, itemGUID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListProgress returns every journal entry ordered by item GUID.
func (f *FlatStore) ListProgress() ([]*ProgressEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dir := filepath.Join(f.dir, kindProgress)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress directory: %w", err)
	}

	var entries []*ProgressEntry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			f.logger.Warn("Failed to read progress entry", "file", de.Name(), "error", err)
			continue
		}

		var entry ProgressEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			f.logger.Warn("Failed to unmarshal progress entry", "file", de.Name(), "error", err)
			continue
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemGUID < entries[j].ItemGUID })
	return entries, nil
}

func (f *FlatStore) AddSubtitleRecord(rec *SubtitleRecord) error {
	if err := validateSubtitle(rec); err != nil {
		return err
	}
	return f.write(kindSubtitles, rec.SubtitleGUID, rec)
}

func (f *FlatStore) GetSubtitleRecord(subtitleGUID string) (*SubtitleRecord, error) {
	var rec SubtitleRecord
	if err := f.read(kindSubtitles, subtitleGUID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stats counts the documents of each kind.
func (f *FlatStore) Stats() (*Stats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	count := func(kind string) (int, error) {
		entries, err := os.ReadDir(filepath.Join(f.dir, kind))
		if err != nil {
			return 0, err
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
				n++
			}
		}
		return n, nil
	}

	stats := &Stats{LastUpdated: time.Now()}
	var err error
	if stats.Selections, err = count(kindSelections); err != nil {
		return nil, err
	}
	if stats.Progress, err = count(kindProgress); err != nil {
		return nil, err
	}
	if stats.Subtitles, err = count(kindSubtitles); err != nil {
		return nil, err
	}
	return stats, nil
}

// path maps a record key to a file name. GUIDs are path-escaped so a hostile
// key cannot leave the store directory.
func (f *FlatStore) path(kind, key string) string {
	return filepath.Join(f.dir, kind, url.PathEscape(key)+".json")
}

func (f *FlatStore) write(kind, key string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := atomic.WriteFile(f.path(kind, key), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write failed for %s/%s: %w", kind, key, err)
	}
	return nil
}

func (f *FlatStore) read(kind, key string, out any) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(kind, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
		}
		return fmt.Errorf("failed to read %s/%s: %w", kind, key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", kind, key, err)
	}
	return nil
}
