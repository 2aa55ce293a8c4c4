package session

import (
	"sync"
	"time"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/progress"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
)

// PlayingInfo is everything known about the active playback.
type PlayingInfo struct {
	SessionID     string
	Token         uint64
	ItemGUID      string
	Catalog       *catalog.Catalog
	LastPlayed    rendition.LastPlayed
	Memory        rendition.Memory
	Item          fntv.ItemInfo
	Rendition     rendition.Rendition
	Link          *playlink.Link
	StartPosition float64
	StartedAt     time.Time
}

// Holder is the single-slot cache of the active session. All access is
// serialised by its mutex; values are replaced, never mutated in place.
type Holder struct {
	mu   sync.RWMutex
	info *PlayingInfo
}

// Get returns the active session or nil.
func (h *Holder) Get() *PlayingInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

// Set replaces the active session.
func (h *Holder) Set(info *PlayingInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = info
}

// Clear empties the holder and returns what it held.
func (h *Holder) Clear() *PlayingInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.info
	h.info = nil
	return prev
}

// ClearIf empties the holder only if it still holds sessionID.
func (h *Holder) ClearIf(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.info == nil || h.info.SessionID != sessionID {
		return false
	}
	h.info = nil
	return true
}

// Snapshot implements progress.Source.
func (h *Holder) Snapshot() (progress.Snapshot, bool) {
	info := h.Get()
	if info == nil {
		return progress.Snapshot{}, false
	}
	return progress.Snapshot{
		SessionID: info.SessionID,
		ItemGUID:  info.ItemGUID,
		Rendition: info.Rendition,
		Link:      info.Link,
	}, true
}
