// Package session owns the single active playback session: it loads the
// catalog, resolves rendition and link, keeps the result in a Holder, drives
// the progress recorder, and publishes events on a Bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/progress"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

var (
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("no active playback session")

	// ErrSuperseded is returned when a newer Start, Switch or Stop was issued
	// while this one was resolving. Its result has been discarded.
	ErrSuperseded = errors.New("superseded by a newer playback request")

	// ErrUnknownTrack is returned when a switch names a GUID the catalog does
	// not contain.
	ErrUnknownTrack = errors.New("unknown track")
)

// CatalogLoader loads the stream catalog of an item.
type CatalogLoader interface {
	Load(ctx context.Context, itemGUID string) (*catalog.Catalog, error)
}

// PlayInfoAPI fetches where the user left off.
type PlayInfoAPI interface {
	GetPlayInfo(ctx context.Context, itemGUID string) (*fntv.PlayInfo, error)
}

// RenditionSelector picks a rendition and saves choices the user made.
type RenditionSelector interface {
	Resolve(c *catalog.Catalog, last rendition.LastPlayed, req rendition.Request, mem rendition.Memory) (rendition.Rendition, error)
	Remember(itemGUID string, req rendition.Request)
}

// LinkResolver obtains a playable link for a rendition.
type LinkResolver interface {
	Resolve(ctx context.Context, r rendition.Rendition, startSeconds float64) (*playlink.Link, error)
}

// Deps are the collaborators of a Manager. Journal, Clock and Bus are
// optional.
type Deps struct {
	Catalogs CatalogLoader
	PlayInfo PlayInfoAPI
	Selector RenditionSelector
	Links    LinkResolver
	Progress progress.API
	Journal  progress.Journal
	Clock    progress.Clock
	Bus      *Bus
}

// Status is the externally visible state of the active session.
type Status struct {
	Info     *PlayingInfo
	Position float64
	Playing  bool
}

// Manager is the playback session manager.
type Manager struct {
	config *config.PlaybackConfig
	deps   Deps
	holder *Holder
	bus    *Bus
	logger *slog.Logger

	token atomic.Uint64

	// mu serialises commits and guards recorder.
	mu       sync.Mutex
	recorder *progress.Recorder

	// draining tracks recorders still delivering their final record.
	draining sync.WaitGroup
}

// NewManager creates a manager with an empty session.
func NewManager(cfg *config.PlaybackConfig, deps Deps, logger *slog.Logger) *Manager {
	bus := deps.Bus
	if bus == nil {
		bus = NewBus(logger)
	}

	return &Manager{
		config: cfg,
		deps:   deps,
		holder: &Holder{},
		bus:    bus,
		logger: logger,
	}
}

// Bus returns the event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Holder returns the session cache.
func (m *Manager) Holder() *Holder { return m.holder }

// Current returns the active session or nil.
func (m *Manager) Current() *PlayingInfo { return m.holder.Get() }

// Status returns the active session with its live position.
func (m *Manager) Status() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.holder.Get()
	if info == nil {
		return Status{}, false
	}

	st := Status{Info: info, Position: info.StartPosition}
	if m.recorder != nil {
		st.Position = m.recorder.Position()
		st.Playing = m.recorder.Playing()
	}
	return st, true
}

// Start begins playback of itemGUID, replacing any active session.
func (m *Manager) Start(ctx context.Context, itemGUID string) (*PlayingInfo, error) {
	token := m.token.Add(1)

	m.logger.Info("Starting playback", "item_guid", itemGUID, "token", token)

	c, err := m.deps.Catalogs.Load(ctx, itemGUID)
	if err != nil {
		return nil, err
	}

	var last rendition.LastPlayed
	var item fntv.ItemInfo
	start := 0.0
	if info, err := m.deps.PlayInfo.GetPlayInfo(ctx, itemGUID); err != nil {
		m.logger.Warn("Failed to get play info, starting from the beginning",
			"item_guid", itemGUID,
			"error", err)
	} else {
		last = rendition.LastPlayed{
			VariantGUID:  info.MediaGUID,
			AudioGUID:    info.AudioGUID,
			SubtitleGUID: info.SubtitleGUID,
		}
		item = info.Item
		start = max(0, info.Timestamp)
	}

	if m.token.Load() != token {
		return nil, ErrSuperseded
	}

	rend, err := m.deps.Selector.Resolve(c, last, rendition.Request{}, rendition.Memory{})
	if err != nil {
		return nil, fmt.Errorf("select rendition for %s: %w", itemGUID, err)
	}

	link, err := m.deps.Links.Resolve(ctx, rend, start)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.token.Load() != token {
		m.mu.Unlock()
		m.logger.Debug("Discarding superseded playback start", "item_guid", itemGUID, "token", token)
		return nil, ErrSuperseded
	}

	stopped := m.stopLocked()

	info := &PlayingInfo{
		SessionID:     uuid.NewString(),
		Token:         token,
		ItemGUID:      itemGUID,
		Catalog:       c,
		LastPlayed:    last,
		Item:          item,
		Rendition:     rend,
		Link:          link,
		StartPosition: start,
		StartedAt:     time.Now(),
	}
	m.holder.Set(info)

	m.recorder = progress.NewRecorder(m.config, info.SessionID, m.deps.Progress, m.holder, progress.Options{
		Clock:       m.deps.Clock,
		Journal:     m.deps.Journal,
		OnPersisted: m.publishPersisted,
	}, m.logger)
	m.recorder.Start(start)
	m.mu.Unlock()

	if stopped != nil {
		m.publish(EventSessionStopped, stopped, nil)
	}
	m.publish(EventSessionChanged, info, nil)
	m.publish(EventPlaybackLinkResolved, info, link)

	m.logger.Info("Playback started",
		"item_guid", itemGUID,
		"session_id", info.SessionID,
		"title", item.Title,
		"variant_guid", rend.Variant.GUID,
		"audio_guid", rend.AudioGUID(),
		"subtitle", rend.Subtitle.Key(),
		"link_kind", link.Kind.String(),
		"start", start)

	return info, nil
}

// SwitchVariant re-resolves the session on another variant. The variant's
// remembered audio and subtitle choice is reused.
func (m *Manager) SwitchVariant(ctx context.Context, variantGUID string) (*PlayingInfo, error) {
	return m.switchTo(ctx, "variant", func(cur *PlayingInfo) (rendition.Request, error) {
		if _, ok := cur.Catalog.Variant(variantGUID); !ok {
			return rendition.Request{}, fmt.Errorf("%w: variant %s", ErrUnknownTrack, variantGUID)
		}
		return rendition.Request{VariantGUID: variantGUID}, nil
	})
}

// SwitchAudio selects another audio track of the current variant.
func (m *Manager) SwitchAudio(ctx context.Context, audioGUID string) (*PlayingInfo, error) {
	return m.switchTo(ctx, "audio", func(cur *PlayingInfo) (rendition.Request, error) {
		v := cur.Rendition.Variant
		if v.AudioTrack(audioGUID) == nil {
			return rendition.Request{}, fmt.Errorf("%w: audio %s", ErrUnknownTrack, audioGUID)
		}
		return rendition.Request{VariantGUID: v.GUID, AudioGUID: audioGUID}, nil
	})
}

// SwitchSubtitle selects another subtitle of the current variant, or turns
// subtitles off.
func (m *Manager) SwitchSubtitle(ctx context.Context, sel rendition.SubtitleSelection) (*PlayingInfo, error) {
	return m.switchTo(ctx, "subtitle", func(cur *PlayingInfo) (rendition.Request, error) {
		v := cur.Rendition.Variant
		if !sel.IsOff() && v.SubtitleTrack(sel.GUID()) == nil {
			return rendition.Request{}, fmt.Errorf("%w: subtitle %s", ErrUnknownTrack, sel.GUID())
		}
		return rendition.Request{VariantGUID: v.GUID, Subtitle: &sel}, nil
	})
}

// switchTo re-runs rendition selection and link resolution at the current
// position. The catalog is not reloaded. A rejected switch takes no token, so
// it never supersedes a start or switch in flight.
func (m *Manager) switchTo(ctx context.Context, kind string, request func(cur *PlayingInfo) (rendition.Request, error)) (*PlayingInfo, error) {
	cur := m.holder.Get()
	if cur == nil {
		return nil, ErrNoSession
	}

	req, err := request(cur)
	if err != nil {
		return nil, err
	}

	token := m.token.Add(1)

	position := cur.StartPosition
	m.mu.Lock()
	if m.recorder != nil {
		position = m.recorder.Position()
	}
	m.mu.Unlock()

	rend, err := m.deps.Selector.Resolve(cur.Catalog, cur.LastPlayed, req, cur.Memory)
	if err != nil {
		return nil, fmt.Errorf("select rendition for %s: %w", cur.ItemGUID, err)
	}

	link, err := m.deps.Links.Resolve(ctx, rend, position)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	active := m.holder.Get()
	if m.token.Load() != token || active == nil || active.SessionID != cur.SessionID {
		m.mu.Unlock()
		m.logger.Debug("Discarding superseded switch", "kind", kind, "token", token)
		return nil, ErrSuperseded
	}

	next := *active
	next.Token = token
	next.Rendition = rend
	next.Link = link
	next.Memory = active.Memory.With(req)
	next.StartPosition = position
	m.holder.Set(&next)
	if m.recorder != nil {
		m.recorder.Observe(position)
	}
	m.mu.Unlock()

	m.deps.Selector.Remember(next.ItemGUID, req)

	m.publish(EventSessionChanged, &next, nil)
	m.publish(EventPlaybackLinkResolved, &next, link)

	m.logger.Info("Playback switched",
		"kind", kind,
		"session_id", next.SessionID,
		"variant_guid", rend.Variant.GUID,
		"audio_guid", rend.AudioGUID(),
		"subtitle", rend.Subtitle.Key(),
		"position", position)

	return &next, nil
}

// Pause marks playback paused and records the position.
func (m *Manager) Pause() error {
	return m.control(func(r *progress.Recorder) { r.SetPlaying(false) })
}

// Resume marks playback running.
func (m *Manager) Resume() error {
	return m.control(func(r *progress.Recorder) { r.SetPlaying(true) })
}

// Seek moves playback to position and records it.
func (m *Manager) Seek(position float64) error {
	return m.control(func(r *progress.Recorder) { r.Seek(position) })
}

// ReportPosition updates the position reported by the player.
func (m *Manager) ReportPosition(position float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recorder == nil || m.holder.Get() == nil {
		return ErrNoSession
	}
	m.recorder.Observe(position)
	return nil
}

func (m *Manager) control(fn func(r *progress.Recorder)) error {
	m.mu.Lock()
	info := m.holder.Get()
	if m.recorder == nil || info == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	fn(m.recorder)
	m.mu.Unlock()

	m.publish(EventSessionChanged, info, nil)
	return nil
}

// Stop ends the active session: the final position is queued for recording,
// the heartbeat cancelled and the holder cleared. It does not wait for the
// server. In-flight starts and switches are discarded.
func (m *Manager) Stop() error {
	m.token.Add(1)

	m.mu.Lock()
	stopped := m.stopLocked()
	m.mu.Unlock()

	if stopped == nil {
		return ErrNoSession
	}

	m.publish(EventSessionStopped, stopped, nil)
	return nil
}

// Close stops the active session, if any, and waits until stopped sessions
// have delivered their final progress or given up.
func (m *Manager) Close() {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
		m.logger.Warn("Failed to stop session on close", "error", err)
	}
	m.draining.Wait()
}

// stopLocked stops the recorder and clears the holder. It returns the
// session that was stopped, or nil. The final record is queued before the
// holder is cleared and delivered in the background.
func (m *Manager) stopLocked() *PlayingInfo {
	info := m.holder.Get()
	if m.recorder != nil {
		final := m.recorder.Position()
		done := m.recorder.Stop(final)
		m.recorder = nil

		m.draining.Add(1)
		go func() {
			defer m.draining.Done()
			<-done
		}()

		if info != nil {
			m.logger.Info("Playback stopped",
				"item_guid", info.ItemGUID,
				"session_id", info.SessionID,
				"position", final)
		}
	}
	if info == nil {
		return nil
	}
	m.holder.ClearIf(info.SessionID)
	return info
}

func (m *Manager) publish(t EventType, info *PlayingInfo, data any) {
	m.bus.Publish(Event{
		Type:      t,
		SessionID: info.SessionID,
		ItemGUID:  info.ItemGUID,
		Data:      data,
	})
}

func (m *Manager) publishPersisted(p progress.Persisted) {
	m.bus.Publish(Event{
		Type:      EventProgressPersisted,
		SessionID: p.SessionID,
		ItemGUID:  p.ItemGUID,
		Timestamp: p.RecordedAt,
		Data:      p,
	})
}
