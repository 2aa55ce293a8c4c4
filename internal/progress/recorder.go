// Package progress reports watch progress of the active playback session to
// the media server.
//
// A Recorder is created per session. Triggers (start, pause, seek, heartbeat,
// stop) snapshot the session and hand a record to a single worker goroutine.
// The worker keeps at most one request in flight; a trigger that fires while
// one is pending replaces it, so positions never reach the server out of
// order.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

const (
	defaultHeartbeat    = 15 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

// Trigger names what caused a progress record.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerPause     Trigger = "pause"
	TriggerSeek      Trigger = "seek"
	TriggerHeartbeat Trigger = "heartbeat"
	TriggerStop      Trigger = "stop"
	TriggerManual    Trigger = "manual"
)

// API persists progress on the server.
type API interface {
	RecordProgress(ctx context.Context, record *fntv.ProgressRecord) error
}

// Journal keeps the last acknowledged checkpoint locally.
type Journal interface {
	SaveProgress(entry *storage.ProgressEntry) error
}

// Snapshot is the part of the active session a record is built from.
type Snapshot struct {
	SessionID string
	ItemGUID  string
	Rendition rendition.Rendition
	Link      *playlink.Link
}

// Source exposes the active session. ok is false when nothing is playing.
type Source interface {
	Snapshot() (snap Snapshot, ok bool)
}

// Persisted describes a checkpoint the server accepted.
type Persisted struct {
	SessionID   string    `json:"session_id"`
	ItemGUID    string    `json:"item_guid"`
	VariantGUID string    `json:"variant_guid"`
	Position    float64   `json:"position"`
	Trigger     Trigger   `json:"trigger"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Options carries optional collaborators of a Recorder.
type Options struct {
	// Clock defaults to RealClock.
	Clock Clock
	// Journal, when set, receives every accepted checkpoint.
	Journal Journal
	// OnPersisted, when set, is called from the worker after each accepted
	// checkpoint. It must not block.
	OnPersisted func(Persisted)
	// DrainTimeout bounds how long the worker may keep delivering after
	// Stop. Defaults to 10s.
	DrainTimeout time.Duration
}

type job struct {
	record  *fntv.ProgressRecord
	trigger Trigger
}

// Recorder reports the progress of one session.
type Recorder struct {
	sessionID   string
	api         API
	source      Source
	journal     Journal
	onPersisted func(Persisted)
	clock       Clock
	interval    time.Duration
	drain       time.Duration
	logger      *slog.Logger

	// ctx scopes every request of the worker; it is cancelled when the
	// worker exits or the drain timeout after Stop expires.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	position   float64
	since      time.Time
	playing    bool
	started    bool
	stopped    bool
	pending    *job
	hbCancel   context.CancelFunc
	hbDone     chan struct{}
	drainTimer *time.Timer

	signal     chan struct{}
	workerDone chan struct{}
	stopOnce   sync.Once
}

// NewRecorder creates a recorder for sessionID and starts its worker. The
// heartbeat starts with Start.
func NewRecorder(cfg *config.PlaybackConfig, sessionID string, api API, source Source, opts Options, logger *slog.Logger) *Recorder {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		sessionID:   sessionID,
		api:         api,
		source:      source,
		journal:     opts.Journal,
		onPersisted: opts.OnPersisted,
		clock:       clock,
		interval:    interval,
		drain:       drain,
		logger:      logger.With("session_id", sessionID),
		ctx:         ctx,
		cancel:      cancel,
		signal:      make(chan struct{}, 1),
		workerDone:  make(chan struct{}),
	}

	go r.run()
	return r
}

// Start records the opening position, floored at one second, and starts the
// heartbeat. Calls after the first are ignored.
func (r *Recorder) Start(startSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.started {
		return
	}
	r.started = true
	r.position = startSeconds
	r.since = r.clock.Now()
	r.playing = true

	r.enqueueLocked(max(1, startSeconds), TriggerStart)

	ctx, cancel := context.WithCancel(context.Background())
	r.hbCancel = cancel
	r.hbDone = make(chan struct{})
	go r.heartbeat(ctx, r.hbDone)

	r.logger.Debug("Progress heartbeat started", "interval", r.interval)
}

// SetPlaying updates the play state. Only the playing to paused edge
// records progress.
func (r *Recorder) SetPlaying(playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || playing == r.playing {
		return
	}

	if playing {
		r.since = r.clock.Now()
		r.playing = true
		return
	}

	r.position = r.positionLocked()
	r.playing = false
	r.enqueueLocked(r.position, TriggerPause)
}

// Seek moves the position and records it immediately.
func (r *Recorder) Seek(target float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.position = max(0, target)
	r.since = r.clock.Now()
	r.enqueueLocked(r.position, TriggerSeek)
}

// Observe updates the position reported by the player without recording it.
func (r *Recorder) Observe(position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.position = max(0, position)
	r.since = r.clock.Now()
}

// Record queues a record of position. It never blocks and is a no-op when
// no session is active.
func (r *Recorder) Record(position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.enqueueLocked(position, TriggerManual)
}

// Position returns the current estimated position in seconds.
func (r *Recorder) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionLocked()
}

// Playing reports whether the recorder considers playback running.
func (r *Recorder) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// Stop records the final position and cancels the heartbeat. It does not
// wait for delivery: the worker sends what is pending in the background and
// gives up once the drain timeout expires. The returned channel is closed
// when the worker has exited. Only the first call has an effect.
func (r *Recorder) Stop(final float64) <-chan struct{} {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel, done := r.hbCancel, r.hbDone
		r.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		r.mu.Lock()
		r.position = final
		r.playing = false
		r.enqueueLocked(final, TriggerStop)
		r.stopped = true
		r.drainTimer = time.AfterFunc(r.drain, r.cancel)
		close(r.signal)
		r.mu.Unlock()

		r.logger.Debug("Progress recorder stopping", "position", final)
	})
	return r.workerDone
}

// Done is closed once the worker has exited after Stop.
func (r *Recorder) Done() <-chan struct{} { return r.workerDone }

func (r *Recorder) positionLocked() float64 {
	if !r.playing {
		return r.position
	}
	return r.position + r.clock.Now().Sub(r.since).Seconds()
}

// enqueueLocked snapshots the session and replaces the pending job.
func (r *Recorder) enqueueLocked(position float64, trigger Trigger) {
	snap, ok := r.source.Snapshot()
	if !ok || snap.SessionID != r.sessionID || snap.Rendition.Variant == nil {
		r.logger.Debug("No active session, skipping progress record",
			"trigger", trigger)
		return
	}

	if replaced := r.pending; replaced != nil {
		r.logger.Debug("Progress record superseded",
			"trigger", replaced.trigger,
			"by", trigger)
	}
	r.pending = &job{record: buildRecord(snap, position), trigger: trigger}

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func buildRecord(snap Snapshot, position float64) *fntv.ProgressRecord {
	v := snap.Rendition.Variant
	if v.Duration > 0 && position > v.Duration {
		position = v.Duration
	}

	rec := &fntv.ProgressRecord{
		ItemGUID:   snap.ItemGUID,
		MediaGUID:  v.GUID,
		VideoGUID:  snap.Rendition.VideoGUID(),
		AudioGUID:  snap.Rendition.AudioGUID(),
		Resolution: v.Resolution(),
		Bitrate:    v.Bitrate,
		Timestamp:  position,
		Duration:   v.Duration,
	}
	if !snap.Rendition.Subtitle.IsOff() {
		rec.SubtitleGUID = snap.Rendition.Subtitle.GUID()
	}
	if snap.Link != nil {
		rec.PlayLink = snap.Link.Path
	}
	return rec
}

func (r *Recorder) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.interval):
		}

		if snap, ok := r.source.Snapshot(); !ok || snap.SessionID != r.sessionID {
			r.logger.Debug("Session ended, stopping heartbeat")
			return
		}

		r.mu.Lock()
		if r.playing && !r.stopped {
			r.enqueueLocked(r.positionLocked(), TriggerHeartbeat)
		}
		r.mu.Unlock()
	}
}

// run is the single worker. It exits once the signal channel is closed and
// the last pending job was sent.
func (r *Recorder) run() {
	defer func() {
		r.mu.Lock()
		if r.drainTimer != nil {
			r.drainTimer.Stop()
		}
		r.mu.Unlock()
		r.cancel()
		close(r.workerDone)
	}()

	for range r.signal {
		r.mu.Lock()
		j := r.pending
		r.pending = nil
		r.mu.Unlock()

		if j == nil {
			continue
		}
		if r.ctx.Err() != nil {
			r.logger.Warn("Dropping progress record after drain timeout",
				"item_guid", j.record.ItemGUID,
				"trigger", j.trigger,
				"position", j.record.Timestamp)
			continue
		}
		r.send(j)
	}
}

func (r *Recorder) send(j *job) {
	start := time.Now()
	if err := r.api.RecordProgress(r.ctx, j.record); err != nil {
		r.logger.Warn("Failed to record progress",
			"item_guid", j.record.ItemGUID,
			"trigger", j.trigger,
			"position", j.record.Timestamp,
			"error", err)
		return
	}

	now := r.clock.Now()
	r.logger.Debug("Progress recorded",
		"item_guid", j.record.ItemGUID,
		"trigger", j.trigger,
		"position", j.record.Timestamp,
		"duration", time.Since(start))

	if r.journal != nil {
		entry := &storage.ProgressEntry{
			ItemGUID:    j.record.ItemGUID,
			VariantGUID: j.record.MediaGUID,
			SessionID:   r.sessionID,
			Position:    j.record.Timestamp,
			Duration:    j.record.Duration,
			Trigger:     string(j.trigger),
			PlayLink:    j.record.PlayLink,
			RecordedAt:  now,
		}
		if err := r.journal.SaveProgress(entry); err != nil {
			r.logger.Warn("Failed to journal progress",
				"item_guid", j.record.ItemGUID,
				"error", err)
		}
	}

	if r.onPersisted != nil {
		r.onPersisted(Persisted{
			SessionID:   r.sessionID,
			ItemGUID:    j.record.ItemGUID,
			VariantGUID: j.record.MediaGUID,
			Position:    j.record.Timestamp,
			Trigger:     j.trigger,
			RecordedAt:  now,
		})
	}
}
