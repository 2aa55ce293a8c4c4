package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/fntv"
	"github.com/opd-ai/go-fntv-play/internal/playlink"
	"github.com/opd-ai/go-fntv-play/internal/rendition"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

const (
	testSession = "session-1"
	waitFor     = time.Second
	tick        = 5 * time.Millisecond
)

type fakeAPI struct {
	mu      sync.Mutex
	records []*fntv.ProgressRecord
	err     error

	// When block is set the first call signals entered and waits for block
	// to be closed.
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeAPI) RecordProgress(ctx context.Context, record *fntv.ProgressRecord) error {
	if f.block != nil {
		f.once.Do(func() {
			f.entered <- struct{}{}
			select {
			case <-f.block:
			case <-ctx.Done():
			}
		})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return f.err
}

func (f *fakeAPI) calls() []*fntv.ProgressRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fntv.ProgressRecord(nil), f.records...)
}

func (f *fakeAPI) positions() []float64 {
	var out []float64
	for _, r := range f.calls() {
		out = append(out, r.Timestamp)
	}
	return out
}

type fakeSource struct {
	mu   sync.Mutex
	snap *Snapshot
}

func (s *fakeSource) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return *s.snap, true
}

func (s *fakeSource) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []*storage.ProgressEntry
}

func (j *fakeJournal) SaveProgress(entry *storage.ProgressEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeSource(t *testing.T, sub rendition.SubtitleSelection) *fakeSource {
	t.Helper()

	c := catalog.Build("item-1", &fntv.StreamList{
		Files:           []fntv.FileStream{{GUID: "V1"}},
		VideoStreams:    []fntv.VideoStream{{GUID: "vid1", MediaGUID: "V1", Height: 1080, BitRate: 5000, Duration: 600}},
		AudioStreams:    []fntv.AudioStream{{GUID: "A1", MediaGUID: "V1", IsDefault: 1}},
		SubtitleStreams: []fntv.SubtitleStream{{GUID: "S1", MediaGUID: "V1"}},
	}, nil)

	r, err := rendition.ResolveActiveTrio(c, rendition.LastPlayed{}, rendition.Request{Subtitle: &sub})
	require.NoError(t, err)

	return &fakeSource{snap: &Snapshot{
		SessionID: testSession,
		ItemGUID:  "item-1",
		Rendition: r,
		Link:      &playlink.Link{Kind: playlink.Direct, Path: "/media/range/V1"},
	}}
}

func newRecorder(api API, source Source, opts Options) *Recorder {
	cfg := &config.PlaybackConfig{HeartbeatInterval: 15 * time.Second}
	return NewRecorder(cfg, testSession, api, source, opts, testLogger())
}

func waitCalls(t *testing.T, api *fakeAPI, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(api.calls()) >= n }, waitFor, tick)
}

func waitTimer(t *testing.T, clock *MockClock) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, waitFor, tick)
}

func TestRecordIsNoopWithoutSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, &fakeSource{}, Options{Clock: clock})

	rec.Record(10)
	rec.Start(5)
	rec.Seek(20)
	<-rec.Stop(30)

	assert.Empty(t, api.calls())
}

func TestStartFloorsAtOneSecond(t *testing.T) {
	tests := []struct {
		start float64
		want  float64
	}{
		{0, 1},
		{0.4, 1},
		{1, 1},
		{95, 95},
	}

	for _, tt := range tests {
		api := &fakeAPI{}
		clock := NewMockClock(time.Unix(0, 0))
		rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

		rec.Start(tt.start)
		waitCalls(t, api, 1)
		<-rec.Stop(tt.start)

		calls := api.calls()
		require.NotEmpty(t, calls)
		assert.Equal(t, tt.want, calls[0].Timestamp, "start %v", tt.start)
	}
}

func TestPauseEdgeOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

	rec.Start(10)
	waitCalls(t, api, 1)

	rec.SetPlaying(true)
	rec.SetPlaying(false)
	waitCalls(t, api, 2)

	rec.SetPlaying(false)
	rec.SetPlaying(true)
	assert.True(t, rec.Playing())

	<-rec.Stop(12)
	assert.Equal(t, []float64{10, 10, 12}, api.positions())
}

func TestSeekRecordsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

	rec.Start(10)
	waitCalls(t, api, 1)

	rec.Seek(300)
	waitCalls(t, api, 2)
	assert.Equal(t, 300.0, rec.Position())

	<-rec.Stop(rec.Position())
	assert.Equal(t, []float64{10, 300, 300}, api.positions())
}

func TestHeartbeatWhilePlaying(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

	rec.Start(100)
	waitCalls(t, api, 1)

	waitTimer(t, clock)
	clock.Advance(15 * time.Second)
	waitCalls(t, api, 2)
	assert.Equal(t, 115.0, api.calls()[1].Timestamp)

	// Paused: the pause edge records, the heartbeat does not.
	waitTimer(t, clock)
	rec.SetPlaying(false)
	waitCalls(t, api, 3)
	clock.Advance(15 * time.Second)
	waitTimer(t, clock)
	assert.Len(t, api.calls(), 3)

	rec.SetPlaying(true)
	clock.Advance(15 * time.Second)
	waitCalls(t, api, 4)
	assert.Equal(t, 130.0, api.calls()[3].Timestamp)

	<-rec.Stop(rec.Position())
	assert.Len(t, api.calls(), 5)
}

func TestStopCancelsHeartbeatOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

	rec.Start(20)
	waitCalls(t, api, 1)
	waitTimer(t, clock)

	<-rec.Stop(50)
	<-rec.Stop(60)

	clock.Advance(time.Minute)
	rec.Record(70)
	rec.Seek(80)
	rec.Start(90)

	assert.Equal(t, []float64{20, 50}, api.positions())
}

func TestHeartbeatExitsWhenSessionEnds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	clock := NewMockClock(time.Unix(0, 0))
	source := activeSource(t, rendition.Off())
	rec := newRecorder(api, source, Options{Clock: clock})

	rec.Start(20)
	waitCalls(t, api, 1)
	waitTimer(t, clock)

	source.clear()
	clock.Advance(15 * time.Second)

	require.Eventually(t, func() bool {
		select {
		case <-rec.hbDone:
			return true
		default:
			return false
		}
	}, waitFor, tick)

	<-rec.Stop(40)
	assert.Len(t, api.calls(), 1)
}

func TestNewerTriggersCoalesce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock})

	rec.Start(5)
	<-api.entered

	rec.Seek(10)
	rec.Seek(20)
	rec.Seek(30)
	close(api.block)

	waitCalls(t, api, 2)
	<-rec.Stop(40)

	assert.Equal(t, []float64{5, 30, 40}, api.positions())
}

func TestStopDoesNotWaitForDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock, DrainTimeout: time.Hour})

	rec.Start(5)
	<-api.entered

	returned := make(chan (<-chan struct{}))
	go func() { returned <- rec.Stop(40) }()

	var done <-chan struct{}
	select {
	case done = <-returned:
	case <-time.After(waitFor):
		t.Fatal("Stop waited for the in-flight request")
	}

	select {
	case <-done:
		t.Fatal("worker exited before the pending record was sent")
	default:
	}

	close(api.block)
	<-done
	assert.Equal(t, []float64{5, 40}, api.positions())
}

func TestDrainTimeoutCancelsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{Clock: clock, DrainTimeout: 20 * time.Millisecond})

	rec.Start(5)
	<-api.entered

	select {
	case <-rec.Stop(40):
	case <-time.After(waitFor):
		t.Fatal("worker still running after the drain timeout")
	}

	// The blocked start record returned on cancellation; the final record
	// was dropped once the drain deadline had passed.
	assert.Equal(t, []float64{5}, api.positions())
}

func TestErrorsAreSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{err: errors.New("server unavailable")}
	journal := &fakeJournal{}
	var events []Persisted
	clock := NewMockClock(time.Unix(0, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{
		Clock:       clock,
		Journal:     journal,
		OnPersisted: func(p Persisted) { events = append(events, p) },
	})

	rec.Start(5)
	waitCalls(t, api, 1)
	<-rec.Stop(6)

	assert.Len(t, api.calls(), 2)
	assert.Empty(t, journal.entries)
	assert.Empty(t, events)
}

func TestPersistedCheckpoints(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{}
	journal := &fakeJournal{}
	var mu sync.Mutex
	var events []Persisted
	clock := NewMockClock(time.Unix(1000, 0))
	rec := newRecorder(api, activeSource(t, rendition.Off()), Options{
		Clock:   clock,
		Journal: journal,
		OnPersisted: func(p Persisted) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p)
		},
	})

	rec.Start(42)
	waitCalls(t, api, 1)
	<-rec.Stop(50)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, TriggerStart, events[0].Trigger)
	assert.Equal(t, TriggerStop, events[1].Trigger)
	assert.Equal(t, 50.0, events[1].Position)
	assert.Equal(t, "V1", events[1].VariantGUID)
	assert.Equal(t, testSession, events[1].SessionID)

	require.Len(t, journal.entries, 2)
	last := journal.entries[1]
	assert.Equal(t, "item-1", last.ItemGUID)
	assert.Equal(t, "stop", last.Trigger)
	assert.Equal(t, "/media/range/V1", last.PlayLink)
	assert.Equal(t, time.Unix(1000, 0), last.RecordedAt)
}

func TestRecordFields(t *testing.T) {
	snapOff := activeSource(t, rendition.Off())
	snap, _ := snapOff.Snapshot()

	rec := buildRecord(snap, 42)
	assert.Equal(t, "item-1", rec.ItemGUID)
	assert.Equal(t, "V1", rec.MediaGUID)
	assert.Equal(t, "vid1", rec.VideoGUID)
	assert.Equal(t, "A1", rec.AudioGUID)
	assert.Empty(t, rec.SubtitleGUID)
	assert.Equal(t, "1080p", rec.Resolution)
	assert.Equal(t, 5000, rec.Bitrate)
	assert.Equal(t, 600.0, rec.Duration)
	assert.Equal(t, "/media/range/V1", rec.PlayLink)

	withSub, _ := activeSource(t, rendition.Track("S1")).Snapshot()
	assert.Equal(t, "S1", buildRecord(withSub, 1).SubtitleGUID)

	assert.Equal(t, 600.0, buildRecord(snap, 9000).Timestamp, "clamped to duration")
}

func TestMockClockFiresDueTimersOnly(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	short := clock.After(time.Second)
	long := clock.After(time.Minute)

	clock.Advance(2 * time.Second)
	select {
	case <-short:
	default:
		t.Fatal("expected short timer to fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	assert.Equal(t, 1, clock.Waiters())
}
