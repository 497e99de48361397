package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type outcome struct {
	audio tts.Audio
	err   error
}

type call struct {
	profile VoiceProfile
	text    string
	reply   chan outcome
}

func (c *call) succeed(url string) { c.reply <- outcome{audio: tts.Remote(url)} }
func (c *call) fail(err error) { c.reply <- outcome{err: err} }

// fakeSynth parks every call until the test replies to it.
type fakeSynth struct {
	calls chan *call
	count atomic.Int32
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{calls: make(chan *call, 32)}
}

func (f *fakeSynth) Synthesize(ctx context.Context, profile VoiceProfile, text string) (tts.Audio, error) {
	c := &call{profile: profile, text: text, reply: make(chan outcome, 1)}
	f.count.Add(1)
	f.calls <- c
	select {
	case o := <-c.reply:
		return o.audio, o.err
	case <-ctx.Done():
		select {
		case o := <-c.reply:
			return o.audio, o.err
		default:
			return tts.Audio{}, ctx.Err()
		}
	}
}

func (f *fakeSynth) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for synthesis call")
		return nil
	}
}

type readyEvent struct {
	sessionID string
	index     int
	url       string
}

type failedEvent struct {
	sessionID string
	index     int
	err       error
}

type recorder struct {
	ready  chan readyEvent
	failed chan failedEvent

	mu         sync.Mutex
	registered []string
	cleared    []string
}

func newRecorder() *recorder {
	return &recorder{ready: make(chan readyEvent, 32), failed: make(chan failedEvent, 32)}
}

func (r *recorder) AudioReady(sessionID string, index int, audio tts.Audio) {
	r.ready <- readyEvent{sessionID, index, audio.PlayableURL()}
}

func (r *recorder) AudioFailed(sessionID string, index int, err error) {
	r.failed <- failedEvent{sessionID, index, err}
}

func (r *recorder) SessionRegistered(sess Session) {
	r.mu.Lock()
	r.registered = append(r.registered, sess.ID)
	r.mu.Unlock()
}

func (r *recorder) SessionCleared(sessionID string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, sessionID)
	r.mu.Unlock()
}

func (r *recorder) nextReady(t *testing.T) readyEvent {
	t.Helper()
	select {
	case ev := <-r.ready:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ready notification")
		return readyEvent{}
	}
}

func (r *recorder) nextFailed(t *testing.T) failedEvent {
	t.Helper()
	select {
	case ev := <-r.failed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error notification")
		return failedEvent{}
	}
}

func dialogue(id string, n int) Session {
	sess := Session{ID: id}
	for i := 0; i < n; i++ {
		speaker := "A"
		if i%2 == 1 {
			speaker = "B"
		}
		sess.Segments = append(sess.Segments, Segment{Speaker: speaker, Text: "line " + string(rune('0'+i))})
	}
	return sess
}

func voices() map[string]VoiceProfile {
	return map[string]VoiceProfile{
		"A": {ID: "host", Name: "Host", Recipe: "curl https://tts.example/a"},
		"B": {ID: "guest", Name: "Guest", Recipe: "curl https://tts.example/b"},
	}
}

func newManager(t *testing.T, synth tts.Synthesizer, prefetch bool) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(context.Background(), synth, segment.NewStore(), Options{Prefetch: prefetch}, newLogger())
	rec := newRecorder()
	m.AddListener(rec)
	t.Cleanup(m.Close)
	return m, rec
}

func register(t *testing.T, m *Manager, sess Session) {
	t.Helper()
	if err := m.SetSessionData(sess); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := m.SetVoiceProfiles(sess.ID, voices()); err != nil {
		t.Fatalf("set voices: %v", err)
	}
}

func TestReadySegmentIsServedFromCache(t *testing.T) {
	synth := newFakeSynth()
	m, rec := newManager(t, synth, false)
	register(t, m, dialogue("s1", 2))

	res, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent)
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if !res.Success || res.AudioURL != nil || res.TotalCount != 2 || res.Message == "" {
		t.Fatalf("expected pending result, got %+v", res)
	}

	c := synth.next(t)
	if c.text != "line 0" || c.profile.ID != "host" {
		t.Fatalf("unexpected call %+v", c)
	}
	c.succeed("https://cdn.example/0.mp3")
	if ev := rec.nextReady(t); ev.sessionID != "s1" || ev.index != 0 || ev.url != "https://cdn.example/0.mp3" {
		t.Fatalf("unexpected ready event %+v", ev)
	}

	for i := 0; i < 3; i++ {
		res, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent)
		if err != nil {
			t.Fatalf("get audio: %v", err)
		}
		if res.AudioURL == nil || *res.AudioURL != "https://cdn.example/0.mp3" {
			t.Fatalf("expected cached url, got %+v", res)
		}
	}
	if got := synth.count.Load(); got != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", got)
	}
}

func TestRequestingSegmentDoesNotStartAnotherCall(t *testing.T) {
	synth := newFakeSynth()
	m, _ := newManager(t, synth, false)
	register(t, m, dialogue("s1", 1))

	for i := 0; i < 3; i++ {
		res, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent)
		if err != nil {
			t.Fatalf("get audio: %v", err)
		}
		if res.AudioURL != nil {
			t.Fatalf("expected pending result, got %+v", res)
		}
	}
	synth.next(t).succeed("https://cdn.example/0.mp3")
	m.Close()
	if got := synth.count.Load(); got != 1 {
		t.Fatalf("expected one call, got %d", got)
	}
}

func TestOnlyLatestGenerationIsCommitted(t *testing.T) {
	t.Run("later succeeds, earlier fails afterwards", func(t *testing.T) {
		synth := newFakeSynth()
		m, rec := newManager(t, synth, false)
		register(t, m, dialogue("s1", 1))

		if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
			t.Fatalf("get audio: %v", err)
		}
		first := synth.next(t)
		if _, err := m.Regenerate(context.Background(), "s1", 0); err != nil {
			t.Fatalf("regenerate: %v", err)
		}
		second := synth.next(t)

		second.succeed("https://cdn.example/second.mp3")
		rec.nextReady(t)
		first.fail(errors.New("late failure"))
		m.Close()

		states, _ := m.Snapshot("s1")
		if states[0].Status != segment.Ready || states[0].Audio.URL != "https://cdn.example/second.mp3" {
			t.Fatalf("expected second result committed, got %+v", states[0])
		}
		if len(rec.failed) != 0 || len(rec.ready) != 0 {
			t.Fatalf("stale result produced notifications")
		}
	})

	t.Run("earlier succeeds while later is pending", func(t *testing.T) {
		synth := newFakeSynth()
		m, rec := newManager(t, synth, false)
		register(t, m, dialogue("s1", 1))

		if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
			t.Fatalf("get audio: %v", err)
		}
		first := synth.next(t)
		if _, err := m.Regenerate(context.Background(), "s1", 0); err != nil {
			t.Fatalf("regenerate: %v", err)
		}
		second := synth.next(t)

		first.succeed("https://cdn.example/first.mp3")
		second.fail(errors.New("boom"))
		if ev := rec.nextFailed(t); ev.index != 0 {
			t.Fatalf("unexpected failure event %+v", ev)
		}
		m.Close()

		states, _ := m.Snapshot("s1")
		if states[0].Status != segment.Failed || states[0].Audio != nil {
			t.Fatalf("expected stale success discarded, got %+v", states[0])
		}
		if len(rec.ready) != 0 {
			t.Fatalf("stale success was announced")
		}
	})
}

func TestPrefetchSkipsRequestingAndReady(t *testing.T) {
	synth := newFakeSynth()
	m, rec := newManager(t, synth, true)
	register(t, m, dialogue("s1", 3))
	ctx := context.Background()

	if _, err := m.GetAudio(ctx, "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	a, b := synth.next(t), synth.next(t)
	texts := map[string]*call{a.text: a, b.text: b}
	if texts["line 0"] == nil || texts["line 1"] == nil {
		t.Fatalf("expected segment 0 and prefetch of 1, got %q and %q", a.text, b.text)
	}

	// both 0 and 1 are Requesting: nothing new may start
	if _, err := m.GetAudio(ctx, "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}

	texts["line 0"].succeed("https://cdn.example/0.mp3")
	texts["line 1"].succeed("https://cdn.example/1.mp3")
	rec.nextReady(t)
	rec.nextReady(t)

	// 1 is Ready, so only 2 is prefetched
	res, err := m.GetAudio(ctx, "s1", 1, DirectionNext)
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if res.AudioURL == nil || *res.AudioURL != "https://cdn.example/1.mp3" {
		t.Fatalf("expected ready url, got %+v", res)
	}
	if c := synth.next(t); c.text != "line 2" {
		t.Fatalf("expected prefetch of segment 2, got %q", c.text)
	}

	// 2 is Requesting; the last segment has no successor
	if _, err := m.GetAudio(ctx, "s1", 1, DirectionNext); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	m.Close()
	if got := synth.count.Load(); got != 3 {
		t.Fatalf("expected 3 synthesis calls, got %d", got)
	}
}

func TestPreviousDirectionDoesNotPrefetch(t *testing.T) {
	synth := newFakeSynth()
	m, _ := newManager(t, synth, true)
	register(t, m, dialogue("s1", 3))

	if _, err := m.GetAudio(context.Background(), "s1", 1, DirectionPrevious); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if c := synth.next(t); c.text != "line 1" {
		t.Fatalf("unexpected call %q", c.text)
	}
	m.Close()
	if got := synth.count.Load(); got != 1 {
		t.Fatalf("expected no prefetch, got %d calls", got)
	}
}

func TestIndexOutOfRangeAndUnknownSession(t *testing.T) {
	synth := newFakeSynth()
	m, _ := newManager(t, synth, true)
	register(t, m, dialogue("s1", 2))

	for _, idx := range []int{2, -1, 10} {
		_, err := m.GetAudio(context.Background(), "s1", idx, DirectionCurrent)
		var rangeErr *IndexOutOfRangeError
		if !errors.As(err, &rangeErr) {
			t.Fatalf("expected IndexOutOfRangeError for %d, got %v", idx, err)
		}
		if rangeErr.Total != 2 {
			t.Fatalf("unexpected total %d", rangeErr.Total)
		}
	}
	if _, err := m.GetAudio(context.Background(), "missing", 0, DirectionCurrent); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	states, err := m.Snapshot("s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, st := range states {
		if st.Status != segment.NotRequested {
			t.Fatalf("out-of-range access must not store state, got %+v", st)
		}
	}
}

func TestVoicesForUnknownSessionAreRejected(t *testing.T) {
	m, _ := newManager(t, newFakeSynth(), false)
	if err := m.SetVoiceProfiles("ghost", voices()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	m.mu.Lock()
	_, stored := m.voices["ghost"]
	m.mu.Unlock()
	if stored {
		t.Fatalf("voices for an unknown session must not be kept")
	}

	register(t, m, dialogue("ghost", 1))
	m.ClearSession("ghost")
	if err := m.SetVoiceProfiles("ghost", voices()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after clear, got %v", err)
	}
}

func TestFailedSegmentIsRetriedOnNextAccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "temporarily broken", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	inv := tts.NewInvoker(tts.NewHTTPTransport(5*time.Second, ""), tts.Normalizer{}, "", newLogger())
	m, rec := newManager(t, inv, false)
	if err := m.SetSessionData(Session{ID: "s1", Segments: []Segment{{Speaker: "A", Text: "Hello"}}}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := m.SetVoiceProfiles("s1", map[string]VoiceProfile{"A": {ID: "v", Recipe: "curl -X POST " + srv.URL + ` -d '{"text":"{text}"}'`}}); err != nil {
		t.Fatalf("set voices: %v", err)
	}

	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	ev := rec.nextFailed(t)
	var gerr *tts.GenerationError
	if !errors.As(ev.err, &gerr) || gerr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 GenerationError, got %v", ev.err)
	}
	states, _ := m.Snapshot("s1")
	if states[0].Status != segment.Failed || !strings.Contains(states[0].Err, "500") {
		t.Fatalf("expected Failed with status message, got %+v", states[0])
	}
	if hits.Load() != 1 {
		t.Fatalf("failed segment must not be retried eagerly")
	}

	res, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent)
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if res.AudioURL != nil {
		t.Fatalf("retry should be pending, got %+v", res)
	}
	ready := rec.nextReady(t)
	if !strings.HasPrefix(ready.url, "data:audio/mpeg;base64,") {
		t.Fatalf("unexpected audio url %q", ready.url)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected a second request, got %d", hits.Load())
	}
}

func TestMissingVoiceProfileFails(t *testing.T) {
	synth := newFakeSynth()
	m, rec := newManager(t, synth, false)
	if err := m.SetSessionData(Session{ID: "s1", Segments: []Segment{{Speaker: "C", Text: "hi"}}}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := m.SetVoiceProfiles("s1", voices()); err != nil {
		t.Fatalf("set voices: %v", err)
	}
	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if ev := rec.nextFailed(t); !errors.Is(ev.err, ErrVoiceNotConfigured) {
		t.Fatalf("expected ErrVoiceNotConfigured, got %v", ev.err)
	}
	if got := synth.count.Load(); got != 0 {
		t.Fatalf("no synthesis expected, got %d", got)
	}
}

func TestVoiceLookupIgnoresCase(t *testing.T) {
	synth := newFakeSynth()
	m, _ := newManager(t, synth, false)
	if err := m.SetSessionData(Session{ID: "s1", Segments: []Segment{{Speaker: "HOST", Text: "hi"}}}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := m.SetVoiceProfiles("s1", map[string]VoiceProfile{"host": {ID: "h", Recipe: "curl https://x"}}); err != nil {
		t.Fatalf("set voices: %v", err)
	}
	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if c := synth.next(t); c.profile.ID != "h" {
		t.Fatalf("unexpected profile %+v", c.profile)
	}
}

func TestClearSessionDiscardsInflightResults(t *testing.T) {
	synth := newFakeSynth()
	m, rec := newManager(t, synth, false)
	register(t, m, dialogue("s1", 1))

	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	old := synth.next(t)

	if !m.ClearSession("s1") {
		t.Fatalf("expected session to exist")
	}
	if ids := m.AllSessions(); len(ids) != 0 {
		t.Fatalf("expected no sessions, got %v", ids)
	}
	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after clear, got %v", err)
	}

	register(t, m, dialogue("s1", 1))
	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	fresh := synth.next(t)

	old.succeed("https://cdn.example/old.mp3")
	fresh.succeed("https://cdn.example/new.mp3")
	if ev := rec.nextReady(t); ev.url != "https://cdn.example/new.mp3" {
		t.Fatalf("stale result leaked: %+v", ev)
	}
	m.Close()
	if len(rec.ready) != 0 {
		t.Fatalf("unexpected extra ready notification")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.registered) != 2 || len(rec.cleared) != 1 {
		t.Fatalf("unexpected observer calls: registered=%v cleared=%v", rec.registered, rec.cleared)
	}
}

func TestSetSessionDataKeepsReadySegments(t *testing.T) {
	synth := newFakeSynth()
	m, rec := newManager(t, synth, false)
	register(t, m, dialogue("s1", 2))

	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); err != nil {
		t.Fatalf("get audio: %v", err)
	}
	synth.next(t).succeed("https://cdn.example/0.mp3")
	rec.nextReady(t)

	register(t, m, dialogue("s1", 2))
	res, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent)
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	if res.AudioURL == nil {
		t.Fatalf("ready audio should survive re-registration")
	}
	if ids := m.AllSessions(); len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("unexpected sessions %v", ids)
	}
}

func TestClosedManagerRejectsRequests(t *testing.T) {
	m, _ := newManager(t, newFakeSynth(), false)
	register(t, m, dialogue("s1", 1))
	m.Close()
	if _, err := m.GetAudio(context.Background(), "s1", 0, DirectionCurrent); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{"": DirectionCurrent, "NEXT": DirectionNext, " previous ": DirectionPrevious}
	for in, want := range cases {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Fatalf("ParseDirection(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDirection("sideways"); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
}
