package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-podcast/internal/session"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

const (
	EventSessionRegistered = "session.registered"
	EventSessionCleared    = "session.cleared"
	EventAudioReady        = "audio.ready"
	EventAudioError        = "audio.error"

	timelineBuffer = 256
)

type readyPayload struct {
	MIME       string `json:"mime,omitempty"`
	URL        string `json:"url,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type sessionPayload struct {
	Segments int `json:"segments"`
}

type record struct {
	event    Event
	register bool
	segments int
	drop     bool
}

// Timeline records session and generation outcomes in the store. Writes
// happen on a background goroutine so listener calls never block the
// session manager.
type Timeline struct {
	store  *Store
	logger *slog.Logger
	queue  chan record
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewTimeline(parent context.Context, store *Store, logger *slog.Logger) *Timeline {
	ctx, cancel := context.WithCancel(parent)
	t := &Timeline{
		store:  store,
		logger: logger.With(slog.String("component", "timeline")),
		queue:  make(chan record, timelineBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Close flushes queued records and stops the writer. Events reported after
// Close are dropped.
func (t *Timeline) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
	t.cancel()
}

func (t *Timeline) SessionRegistered(sess session.Session) {
	t.enqueue(record{
		event:    t.event(sess.ID, -1, EventSessionRegistered, sessionPayload{Segments: len(sess.Segments)}),
		register: true,
		segments: len(sess.Segments),
	})
}

func (t *Timeline) SessionCleared(sessionID string) {
	t.enqueue(record{
		event: t.event(sessionID, -1, EventSessionCleared, nil),
		drop:  t.store.cfg.RetentionMode == "session",
	})
}

func (t *Timeline) AudioReady(sessionID string, index int, audio tts.Audio) {
	payload := readyPayload{MIME: audio.MIME, DurationMS: audio.Duration.Milliseconds()}
	if audio.IsRemote() {
		payload.URL = audio.URL
	} else if data, err := audio.Payload(); err == nil {
		payload.Bytes = len(data)
	}
	t.enqueue(record{event: t.event(sessionID, index, EventAudioReady, payload)})
}

func (t *Timeline) AudioFailed(sessionID string, index int, err error) {
	t.enqueue(record{event: t.event(sessionID, index, EventAudioError, errorPayload{Error: err.Error()})})
}

func (t *Timeline) event(sessionID string, index int, kind string, payload any) Event {
	evt := Event{SessionID: sessionID, TraceID: uuid.NewString(), Index: index, Type: kind}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
}

func (t *Timeline) enqueue(r record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.logger.Debug("timeline closed, dropping event", slog.String("type", r.event.Type))
		return
	}
	select {
	case t.queue <- r:
	default:
		t.logger.Warn("timeline queue full, dropping event",
			slog.String("session", r.event.SessionID),
			slog.String("type", r.event.Type))
	}
}

func (t *Timeline) run() {
	defer t.wg.Done()
	for r := range t.queue {
		t.write(r)
	}
}

func (t *Timeline) write(r record) {
	ctx := t.ctx
	if r.register {
		if err := t.store.AppendSession(ctx, r.event.SessionID, r.segments); err != nil {
			t.logger.Warn("failed to record session", slog.String("session", r.event.SessionID), slogError(err))
			return
		}
	}
	if r.drop {
		if err := t.store.DeleteSession(ctx, r.event.SessionID); err != nil {
			t.logger.Warn("failed to drop session events", slog.String("session", r.event.SessionID), slogError(err))
		}
		return
	}
	if err := t.store.AppendEvent(ctx, r.event); err != nil {
		t.logger.Warn("failed to append event",
			slog.String("session", r.event.SessionID),
			slog.String("type", r.event.Type),
			slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
