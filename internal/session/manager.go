package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrVoiceNotConfigured = errors.New("no voice profile configured for speaker")
	ErrClosed             = errors.New("session manager closed")
	ErrInvalidDirection   = errors.New("direction must be current, next or previous")
)

// IndexOutOfRangeError reports a segment index outside [0, Total).
type IndexOutOfRangeError struct {
	SessionID string
	Index     int
	Total     int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("segment index %d out of range [0, %d) for session %s", e.Index, e.Total, e.SessionID)
}

// Direction describes how the player moved to the requested segment.
type Direction string

const (
	DirectionCurrent  Direction = "current"
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
)

// ParseDirection maps a wire value to a Direction. Empty means current.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "", DirectionCurrent:
		return DirectionCurrent, nil
	case DirectionNext:
		return DirectionNext, nil
	case DirectionPrevious:
		return DirectionPrevious, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

const PendingMessage = "audio is being generated"

// Result answers GetAudio. AudioURL is nil while generation is pending.
type Result struct {
	Success    bool    `json:"success"`
	AudioURL   *string `json:"audioUrl"`
	TotalCount int     `json:"totalCount"`
	Message    string  `json:"message,omitempty"`
}

type Options struct {
	// Prefetch enables speculative generation of index+1.
	Prefetch bool
}

// Manager orchestrates segment synthesis across all sessions: it owns the
// session and voice registries and is the only writer of the status store.
type Manager struct {
	synth  tts.Synthesizer
	store  *segment.Store
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]Session
	voices    map[string]map[string]VoiceProfile
	listeners []Listener
	lastToken uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics managerMetrics
}

type generation struct {
	sessionID string
	index     int
	token     uint64
	text      string
	profile   VoiceProfile
	voiceErr  error
}

func NewManager(parent context.Context, synth tts.Synthesizer, store *segment.Store, opts Options, log *slog.Logger) *Manager {
	if store == nil {
		store = segment.NewStore()
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		synth:    synth,
		store:    store,
		opts:     opts,
		logger:   log.With(slog.String("component", "session-manager")),
		sessions: make(map[string]Session),
		voices:   make(map[string]map[string]VoiceProfile),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := m.initMetrics(otel.Meter("github.com/loqalabs/loqa-podcast/session")); err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// AddListener registers l for every later outcome.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Close stops accepting work and waits for in-flight generations.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// SetSessionData registers or replaces a session's segments. Stored segment
// states are kept.
func (m *Manager) SetSessionData(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id required")
	}
	sess = sess.clone()
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	observers := m.observersLocked()
	m.mu.Unlock()

	m.logger.Info("session registered", slog.String("session", sess.ID), slog.Int("segments", len(sess.Segments)))
	for _, o := range observers {
		o.SessionRegistered(sess)
	}
	return nil
}

// SetVoiceProfiles replaces the speaker-to-profile mapping of a registered
// session.
func (m *Manager) SetVoiceProfiles(sessionID string, profiles map[string]VoiceProfile) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id required")
	}
	copied := make(map[string]VoiceProfile, len(profiles))
	for tag, p := range profiles {
		copied[tag] = p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.voices[sessionID] = copied
	return nil
}

// ClearSession forgets the session, its voices and every segment state.
// In-flight generations for it are discarded when they complete.
func (m *Manager) ClearSession(sessionID string) bool {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.voices, sessionID)
	removed := m.store.Clear(sessionID)
	observers := m.observersLocked()
	m.mu.Unlock()

	m.logger.Info("session cleared", slog.String("session", sessionID), slog.Int("states", removed))
	for _, o := range observers {
		o.SessionCleared(sessionID)
	}
	return existed
}

// AllSessions lists registered session ids in sorted order.
func (m *Manager) AllSessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns the state of every segment of a session.
func (m *Manager) Snapshot(sessionID string) ([]segment.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]segment.State, len(sess.Segments))
	for i := range sess.Segments {
		out[i] = m.store.Get(sessionID, i)
	}
	return out, nil
}

// GetAudio returns cached audio for a Ready segment, or starts generation and
// reports it pending. It never waits for the network. For the current and
// next directions the following segment is prefetched.
func (m *Manager) GetAudio(ctx context.Context, sessionID string, index int, direction Direction) (Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, ErrClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	total := len(sess.Segments)
	if index < 0 || index >= total {
		m.mu.Unlock()
		return Result{}, &IndexOutOfRangeError{SessionID: sessionID, Index: index, Total: total}
	}

	var (
		result = Result{Success: true, TotalCount: total}
		start  *generation
	)
	st := m.store.Get(sessionID, index)
	switch st.Status {
	case segment.Ready:
		url := st.Audio.PlayableURL()
		result.AudioURL = &url
	case segment.Requesting:
		result.Message = PendingMessage
	default:
		start = m.beginLocked(sess, index)
		result.Message = PendingMessage
	}
	m.mu.Unlock()

	if start != nil {
		m.launch(ctx, start)
	}
	if direction != DirectionPrevious {
		m.prefetch(ctx, sessionID, index+1)
	}
	return result, nil
}

// Regenerate issues a new generation for a segment that is not Ready, even
// one already Requesting. The older in-flight generation, if any, is
// superseded and its result dropped on arrival.
func (m *Manager) Regenerate(ctx context.Context, sessionID string, index int) (Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, ErrClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	total := len(sess.Segments)
	if index < 0 || index >= total {
		m.mu.Unlock()
		return Result{}, &IndexOutOfRangeError{SessionID: sessionID, Index: index, Total: total}
	}
	result := Result{Success: true, TotalCount: total}
	if st := m.store.Get(sessionID, index); st.Status == segment.Ready {
		m.mu.Unlock()
		url := st.Audio.PlayableURL()
		result.AudioURL = &url
		return result, nil
	}
	gen := m.beginLocked(sess, index)
	m.mu.Unlock()

	m.launch(ctx, gen)
	result.Message = PendingMessage
	return result, nil
}

// prefetch starts generation of index unless it is out of range or already
// Requesting or Ready.
func (m *Manager) prefetch(ctx context.Context, sessionID string, index int) {
	if !m.opts.Prefetch {
		return
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if m.closed || !ok || index < 0 || index >= len(sess.Segments) {
		m.mu.Unlock()
		return
	}
	st := m.store.Get(sessionID, index)
	if st.Status == segment.Requesting || st.Status == segment.Ready {
		m.mu.Unlock()
		return
	}
	gen := m.beginLocked(sess, index)
	m.mu.Unlock()

	m.logger.Debug("prefetching segment", slog.String("session", sessionID), slog.Int("index", index))
	m.launch(ctx, gen)
}

// beginLocked mints a token and marks the segment Requesting. m.mu must be held.
func (m *Manager) beginLocked(sess Session, index int) *generation {
	m.lastToken++
	token := m.lastToken
	m.store.Set(sess.ID, index, segment.Update{
		Status: segment.StatusPtr(segment.Requesting),
		Token:  segment.TokenPtr(token),
		Err:    segment.ErrPtr(""),
	})

	seg := sess.Segments[index]
	gen := &generation{sessionID: sess.ID, index: index, token: token, text: seg.Text}
	if profile, ok := lookupVoice(m.voices[sess.ID], seg.Speaker); ok {
		gen.profile = profile
	} else {
		gen.voiceErr = fmt.Errorf("%w: %q", ErrVoiceNotConfigured, seg.Speaker)
	}
	m.wg.Add(1)
	return gen
}

func lookupVoice(profiles map[string]VoiceProfile, speaker string) (VoiceProfile, bool) {
	if p, ok := profiles[speaker]; ok {
		return p, true
	}
	for tag, p := range profiles {
		if strings.EqualFold(tag, speaker) {
			return p, true
		}
	}
	return VoiceProfile{}, false
}

// launch runs the synthesis on the manager's lifetime context. The caller's
// context only contributes its trace.
func (m *Manager) launch(caller context.Context, gen *generation) {
	m.metrics.started(m.ctx)
	genCtx := trace.ContextWithSpanContext(m.ctx, trace.SpanContextFromContext(caller))
	go func() {
		defer m.wg.Done()
		if gen.voiceErr != nil {
			m.complete(gen, tts.Audio{}, gen.voiceErr)
			return
		}
		audio, err := m.synth.Synthesize(genCtx, gen.profile, gen.text)
		m.complete(gen, audio, err)
	}()
}

// complete commits an outcome only if its token is still current.
func (m *Manager) complete(gen *generation, audio tts.Audio, err error) {
	m.mu.Lock()
	cur := m.store.Get(gen.sessionID, gen.index)
	if cur.Status != segment.Requesting || cur.Token != gen.token {
		m.mu.Unlock()
		m.metrics.stale(m.ctx)
		m.logger.Debug("discarding superseded generation",
			slog.String("session", gen.sessionID),
			slog.Int("index", gen.index),
			slog.Uint64("token", gen.token),
		)
		return
	}
	if err == nil {
		m.store.Set(gen.sessionID, gen.index, segment.Update{
			Status: segment.StatusPtr(segment.Ready),
			Token:  segment.TokenPtr(0),
			Audio:  &audio,
			Err:    segment.ErrPtr(""),
		})
	} else {
		m.store.Set(gen.sessionID, gen.index, segment.Update{
			Status: segment.StatusPtr(segment.Failed),
			Token:  segment.TokenPtr(0),
			Err:    segment.ErrPtr(err.Error()),
		})
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if err == nil {
		m.metrics.ready(m.ctx)
		m.logger.Info("segment audio ready", slog.String("session", gen.sessionID), slog.Int("index", gen.index))
		for _, l := range listeners {
			l.AudioReady(gen.sessionID, gen.index, audio)
		}
		return
	}
	m.metrics.failed(m.ctx)
	m.logger.Warn("segment generation failed", slog.String("session", gen.sessionID), slog.Int("index", gen.index), slogError(err))
	for _, l := range listeners {
		l.AudioFailed(gen.sessionID, gen.index, err)
	}
}

func (m *Manager) observersLocked() []SessionObserver {
	var out []SessionObserver
	for _, l := range m.listeners {
		if o, ok := l.(SessionObserver); ok {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type managerMetrics struct {
	startedCounter metric.Int64Counter
	readyCounter   metric.Int64Counter
	failedCounter  metric.Int64Counter
	staleCounter   metric.Int64Counter
}

func (m *Manager) initMetrics(meter metric.Meter) error {
	var err error
	if m.metrics.startedCounter, err = meter.Int64Counter("podcast.generations.started",
		metric.WithDescription("Segment generations started")); err != nil {
		return err
	}
	if m.metrics.readyCounter, err = meter.Int64Counter("podcast.generations.ready",
		metric.WithDescription("Segment generations committed as ready")); err != nil {
		return err
	}
	if m.metrics.failedCounter, err = meter.Int64Counter("podcast.generations.failed",
		metric.WithDescription("Segment generations committed as failed")); err != nil {
		return err
	}
	if m.metrics.staleCounter, err = meter.Int64Counter("podcast.generations.stale",
		metric.WithDescription("Segment generations discarded as superseded")); err != nil {
		return err
	}
	_, err = meter.Int64ObservableGauge("podcast.sessions.active",
		metric.WithDescription("Registered sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.sessionCount()))
			return nil
		}),
	)
	return err
}

func (mm managerMetrics) started(ctx context.Context) { add(ctx, mm.startedCounter) }
func (mm managerMetrics) ready(ctx context.Context) { add(ctx, mm.readyCounter) }
func (mm managerMetrics) failed(ctx context.Context) { add(ctx, mm.failedCounter) }
func (mm managerMetrics) stale(ctx context.Context) { add(ctx, mm.staleCounter) }

func add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
