package segment

import (
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/tts"
)

// Status is the synthesis lifecycle position of one segment.
type Status int

const (
	NotRequested Status = iota
	Requesting
	Ready
	Failed
)

var statusNames = [...]string{
	"not_requested",
	"requesting",
	"ready",
	"failed",
}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the stored view of one (session, index) pair. Token is non-zero
// only while Requesting.
type State struct {
	SessionID string     `json:"sessionId"`
	Index     int        `json:"index"`
	Status    Status     `json:"status"`
	Token     uint64     `json:"-"`
	Audio     *tts.Audio `json:"audio,omitempty"`
	Err       string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Update is a partial change merged into a State. Nil fields are left alone.
type Update struct {
	Status *Status
	Token  *uint64
	Audio  *tts.Audio
	Err    *string
}

type key struct {
	session string
	index   int
}

// Store holds segment states. The session manager is its only writer.
type Store struct {
	mu      sync.RWMutex
	entries map[key]State
	clock   func() time.Time
}

func NewStore() *Store {
	return &Store{entries: make(map[key]State), clock: time.Now}
}

// Get returns the state for (sessionID, index), defaulting to NotRequested.
func (s *Store) Get(sessionID string, index int) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.entries[key{sessionID, index}]; ok {
		return st
	}
	return State{SessionID: sessionID, Index: index, Status: NotRequested}
}

// Set merges u into the entry and refreshes its timestamp.
func (s *Store) Set(sessionID string, index int, u Update) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, index}
	st, ok := s.entries[k]
	if !ok {
		st = State{SessionID: sessionID, Index: index, Status: NotRequested}
	}
	if u.Status != nil {
		st.Status = *u.Status
	}
	if u.Token != nil {
		st.Token = *u.Token
	}
	if u.Audio != nil {
		audio := *u.Audio
		st.Audio = &audio
	}
	if u.Err != nil {
		st.Err = *u.Err
	}
	st.UpdatedAt = s.clock()
	s.entries[k] = st
	return st
}

// Clear drops every entry belonging to sessionID.
func (s *Store) Clear(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.entries {
		if k.session == sessionID {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// List returns the stored entries of a session ordered by index.
func (s *Store) List(sessionID string) []State {
	s.mu.RLock()
	out := make([]State, 0)
	for k, st := range s.entries {
		if k.session == sessionID {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func StatusPtr(s Status) *Status { return &s }
func TokenPtr(t uint64) *uint64 { return &t }
func ErrPtr(e string) *string { return &e }
