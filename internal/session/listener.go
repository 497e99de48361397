package session

import "github.com/loqalabs/loqa-podcast/internal/tts"

// Listener receives generation outcomes. Calls are fire-and-forget and may
// arrive in any order across segments; implementations must not block.
type Listener interface {
	AudioReady(sessionID string, index int, audio tts.Audio)
	AudioFailed(sessionID string, index int, err error)
}

// SessionObserver is optionally implemented by listeners that also track
// session registration.
type SessionObserver interface {
	SessionRegistered(sess Session)
	SessionCleared(sessionID string)
}

// ListenerFuncs adapts plain functions to Listener.
type ListenerFuncs struct {
	OnReady func(sessionID string, index int, audio tts.Audio)
	OnError func(sessionID string, index int, err error)
}

func (f ListenerFuncs) AudioReady(sessionID string, index int, audio tts.Audio) {
	if f.OnReady != nil {
		f.OnReady(sessionID, index, audio)
	}
}

func (f ListenerFuncs) AudioFailed(sessionID string, index int, err error) {
	if f.OnError != nil {
		f.OnError(sessionID, index, err)
	}
}
