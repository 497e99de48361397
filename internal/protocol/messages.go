package protocol

import "time"

// Segment is one dialogue line on the wire.
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// VoiceProfile carries the recipe used to voice a speaker.
type VoiceProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Recipe string `json:"recipe"`
}

// SessionData registers a session. Either Segments or Script is set; Script
// is a generated JSON array of {user, content} lines.
type SessionData struct {
	SessionID     string                  `json:"sessionId,omitempty"`
	Segments      []Segment               `json:"segments,omitempty"`
	Script        string                  `json:"script,omitempty"`
	VoiceProfiles map[string]VoiceProfile `json:"voiceProfiles,omitempty"`
}

// VoiceUpdate replaces the speaker mapping of a session.
type VoiceUpdate struct {
	SessionID     string                  `json:"sessionId"`
	VoiceProfiles map[string]VoiceProfile `json:"voiceProfiles"`
}

// SessionRef names a session.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// AudioRequest asks for one segment of a session.
type AudioRequest struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Direction string `json:"direction,omitempty"`
}

// AudioResponse answers AudioRequest. AudioURL is null while pending.
type AudioResponse struct {
	Success    bool    `json:"success"`
	AudioURL   *string `json:"audioUrl"`
	TotalCount int     `json:"totalCount"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Reply is the generic acknowledgement for registry operations.
type Reply struct {
	Success    bool     `json:"success"`
	SessionID  string   `json:"sessionId,omitempty"`
	TotalCount int      `json:"totalCount,omitempty"`
	Sessions   []string `json:"sessions,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SegmentStatus reports one segment's lifecycle position.
type SegmentStatus struct {
	Index     int       `json:"index"`
	Speaker   string    `json:"speaker,omitempty"`
	Status    string    `json:"status"`
	AudioURL  string    `json:"audioUrl,omitempty"`
	Duration  float64   `json:"durationSeconds,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AudioReady is published when a segment's audio is committed.
type AudioReady struct {
	SessionID  string    `json:"sessionId"`
	Index      int       `json:"index"`
	AudioURL   string    `json:"audioUrl"`
	MIME       string    `json:"mime,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioError is published when a segment's generation fails.
type AudioError struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const DefaultSubjectPrefix = "podcast"

// Subjects are the bus subjects under one prefix.
type Subjects struct {
	SessionSet    string
	SessionVoices string
	SessionClear  string
	SessionList   string
	AudioGet      string
	AudioRegen    string
	AudioReady    string
	AudioError    string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{
		SessionSet:    prefix + ".session.set",
		SessionVoices: prefix + ".session.voices",
		SessionClear:  prefix + ".session.clear",
		SessionList:   prefix + ".session.list",
		AudioGet:      prefix + ".audio.get",
		AudioRegen:    prefix + ".audio.regenerate",
		AudioReady:    prefix + ".audio.ready",
		AudioError:    prefix + ".audio.error",
	}
}
