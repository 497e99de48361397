package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

type VoiceProfile = tts.VoiceProfile

// Segment is one line of dialogue.
type Segment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Session is an ordered dialogue registered for playback.
type Session struct {
	ID       string    `json:"sessionId"`
	Segments []Segment `json:"segments"`
}

func (s Session) clone() Session {
	return Session{ID: s.ID, Segments: append([]Segment(nil), s.Segments...)}
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

var ErrInvalidScript = errors.New("script must be a JSON array of {user, content} items")

type scriptLine struct {
	User    json.RawMessage `json:"user"`
	Content json.RawMessage `json:"content"`
}

// ParseScript converts a generated dialogue script, a JSON array of
// {"user": ..., "content": ...} objects, into a session. Items missing either
// field are skipped. Speaker tags are upper-cased.
func ParseScript(id, script string) (Session, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(script)), &items); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if id == "" {
		id = NewID()
	}
	sess := Session{ID: id}
	for _, raw := range items {
		var line scriptLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		speaker := scalarText(line.User)
		text := strings.TrimSpace(scalarText(line.Content))
		if speaker == "" || text == "" {
			continue
		}
		sess.Segments = append(sess.Segments, Segment{Speaker: strings.ToUpper(speaker), Text: text})
	}
	if len(sess.Segments) == 0 {
		return Session{}, fmt.Errorf("%w: no usable dialogue lines", ErrInvalidScript)
	}
	return sess, nil
}

// scalarText renders a JSON string, number or boolean as text.
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch v.(type) {
	case float64, bool:
		return strings.TrimSpace(string(raw))
	}
	return ""
}
