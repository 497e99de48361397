package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/session"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

var (
	// ErrBadRequest marks caller mistakes in a wire payload.
	ErrBadRequest = errors.New("bad request")
	// ErrNotReady is returned when audio is asked for before it is committed.
	ErrNotReady = errors.New("audio not ready")
)

// API translates wire payloads into session manager calls. The bus service
// and the HTTP handlers share it.
type API struct {
	manager *session.Manager
}

func NewAPI(manager *session.Manager) *API {
	return &API{manager: manager}
}

func (a *API) Manager() *session.Manager { return a.manager }

// RegisterSession stores the dialogue and, when present, its voice profiles.
func (a *API) RegisterSession(data protocol.SessionData) (protocol.Reply, error) {
	sess, err := sessionFromWire(data)
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := a.manager.SetSessionData(sess); err != nil {
		return protocol.Reply{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if data.VoiceProfiles != nil {
		if err := a.manager.SetVoiceProfiles(sess.ID, profilesFromWire(data.VoiceProfiles)); err != nil {
			return protocol.Reply{}, voicesError(err)
		}
	}
	return protocol.Reply{Success: true, SessionID: sess.ID, TotalCount: len(sess.Segments)}, nil
}

func (a *API) UpdateVoices(update protocol.VoiceUpdate) (protocol.Reply, error) {
	if err := a.manager.SetVoiceProfiles(update.SessionID, profilesFromWire(update.VoiceProfiles)); err != nil {
		return protocol.Reply{}, voicesError(err)
	}
	return protocol.Reply{Success: true, SessionID: update.SessionID}, nil
}

// voicesError keeps an unknown session distinguishable from a malformed update.
func voicesError(err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}

func (a *API) Clear(ref protocol.SessionRef) (protocol.Reply, error) {
	if strings.TrimSpace(ref.SessionID) == "" {
		return protocol.Reply{}, fmt.Errorf("%w: sessionId required", ErrBadRequest)
	}
	if !a.manager.ClearSession(ref.SessionID) {
		return protocol.Reply{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, ref.SessionID)
	}
	return protocol.Reply{Success: true, SessionID: ref.SessionID}, nil
}

func (a *API) List() protocol.Reply {
	return protocol.Reply{Success: true, Sessions: a.manager.AllSessions()}
}

func (a *API) GetAudio(ctx context.Context, req protocol.AudioRequest) (protocol.AudioResponse, error) {
	direction, err := session.ParseDirection(req.Direction)
	if err != nil {
		return protocol.AudioResponse{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	res, err := a.manager.GetAudio(ctx, req.SessionID, req.Index, direction)
	if err != nil {
		return protocol.AudioResponse{}, err
	}
	return audioResponse(res), nil
}

// Regenerate restarts generation of a segment that has not produced audio.
func (a *API) Regenerate(ctx context.Context, req protocol.AudioRequest) (protocol.AudioResponse, error) {
	res, err := a.manager.Regenerate(ctx, req.SessionID, req.Index)
	if err != nil {
		return protocol.AudioResponse{}, err
	}
	return audioResponse(res), nil
}

// Audio returns the committed audio of a Ready segment.
func (a *API) Audio(sessionID string, index int) (tts.Audio, error) {
	states, err := a.manager.Snapshot(sessionID)
	if err != nil {
		return tts.Audio{}, err
	}
	if index < 0 || index >= len(states) {
		return tts.Audio{}, &session.IndexOutOfRangeError{SessionID: sessionID, Index: index, Total: len(states)}
	}
	st := states[index]
	if st.Status != segment.Ready || st.Audio == nil {
		return tts.Audio{}, fmt.Errorf("%w: segment %d is %s", ErrNotReady, index, st.Status)
	}
	return *st.Audio, nil
}

func audioResponse(res session.Result) protocol.AudioResponse {
	return protocol.AudioResponse{
		Success:    res.Success,
		AudioURL:   res.AudioURL,
		TotalCount: res.TotalCount,
		Message:    res.Message,
	}
}

func (a *API) Segments(sessionID string) ([]protocol.SegmentStatus, error) {
	states, err := a.manager.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SegmentStatus, len(states))
	for i, st := range states {
		out[i] = segmentStatus(st)
	}
	return out, nil
}

func segmentStatus(st segment.State) protocol.SegmentStatus {
	status := protocol.SegmentStatus{
		Index:  st.Index,
		Status: st.Status.String(),
		Error:  st.Err,
	}
	if !st.UpdatedAt.IsZero() {
		status.UpdatedAt = st.UpdatedAt.UTC()
	}
	if st.Status == segment.Ready && st.Audio != nil {
		if st.Audio.IsRemote() {
			status.AudioURL = st.Audio.URL
		}
		status.Duration = st.Audio.Duration.Seconds()
	}
	return status
}

// ErrorReply renders err for the wire.
func ErrorReply(err error) protocol.Reply {
	return protocol.Reply{Success: false, Error: err.Error()}
}

func sessionFromWire(data protocol.SessionData) (session.Session, error) {
	if data.Script != "" {
		sess, err := session.ParseScript(data.SessionID, data.Script)
		if err != nil {
			return session.Session{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return sess, nil
	}
	if len(data.Segments) == 0 {
		return session.Session{}, fmt.Errorf("%w: segments or script required", ErrBadRequest)
	}
	id := data.SessionID
	if id == "" {
		id = session.NewID()
	}
	sess := session.Session{ID: id, Segments: make([]session.Segment, 0, len(data.Segments))}
	for i, seg := range data.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			return session.Session{}, fmt.Errorf("%w: segment %d has no text", ErrBadRequest, i)
		}
		sess.Segments = append(sess.Segments, session.Segment{Speaker: seg.Speaker, Text: seg.Text})
	}
	return sess, nil
}

func profilesFromWire(in map[string]protocol.VoiceProfile) map[string]session.VoiceProfile {
	out := make(map[string]session.VoiceProfile, len(in))
	for tag, p := range in {
		out[tag] = session.VoiceProfile{ID: p.ID, Name: p.Name, Recipe: p.Recipe}
	}
	return out
}
