package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/recipe"
)

// VoiceProfile binds a speaker to the recipe used to voice it.
type VoiceProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Recipe string `json:"recipe"`
}

// Audio is a playable reference to synthesized speech: either an embedded
// base64 payload with its MIME type, or a remote URL.
type Audio struct {
	MIME     string        `json:"mime,omitempty"`
	Data     string        `json:"data,omitempty"`
	URL      string        `json:"url,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Embedded wraps raw audio bytes.
func Embedded(mime string, payload []byte) Audio {
	return Audio{MIME: mime, Data: base64.StdEncoding.EncodeToString(payload)}
}

// Remote wraps an audio URL served by someone else.
func Remote(u string) Audio {
	return Audio{URL: u}
}

func (a Audio) IsRemote() bool { return a.URL != "" }

// PlayableURL renders the audio as something a player can load directly.
func (a Audio) PlayableURL() string {
	if a.URL != "" {
		return a.URL
	}
	return "data:" + a.MIME + ";base64," + a.Data
}

// Payload decodes an embedded payload.
func (a Audio) Payload() ([]byte, error) {
	if a.IsRemote() {
		return nil, errors.New("remote audio has no embedded payload")
	}
	return base64.StdEncoding.DecodeString(a.Data)
}

// parseDataURI accepts data:<mime>[;params][;base64],<payload>.
func parseDataURI(s string) (Audio, bool) {
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return Audio{}, false
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return Audio{}, false
	}
	meta := strings.Split(s[len("data:"):comma], ";")
	payload := s[comma+1:]
	mime := strings.TrimSpace(meta[0])
	isBase64 := false
	for _, p := range meta[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if isBase64 {
		compact := strings.Join(strings.Fields(payload), "")
		if _, err := base64.StdEncoding.DecodeString(compact); err != nil {
			return Audio{}, false
		}
		return Audio{MIME: mime, Data: compact}, true
	}
	raw, err := url.PathUnescape(payload)
	if err != nil {
		return Audio{}, false
	}
	return Embedded(mime, []byte(raw)), true
}

// Request is the fully substituted call produced from a recipe.
type Request struct {
	Method  string
	URL     string
	Headers []recipe.Header
	Body    []byte
}

// BuildRequest renders a substituted recipe. JSON is assumed when the recipe
// names no content type.
func BuildRequest(r recipe.Recipe) (Request, error) {
	body, err := r.Body.MarshalJSON()
	if err != nil {
		return Request{}, fmt.Errorf("render body: %w", err)
	}
	headers := append([]recipe.Header(nil), r.Headers...)
	if _, ok := r.Header("Content-Type"); !ok {
		headers = append(headers, recipe.Header{Name: "Content-Type", Value: "application/json"})
	}
	return Request{Method: r.Method, URL: r.URL, Headers: headers, Body: body}, nil
}

// Transport performs the single network call of a synthesis.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}
