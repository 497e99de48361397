package tts

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"regexp"
	"strings"
)

// GenerationError covers every way a synthesis call can fail after the
// recipe was understood: transport errors, non-2xx replies and responses
// that carry no recognizable audio.
type GenerationError struct {
	StatusCode int
	Message    string
	Excerpt    string
	Err        error
}

func (e *GenerationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Excerpt != "" {
		msg += ": " + e.Excerpt
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

// JSONPolicy decides what a JSON reply means.
type JSONPolicy string

const (
	// JSONPolicyStrict treats every JSON reply as an error payload.
	JSONPolicyStrict JSONPolicy = "strict"
	// JSONPolicyEnvelope accepts JSON replies that carry an audio URL or
	// payload and falls back to strict handling otherwise.
	JSONPolicyEnvelope JSONPolicy = "envelope"
)

const (
	DefaultMIME         = "audio/mpeg"
	DefaultExcerptLimit = 500
	minBase64Length     = 16
)

var (
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	errorFields    = []string{"error", "message", "detail"}
	envelopeFields = []string{"audio_url", "audioUrl", "url", "audio", "data"}
)

// Normalizer turns a raw endpoint reply into Audio.
type Normalizer struct {
	DefaultMIME  string
	JSONPolicy   JSONPolicy
	ExcerptLimit int
}

func (n Normalizer) defaultMIME() string {
	if n.DefaultMIME != "" {
		return n.DefaultMIME
	}
	return DefaultMIME
}

func (n Normalizer) excerpt(s string) string {
	limit := n.ExcerptLimit
	if limit <= 0 {
		limit = DefaultExcerptLimit
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Normalize classifies resp by status and declared content type. The body is
// read at most once. A reply without a content type follows the text rules,
// so the default MIME type only applies to base64 payloads.
func (n Normalizer) Normalize(resp *Response) (Audio, error) {
	defer resp.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gerr := &GenerationError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("tts endpoint returned status %d", resp.StatusCode),
		}
		if text, err := resp.Text(); err == nil {
			gerr.Excerpt = n.excerpt(strings.TrimSpace(text))
		}
		return Audio{}, gerr
	}

	mediaType := mediaTypeOf(resp.ContentType)
	switch {
	case strings.HasPrefix(mediaType, "audio/") || mediaType == "application/octet-stream":
		return n.fromBytes(resp, mediaType)
	case isJSON(mediaType):
		return n.fromJSON(resp)
	default:
		return n.fromText(resp)
	}
}

func (n Normalizer) fromBytes(resp *Response, mediaType string) (Audio, error) {
	data, err := resp.Bytes()
	if err != nil {
		return Audio{}, &GenerationError{StatusCode: resp.StatusCode, Message: "read audio body", Err: err}
	}
	if len(data) == 0 {
		return Audio{}, &GenerationError{StatusCode: resp.StatusCode, Message: "tts endpoint returned an empty audio body"}
	}
	audio := Embedded(mediaType, data)
	audio.Duration = probeDuration(mediaType, data)
	return audio, nil
}

func (n Normalizer) fromJSON(resp *Response) (Audio, error) {
	var raw json.RawMessage
	if err := resp.JSON(&raw); err != nil {
		return Audio{}, &GenerationError{StatusCode: resp.StatusCode, Message: "malformed JSON response", Err: err}
	}
	var doc any
	_ = json.Unmarshal(raw, &doc)
	obj, _ := doc.(map[string]any)

	if n.JSONPolicy == JSONPolicyEnvelope && obj != nil {
		if audio, ok := n.fromEnvelope(obj, 0); ok {
			return audio, nil
		}
	}
	return Audio{}, &GenerationError{
		StatusCode: resp.StatusCode,
		Message:    "tts endpoint returned an error payload",
		Excerpt:    n.excerpt(errorText(obj, raw)),
	}
}

// fromEnvelope looks for audio in the known fields of obj and of objects
// nested directly under them.
func (n Normalizer) fromEnvelope(obj map[string]any, depth int) (Audio, bool) {
	for _, key := range envelopeFields {
		switch v := obj[key].(type) {
		case string:
			if audio, ok := n.fromString(strings.TrimSpace(v)); ok {
				return audio, true
			}
		case map[string]any:
			if depth < 1 {
				if audio, ok := n.fromEnvelope(v, depth+1); ok {
					return audio, true
				}
			}
		}
	}
	return Audio{}, false
}

func (n Normalizer) fromString(s string) (Audio, bool) {
	if s == "" {
		return Audio{}, false
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return Remote(s), true
	}
	if audio, ok := parseDataURI(s); ok {
		return audio, true
	}
	compact := strings.Join(strings.Fields(s), "")
	if looksLikeBase64(compact) {
		mediaType := n.defaultMIME()
		audio := Audio{MIME: mediaType, Data: compact}
		if payload, err := decodeBase64(compact); err == nil {
			audio.Data = base64.StdEncoding.EncodeToString(payload)
			audio.Duration = probeDuration(mediaType, payload)
		}
		return audio, true
	}
	return Audio{}, false
}

func (n Normalizer) fromText(resp *Response) (Audio, error) {
	text, err := resp.Text()
	if err != nil {
		return Audio{}, &GenerationError{StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(trimmed), "data:") {
		if audio, ok := parseDataURI(trimmed); ok {
			return audio, nil
		}
	} else if audio, ok := n.fromString(trimmed); ok && !audio.IsRemote() {
		return audio, nil
	}
	return Audio{}, &GenerationError{
		StatusCode: resp.StatusCode,
		Message:    "unrecognized tts response",
		Excerpt:    n.excerpt(trimmed),
	}
}

// errorText picks the most human-readable message out of an error payload.
func errorText(obj map[string]any, raw json.RawMessage) string {
	for _, key := range errorFields {
		switch v := obj[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
			if data, err := json.Marshal(v); err == nil {
				return string(data)
			}
		case nil:
		default:
			if data, err := json.Marshal(v); err == nil {
				return string(data)
			}
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return string(raw)
}

func looksLikeBase64(s string) bool {
	if len(s) < minBase64Length || !base64Pattern.MatchString(s) {
		return false
	}
	_, err := decodeBase64(s)
	return err == nil
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func mediaTypeOf(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(mt)
	}
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || mediaType == "text/json" || strings.HasSuffix(mediaType, "+json")
}
