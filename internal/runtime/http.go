package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/eventstore"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/router"
	"github.com/loqalabs/loqa-podcast/internal/session"
)

const maxBodyBytes = 1 << 20

type httpAPI struct {
	api     *router.API
	events  *eventstore.Store
	metrics http.Handler
	ready   func() bool
	logger  *slog.Logger
}

func (h *httpAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /v1/sessions", h.handleRegister)
	mux.HandleFunc("GET /v1/sessions", h.handleList)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleClear)
	mux.HandleFunc("PUT /v1/sessions/{id}/voices", h.handleVoices)
	mux.HandleFunc("GET /v1/sessions/{id}/segments", h.handleSegments)
	mux.HandleFunc("GET /v1/sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/audio/{index}", h.handleAudio)
	mux.HandleFunc("POST /v1/sessions/{id}/audio/{index}/regenerate", h.handleRegenerate)
	mux.HandleFunc("GET /v1/sessions/{id}/audio/{index}/content", h.handleContent)
	return mux
}

func (h *httpAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *httpAPI) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && h.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *httpAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var data protocol.SessionData
	if !h.decode(w, r, &data) {
		return
	}
	reply, err := h.api.RegisterSession(data)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (h *httpAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.api.List())
}

func (h *httpAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	reply, err := h.api.Clear(protocol.SessionRef{SessionID: r.PathValue("id")})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *httpAPI) handleVoices(w http.ResponseWriter, r *http.Request) {
	var update protocol.VoiceUpdate
	if !h.decode(w, r, &update) {
		return
	}
	update.SessionID = r.PathValue("id")
	reply, err := h.api.UpdateVoices(update)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *httpAPI) handleSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.api.Segments(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segments)
}

func (h *httpAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusNotFound, router.ErrorReply(errors.New("event store disabled")))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, fmt.Errorf("%w: limit must be a positive integer", router.ErrBadRequest))
			return
		}
		limit = n
	}
	events, err := h.events.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]timelineEntry, 0, len(events))
	for _, evt := range events {
		out = append(out, timelineEntry{
			Type:      evt.Type,
			Index:     evt.Index,
			TraceID:   evt.TraceID,
			Payload:   json.RawMessage(evt.Payload),
			CreatedAt: evt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *httpAPI) handleAudio(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	resp, err := h.api.GetAudio(r.Context(), protocol.AudioRequest{
		SessionID: r.PathValue("id"),
		Index:     index,
		Direction: r.URL.Query().Get("direction"),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpAPI) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	resp, err := h.api.Regenerate(r.Context(), protocol.AudioRequest{SessionID: r.PathValue("id"), Index: index})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleContent serves committed audio so a plain player can load it.
func (h *httpAPI) handleContent(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	audio, err := h.api.Audio(r.PathValue("id"), index)
	if err != nil {
		h.fail(w, err)
		return
	}
	if audio.IsRemote() {
		http.Redirect(w, r, audio.URL, http.StatusFound)
		return
	}
	payload, err := audio.Payload()
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", audio.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type timelineEntry struct {
	Type      string          `json:"type"`
	Index     int             `json:"index"`
	TraceID   string          `json:"traceId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (h *httpAPI) index(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		h.fail(w, fmt.Errorf("%w: index must be an integer", router.ErrBadRequest))
		return 0, false
	}
	return index, true
}

func (h *httpAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		h.fail(w, fmt.Errorf("%w: %v", router.ErrBadRequest, err))
		return false
	}
	return true
}

func (h *httpAPI) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slogError(err))
	}
	writeJSON(w, status, router.ErrorReply(err))
}

func statusFor(err error) int {
	var rangeErr *session.IndexOutOfRangeError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &rangeErr), errors.Is(err, session.ErrInvalidDirection), errors.Is(err, router.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
