package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/session"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	transport := tts.NewMockTransport()
	transport.Delay = 0
	inv := tts.NewInvoker(transport, tts.Normalizer{}, "", newLogger())
	m := session.NewManager(context.Background(), inv, segment.NewStore(), session.Options{Prefetch: false}, newLogger())
	t.Cleanup(m.Close)
	return m
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "router-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *bus.Client, subject string, payload any, out any) {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	msg, err := client.Conn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		t.Fatalf("decode reply %s: %v", msg.Data, err)
	}
}

func TestBusRoundTrip(t *testing.T) {
	client := startBus(t)
	manager := newManager(t)
	subjects := protocol.NewSubjects("podcast")

	notifier := NewNotifier(client, "podcast", newLogger())
	if err := notifier.RetainEvents("podcast"); err != nil {
		t.Fatalf("retain events: %v", err)
	}
	manager.AddListener(notifier)

	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, SubjectPrefix: "podcast"}, client, NewAPI(manager), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("router should be healthy after start")
	}

	ready, err := client.Conn().SubscribeSync(subjects.AudioReady)
	if err != nil {
		t.Fatalf("subscribe ready: %v", err)
	}

	var reply protocol.Reply
	request(t, client, subjects.SessionSet, protocol.SessionData{
		SessionID: "ep-1",
		Segments:  []protocol.Segment{{Speaker: "A", Text: "Hello"}, {Speaker: "B", Text: "Hi"}},
		VoiceProfiles: map[string]protocol.VoiceProfile{
			"A": {ID: "a", Recipe: `curl https://tts.invalid/a -d '{"text":"{text}"}'`},
			"B": {ID: "b", Recipe: `curl https://tts.invalid/b -d '{"text":"{text}"}'`},
		},
	}, &reply)
	if !reply.Success || reply.SessionID != "ep-1" || reply.TotalCount != 2 {
		t.Fatalf("unexpected set reply %+v", reply)
	}

	var audio protocol.AudioResponse
	request(t, client, subjects.AudioGet, protocol.AudioRequest{SessionID: "ep-1", Index: 0}, &audio)
	if !audio.Success || audio.AudioURL != nil || audio.TotalCount != 2 {
		t.Fatalf("expected pending audio, got %+v", audio)
	}

	msg, err := ready.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("waiting for ready notification: %v", err)
	}
	var event protocol.AudioReady
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode ready event: %v", err)
	}
	if event.SessionID != "ep-1" || event.Index != 0 || !strings.HasPrefix(event.AudioURL, "data:audio/mpeg;base64,") {
		t.Fatalf("unexpected ready event %+v", event)
	}

	request(t, client, subjects.AudioGet, protocol.AudioRequest{SessionID: "ep-1", Index: 0, Direction: "current"}, &audio)
	if audio.AudioURL == nil || *audio.AudioURL != event.AudioURL {
		t.Fatalf("expected cached audio url, got %+v", audio)
	}

	request(t, client, subjects.AudioGet, protocol.AudioRequest{SessionID: "ep-1", Index: 2}, &audio)
	if audio.Success || !strings.Contains(audio.Error, "out of range") {
		t.Fatalf("expected out of range error, got %+v", audio)
	}

	request(t, client, subjects.SessionList, nil, &reply)
	if len(reply.Sessions) != 1 || reply.Sessions[0] != "ep-1" {
		t.Fatalf("unexpected session list %+v", reply)
	}

	request(t, client, subjects.SessionClear, protocol.SessionRef{SessionID: "ep-1"}, &reply)
	if !reply.Success {
		t.Fatalf("clear failed: %+v", reply)
	}
	request(t, client, subjects.AudioGet, protocol.AudioRequest{SessionID: "ep-1", Index: 0}, &audio)
	if audio.Success || !strings.Contains(audio.Error, "session not found") {
		t.Fatalf("expected session not found, got %+v", audio)
	}
}

func TestBusRejectsMalformedRequests(t *testing.T) {
	client := startBus(t)
	manager := newManager(t)
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, SubjectPrefix: "studio"}, client, NewAPI(manager), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	msg, err := client.Conn().Request("studio.session.set", []byte("{not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Success || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v", reply)
	}

	request(t, client, "studio.audio.get", protocol.AudioRequest{SessionID: "x", Index: 0, Direction: "sideways"}, &reply)
	if reply.Success || !strings.Contains(reply.Error, "direction") {
		t.Fatalf("expected direction error, got %+v", reply)
	}

	update := protocol.VoiceUpdate{SessionID: "missing", VoiceProfiles: map[string]protocol.VoiceProfile{"A": {ID: "v", Recipe: "curl https://x"}}}
	request(t, client, protocol.NewSubjects("studio").SessionVoices, update, &reply)
	if reply.Success || !strings.Contains(reply.Error, "session not found") {
		t.Fatalf("expected session not found for unknown voices, got %+v", reply)
	}
	if _, err := NewAPI(manager).UpdateVoices(update); !errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bare ErrSessionNotFound, got %v", err)
	}
}

func TestAPIRegistersScripts(t *testing.T) {
	api := NewAPI(newManager(t))

	reply, err := api.RegisterSession(protocol.SessionData{Script: `[{"user":"a","content":"one"},{"user":"b","content":"two"}]`})
	if err != nil {
		t.Fatalf("register script: %v", err)
	}
	if reply.SessionID == "" || reply.TotalCount != 2 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	segments, err := api.Segments(reply.SessionID)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) != 2 || segments[1].Status != "not_requested" {
		t.Fatalf("unexpected segments %+v", segments)
	}

	for _, data := range []protocol.SessionData{
		{},
		{Script: "nope"},
		{Segments: []protocol.Segment{{Speaker: "A", Text: "  "}}},
	} {
		if _, err := api.RegisterSession(data); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("expected ErrBadRequest for %+v, got %v", data, err)
		}
	}

	if _, err := api.Clear(protocol.SessionRef{SessionID: "missing"}); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
