package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/nats-io/nats.go"
)

const queueGroup = "podcast-router"

// Service exposes the session API over NATS request/reply.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	api      *API
	subjects protocol.Subjects
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, api *API, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		api:      api,
		subjects: protocol.NewSubjects(cfg.SubjectPrefix),
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		s.subjects.SessionSet:    s.handleSessionSet,
		s.subjects.SessionVoices: s.handleVoices,
		s.subjects.SessionClear:  s.handleClear,
		s.subjects.SessionList:   s.handleList,
		s.subjects.AudioGet:      s.handleAudioGet,
		s.subjects.AudioRegen:    s.handleRegenerate,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().QueueSubscribe(subject, queueGroup, handler)
		if err != nil {
			s.drainLocked()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("router listening", slog.String("prefix", s.cfg.SubjectPrefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	s.drainLocked()
	s.mu.Unlock()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) drainLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSessionSet(msg *nats.Msg) {
	var data protocol.SessionData
	if !s.decode(msg, &data) {
		return
	}
	reply, err := s.api.RegisterSession(data)
	s.respondReply(msg, reply, err)
}

func (s *Service) handleVoices(msg *nats.Msg) {
	var update protocol.VoiceUpdate
	if !s.decode(msg, &update) {
		return
	}
	reply, err := s.api.UpdateVoices(update)
	s.respondReply(msg, reply, err)
}

func (s *Service) handleClear(msg *nats.Msg) {
	var ref protocol.SessionRef
	if !s.decode(msg, &ref) {
		return
	}
	reply, err := s.api.Clear(ref)
	s.respondReply(msg, reply, err)
}

func (s *Service) handleList(msg *nats.Msg) {
	s.respond(msg, s.api.List())
}

func (s *Service) handleAudioGet(msg *nats.Msg) {
	var req protocol.AudioRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	resp, err := s.api.GetAudio(ctx, req)
	if err != nil {
		s.respond(msg, protocol.AudioResponse{Success: false, Error: err.Error()})
		return
	}
	s.respond(msg, resp)
}

func (s *Service) handleRegenerate(msg *nats.Msg) {
	var req protocol.AudioRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	resp, err := s.api.Regenerate(ctx, req)
	if err != nil {
		s.respond(msg, protocol.AudioResponse{Success: false, Error: err.Error()})
		return
	}
	s.respond(msg, resp)
}

func (s *Service) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn("router failed to decode request", slog.String("subject", msg.Subject), slogError(err))
		s.respond(msg, ErrorReply(err))
		return false
	}
	return true
}

func (s *Service) respondReply(msg *nats.Msg, reply protocol.Reply, err error) {
	if err != nil {
		s.respond(msg, ErrorReply(err))
		return
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("router failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
