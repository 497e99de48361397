package tts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/recipe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Synthesizer produces playable audio for text using a voice profile.
type Synthesizer interface {
	Synthesize(ctx context.Context, profile VoiceProfile, text string) (Audio, error)
}

// Invoker performs one synthesis: parse the profile recipe, substitute the
// text, send the request and normalize the reply. It never retries.
type Invoker struct {
	transport   Transport
	normalizer  Normalizer
	placeholder string
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewInvoker(transport Transport, normalizer Normalizer, placeholder string, log *slog.Logger) *Invoker {
	if placeholder == "" {
		placeholder = recipe.DefaultPlaceholder
	}
	return &Invoker{
		transport:   transport,
		normalizer:  normalizer,
		placeholder: placeholder,
		tracer:      otel.Tracer("github.com/loqalabs/loqa-podcast/tts"),
		logger:      log.With(slog.String("component", "tts-invoker")),
	}
}

func (i *Invoker) Synthesize(ctx context.Context, profile VoiceProfile, text string) (Audio, error) {
	ctx, span := i.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("voice.id", profile.ID),
		attribute.Int("text.length", len(text)),
	))
	defer span.End()

	started := time.Now()
	audio, err := i.synthesize(ctx, profile, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var gerr *GenerationError
		if errors.As(err, &gerr) && gerr.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.status_code", gerr.StatusCode))
		}
		i.logger.Debug("synthesis failed", slog.String("voice", profile.ID), slogError(err))
		return Audio{}, err
	}
	span.SetAttributes(attribute.Bool("audio.remote", audio.IsRemote()))
	i.logger.Debug("synthesis complete",
		slog.String("voice", profile.ID),
		slog.Duration("elapsed", time.Since(started)),
	)
	return audio, nil
}

func (i *Invoker) synthesize(ctx context.Context, profile VoiceProfile, text string) (Audio, error) {
	parsed, err := recipe.Parse(profile.Recipe)
	if err != nil {
		return Audio{}, err
	}
	req, err := BuildRequest(recipe.Substitute(parsed, text, i.placeholder))
	if err != nil {
		return Audio{}, &GenerationError{Message: "render tts request", Err: err}
	}
	resp, err := i.transport.Send(ctx, req)
	if err != nil {
		return Audio{}, err
	}
	return i.normalizer.Normalize(resp)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
