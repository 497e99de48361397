package router

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

const eventRetention = time.Hour

// Notifier publishes generation outcomes on the bus. It is registered with
// the session manager as a listener.
type Notifier struct {
	bus      *bus.Client
	subjects protocol.Subjects
	logger   *slog.Logger
	clock    func() time.Time
}

func NewNotifier(busClient *bus.Client, prefix string, logger *slog.Logger) *Notifier {
	return &Notifier{
		bus:      busClient,
		subjects: protocol.NewSubjects(prefix),
		logger:   logger.With(slog.String("component", "notifier")),
		clock:    time.Now,
	}
}

// RetainEvents keeps published outcomes in a JetStream stream so late
// subscribers can replay them.
func (n *Notifier) RetainEvents(prefix string) error {
	stream := strings.ToUpper(strings.NewReplacer(".", "_", "*", "", ">", "").Replace(prefix)) + "_AUDIO"
	return n.bus.EnsureStream(stream, []string{n.subjects.AudioReady, n.subjects.AudioError}, eventRetention)
}

func (n *Notifier) AudioReady(sessionID string, index int, audio tts.Audio) {
	n.publish(n.subjects.AudioReady, protocol.AudioReady{
		SessionID:  sessionID,
		Index:      index,
		AudioURL:   audio.PlayableURL(),
		MIME:       audio.MIME,
		DurationMS: audio.Duration.Milliseconds(),
		Timestamp:  n.clock().UTC(),
	})
}

func (n *Notifier) AudioFailed(sessionID string, index int, err error) {
	n.publish(n.subjects.AudioError, protocol.AudioError{
		SessionID: sessionID,
		Index:     index,
		Error:     err.Error(),
		Timestamp: n.clock().UTC(),
	})
}

func (n *Notifier) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("failed to marshal notification", slogError(err))
		return
	}
	if err := n.bus.Conn().Publish(subject, data); err != nil {
		n.logger.Warn("failed to publish notification", slog.String("subject", subject), slogError(err))
	}
}
