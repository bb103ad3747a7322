package bus

import (
	"log/slog"
	"time"

	"github.com/loqalabs/visionvoice/internal/protocol"
)

// Publisher sends UI events to "<prefix>.ui.<kind>".
type Publisher struct {
	client *Client
	log    *slog.Logger
	clock  func() time.Time
}

func NewPublisher(client *Client, log *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		log:    log.With(slog.String("component", "ui-publisher")),
		clock:  time.Now,
	}
}

// Publish is best effort: the view layer may not be listening.
func (p *Publisher) Publish(kind string, payload any) {
	env := protocol.Envelope{Type: kind, Data: payload, Timestamp: p.clock().UTC()}
	subject := p.client.Subject(protocol.SubjectUIPrefix + "." + kind)
	if err := p.client.PublishJSON(subject, env); err != nil {
		p.log.Warn("failed to publish ui event", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
