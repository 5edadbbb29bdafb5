package notify

import (
	"context"

	"ordena/backend/internal/domain"
)

// Publisher pushes order lifecycle events to whatever is listening, usually
// kitchen displays subscribed through redis.
type Publisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
}

// NoopPublisher drops every event. Used when no redis address is configured.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(_ context.Context, _ domain.OrderEvent) error {
	return nil
}
