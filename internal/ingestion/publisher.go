package ingestion

import (
	"context"
	"strconv"

	"OptionVault/internal/outbox"

	"github.com/nats-io/nats.go/jetstream"
)

// EventSubjectPrefix is followed by the event type, for example
// vault.events.AuctionSettled.
const EventSubjectPrefix = "vault.events."

// OutboundPublisher publishes persisted envelopes to JetStream for
// downstream consumers. It is driven by the outbox broadcaster.
type OutboundPublisher struct {
	js jetstream.JetStream
}

var _ outbox.Publisher = (*OutboundPublisher)(nil)

func NewOutboundPublisher(js jetstream.JetStream) *OutboundPublisher {
	return &OutboundPublisher{js: js}
}

func (op *OutboundPublisher) Name() string { return "nats" }

// Publish sends rec with its sequence as the message id, so JetStream
// drops a republished envelope inside the duplicate window.
func (op *OutboundPublisher) Publish(ctx context.Context, rec outbox.Record) error {
	_, err := op.js.Publish(ctx, EventSubject(rec.EventType), rec.Envelope,
		jetstream.WithMsgID(strconv.FormatInt(rec.Sequence, 10)))
	return err
}

// EventSubject returns the subject envelopes of eventType go to.
func EventSubject(eventType string) string {
	return EventSubjectPrefix + eventType
}
