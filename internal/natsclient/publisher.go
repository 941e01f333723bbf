package natsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/firehose"
)

// Per-kind subjects under the firehose.> hierarchy.
const (
	SubjectCommit   = "firehose.commit"
	SubjectIdentity = "firehose.identity"
	SubjectAccount  = "firehose.account"
)

// Envelope is the wire format between the reader and the worker. Data
// holds the JSON-encoded event of the named type.
type Envelope struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// EncodeEnvelope wraps an event for publication.
func EncodeEnvelope(eventType string, seq int64, event any) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Seq: seq, Data: data})
}

// JetStreamPublisher is the slice of nats.JetStreamContext the
// publisher needs, split out so tests can fake it.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher forwards decoded firehose events to JetStream. It
// implements firehose.Handler, so the reader binary plugs it into the
// stream client where the ingestor plugs in the processor.
type Publisher struct {
	js  JetStreamPublisher
	log *zap.Logger
}

// NewPublisher builds a Publisher over a JetStream context.
func NewPublisher(js JetStreamPublisher, log *zap.Logger) *Publisher {
	return &Publisher{js: js, log: log}
}

func (p *Publisher) HandleCommit(_ context.Context, evt *firehose.CommitEvent) error {
	return p.publish(SubjectCommit, "commit", evt.Seq, evt)
}

func (p *Publisher) HandleIdentity(_ context.Context, evt *firehose.IdentityEvent) error {
	return p.publish(SubjectIdentity, "identity", evt.Seq, evt)
}

func (p *Publisher) HandleAccount(_ context.Context, evt *firehose.AccountEvent) error {
	return p.publish(SubjectAccount, "account", evt.Seq, evt)
}

func (p *Publisher) publish(subject, eventType string, seq int64, event any) error {
	msg, err := EncodeEnvelope(eventType, seq, event)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(subject, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
