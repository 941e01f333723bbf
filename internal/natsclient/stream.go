package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamFirehoseEvents is the durable stream carrying decoded
	// firehose events between the reader and the worker.
	StreamFirehoseEvents = "FIREHOSE_EVENTS"
	// SubjectFirehose is the wildcard subject hierarchy for firehose
	// messages: firehose.commit, firehose.identity, firehose.account.
	SubjectFirehose = "firehose.>"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamFirehoseEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamFirehoseEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamFirehoseEvents,
		Subjects:  []string{SubjectFirehose},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   500_000,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamFirehoseEvents))
	return nil
}
