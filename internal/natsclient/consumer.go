package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView/internal/firehose"
)

const (
	// DurableStreamWorker names the pull consumer shared by worker
	// replicas.
	DurableStreamWorker = "stream-worker"

	fetchBatchSize = 50
	fetchMaxWait   = 5 * time.Second
)

// errMalformed marks messages that can never be processed. They are
// terminated instead of redelivered.
var errMalformed = errors.New("malformed envelope")

// Consumer pulls envelopes off the durable stream and feeds them to a
// firehose.Handler. Malformed messages are terminated so a poison pill
// cannot wedge the consumer; handler failures are redelivered.
type Consumer struct {
	client  *Client
	handler firehose.Handler
	log     *zap.Logger
}

// NewConsumer builds a Consumer dispatching into handler.
func NewConsumer(client *Client, handler firehose.Handler, log *zap.Logger) *Consumer {
	return &Consumer{client: client, handler: handler, log: log}
}

// Run subscribes and consumes until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.client.JS.PullSubscribe(SubjectFirehose, DurableStreamWorker,
		nats.BindStream(StreamFirehoseEvents))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", StreamFirehoseEvents, err)
	}
	defer sub.Unsubscribe()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("fetch failed", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *nats.Msg) {
	err := c.processEnvelope(ctx, msg.Data)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			c.log.Warn("ack failed", zap.Error(err))
		}
	case errors.Is(err, errMalformed):
		c.log.Error("terminating malformed message", zap.Error(err))
		if err := msg.Term(); err != nil {
			c.log.Warn("term failed", zap.Error(err))
		}
	default:
		c.log.Warn("handler failed, requeueing", zap.Error(err))
		if err := msg.Nak(); err != nil {
			c.log.Warn("nak failed", zap.Error(err))
		}
	}
}

// processEnvelope decodes one message and routes it by event type.
func (c *Consumer) processEnvelope(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch env.Type {
	case "commit":
		var evt firehose.CommitEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return fmt.Errorf("%w: commit payload: %v", errMalformed, err)
		}
		return c.handler.HandleCommit(ctx, &evt)
	case "identity":
		var evt firehose.IdentityEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return fmt.Errorf("%w: identity payload: %v", errMalformed, err)
		}
		return c.handler.HandleIdentity(ctx, &evt)
	case "account":
		var evt firehose.AccountEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return fmt.Errorf("%w: account payload: %v", errMalformed, err)
		}
		return c.handler.HandleAccount(ctx, &evt)
	default:
		return fmt.Errorf("%w: unknown event type %q", errMalformed, env.Type)
	}
}
