package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
	"github.com/angelmondragon/tabsplit-backend/pkg/idempotency"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

const consumerName = "notification-intake"

// disposition is what happens to a message once handled. Only transient
// failures are redelivered; poison messages are acked and logged.
type disposition int

const (
	ack disposition = iota
	nack
)

// errPoison marks a message that can never succeed.
var errPoison = errors.New("poison message")

// Consumer feeds intents published by other services into Submit.
type Consumer struct {
	svc          Service
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

func NewConsumer(svc Service, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	switch {
	case svc == nil:
		return nil, errors.New("intake service required")
	case subscription == nil:
		return nil, errors.New("notification subscription required")
	case manager == nil:
		return nil, errors.New("idempotency manager required")
	case logg == nil:
		return nil, errors.New("logger required")
	}
	return &Consumer{svc: svc, subscription: subscription, idempotency: manager, logg: logg}, nil
}

// Run receives until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg) == nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) disposition {
	ctx = c.logg.WithField(ctx, "message_id", msg.ID)

	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "dropping undecodable message")
		return ack
	}
	ctx = c.logg.WithFields(ctx, map[string]any{"event_id": env.EventID, "producer": env.Producer})

	seen, err := c.idempotency.CheckAndMarkProcessed(ctx, consumerName, env.EventID)
	if err != nil {
		c.logg.Error(ctx, "idempotency check failed", err)
		return nack
	}
	if seen {
		c.logg.Info(ctx, "event already processed")
		return ack
	}

	submission, err := decodeSubmission(env)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "dropping undecodable submission")
		return ack
	}

	result, err := c.svc.Submit(ctx, submission)
	switch {
	case err == nil:
		c.logg.Debug(c.logg.WithField(ctx, "outcome", result.Outcome), "intent submitted")
		return ack
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "dropping invalid intent submission")
		return ack
	default:
		c.logg.Error(ctx, "intent submission failed", err)
		// Forget the event so the redelivery is not mistaken for a duplicate.
		if delErr := c.idempotency.Delete(ctx, consumerName, env.EventID); delErr != nil {
			c.logg.Error(ctx, "release idempotency key", delErr)
		}
		return nack
	}
}

func decodeEnvelope(data []byte) (payloads.Envelope, error) {
	var env payloads.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: envelope: %v", errPoison, err)
	}
	if env.Version != payloads.EnvelopeVersion {
		return env, fmt.Errorf("%w: unsupported envelope version %d", errPoison, env.Version)
	}
	env.EventID = strings.TrimSpace(env.EventID)
	if env.EventID == "" {
		return env, fmt.Errorf("%w: missing event id", errPoison)
	}
	return env, nil
}

func decodeSubmission(env payloads.Envelope) (SubmitParams, error) {
	var s payloads.IntentSubmission
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return SubmitParams{}, fmt.Errorf("%w: submission: %v", errPoison, err)
	}
	return SubmitParams{
		Recipient:     s.Recipient,
		SubjectUserID: s.SubjectUserID,
		ContextID:     s.ContextID,
		Payload:       s.Payload,
	}, nil
}
