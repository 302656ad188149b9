package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Processor handles one job payload.
type Processor interface {
	Handle(ctx context.Context, data []byte) error
}

// Acker settles a delivery.
type Acker interface {
	Ack()
	Nack()
}

// PubSubHandler consumes job messages from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	processor        Processor
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	Subscription SubscriptionConfig
	Processor    Processor
	Logger       zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	if !cfg.Subscription.Enabled() {
		return nil, errors.New("pubsub subscription is not configured")
	}

	client, err := pubsub.NewClient(ctx, cfg.Subscription.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.Subscription.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.Subscription.MaxOutstandingMessages
	// A refresh job can run a full retry cycle; keep the lease well above it.
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.Subscription.SubscriptionName,
		processor:        cfg.Processor,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is done.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		logger := h.logger.With().
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Logger()
		Dispatch(ctx, h.processor, msg.Data, msg, logger)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// Dispatch runs one delivery through p and settles it. Malformed and unknown
// messages are acked so they are not redelivered; other failures are nacked.
func Dispatch(ctx context.Context, p Processor, data []byte, msg Acker, logger zerolog.Logger) {
	start := time.Now()
	logger.Debug().Int("bytes", len(data)).Msg("received job message")

	err := p.Handle(ctx, data)
	switch {
	case err == nil:
		logger.Info().Dur("duration", time.Since(start)).Msg("job completed successfully")
		msg.Ack()
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrUnknownJob):
		logger.Warn().Err(err).Msg("dropping job message")
		msg.Ack()
	default:
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		msg.Nack()
	}
}
