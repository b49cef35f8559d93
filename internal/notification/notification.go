package notification

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/messaging"
)

var tracer = otel.Tracer("github.com/Additional-Code/bulkbuy/notification")

// Notification is a message addressed to one member.
type Notification struct {
	UserID  int64
	Title   string
	Text    string
	Context map[string]string
}

// Event is the wire form published on the notifications topic.
type Event struct {
	ID      string            `json:"id"`
	UserID  int64             `json:"user_id"`
	Title   string            `json:"title"`
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

// Publisher dispatches notifications over the message bus. Delivery is best effort.
type Publisher struct {
	client  messaging.Client
	topic   string
	enabled bool
	logger  *zap.Logger
	nowFunc func() time.Time
}

// Params defines dependencies for constructing Publisher.
type Params struct {
	fx.In

	Client messaging.Client
	Config config.Config
	Logger *zap.Logger
}

// Module provides the notification publisher to Fx.
var Module = fx.Provide(NewPublisher)

// NewPublisher wires a Publisher for the configured notifications topic.
func NewPublisher(p Params) *Publisher {
	return &Publisher{
		client:  p.Client,
		topic:   p.Config.Messaging.Kafka.NotificationTopic,
		enabled: p.Config.Messaging.Enabled,
		logger:  p.Logger.Named("notification"),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Notify publishes n. Failures are logged and swallowed.
func (p *Publisher) Notify(ctx context.Context, n Notification) {
	if !p.enabled || p.client == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "Notification.Notify", trace.WithAttributes(
		attribute.Int64("user.id", n.UserID),
		attribute.String("notification.title", n.Title),
	))
	defer span.End()

	event := Event{
		ID:      uuid.NewString(),
		UserID:  n.UserID,
		Title:   n.Title,
		Text:    n.Text,
		Context: n.Context,
		SentAt:  p.nowFunc(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal notification", zap.Error(err))
		return
	}
	key := []byte(strconv.FormatInt(n.UserID, 10))
	if err := p.client.Publish(ctx, p.topic, key, payload); err != nil {
		span.RecordError(err)
		p.logger.Warn("publish notification failed",
			zap.Int64("user_id", n.UserID),
			zap.String("title", n.Title),
			zap.Error(err),
		)
	}
}
