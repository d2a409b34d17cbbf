package usecases

import (
	"context"

	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// Throttle paces outbound messages per recipient.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Delivery sends text back through the provider a message came from.
type Delivery struct {
	retry    resilience.RetryConfig
	throttle Throttle
}

// NewDelivery builds a Delivery. throttle may be nil.
func NewDelivery(retry resilience.RetryConfig, throttle Throttle) *Delivery {
	return &Delivery{retry: retry, throttle: throttle}
}

// Send delivers text, retrying failed attempts per the retry policy. The
// error of the last attempt is returned.
func (d *Delivery) Send(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage, text string) error {
	cfg := d.retry
	cfg.OnRetry = resilience.RetryLogger(string(m.Provider()), "send",
		zap.Int64("conversation_id", msg.Conversation.ID))

	key := string(m.Provider()) + ":" + msg.Conversation.ChatID
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		if d.throttle != nil {
			if err := d.throttle.Wait(ctx, key); err != nil {
				return err
			}
		}
		return m.Send(ctx, msg, text)
	})
}
