package dispatch

import (
	"context"
	"log/slog"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

// ChannelAdapter sends one message to one address over one channel. Real
// deployments plug provider-backed adapters in here; the bundled adapters
// log the send, which is enough for development and tests.
type ChannelAdapter interface {
	Channel() models.Channel
	Send(ctx context.Context, address, message string) error
}

type SMSAdapter struct{}

func (SMSAdapter) Channel() models.Channel { return models.ChannelSMS }

func (SMSAdapter) Send(ctx context.Context, address, message string) error {
	slog.Info("sms sent", "to", address, "bytes", len(message))
	return nil
}

type WhatsAppAdapter struct{}

func (WhatsAppAdapter) Channel() models.Channel { return models.ChannelWhatsApp }

func (WhatsAppAdapter) Send(ctx context.Context, address, message string) error {
	slog.Info("whatsapp sent", "to", address, "bytes", len(message))
	return nil
}

type EmailAdapter struct{}

func (EmailAdapter) Channel() models.Channel { return models.ChannelEmail }

func (EmailAdapter) Send(ctx context.Context, address, message string) error {
	slog.Info("email sent", "to", address, "bytes", len(message))
	return nil
}

type PushAdapter struct{}

func (PushAdapter) Channel() models.Channel { return models.ChannelPush }

func (PushAdapter) Send(ctx context.Context, address, message string) error {
	slog.Info("push sent", "to", address, "bytes", len(message))
	return nil
}

// VoiceAdapter places an automated call. The log-backed version only records
// the intent; it exists so the last ladder rung has a working channel.
type VoiceAdapter struct{}

func (VoiceAdapter) Channel() models.Channel { return models.ChannelVoice }

func (VoiceAdapter) Send(ctx context.Context, address, message string) error {
	slog.Info("voice call placed", "to", address)
	return nil
}

// DefaultAdapters returns the bundled adapter set keyed by channel.
func DefaultAdapters() map[models.Channel]ChannelAdapter {
	adapters := []ChannelAdapter{
		SMSAdapter{}, WhatsAppAdapter{}, EmailAdapter{}, PushAdapter{}, VoiceAdapter{},
	}
	out := make(map[models.Channel]ChannelAdapter, len(adapters))
	for _, a := range adapters {
		out[a.Channel()] = a
	}
	return out
}
