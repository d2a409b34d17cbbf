package infrastructure

import (
	"context"

	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// SessionRegistry fronts the long-lived session providers for boot and
// the internal API. Either manager may be nil when disabled.
type SessionRegistry struct {
	WhatsApp *WhatsAppManager
	Telegram *TelegramManager
}

// Bootstrap starts a session for every channel. Failures are logged and
// counted; one broken channel does not stop the others.
func (r *SessionRegistry) Bootstrap(ctx context.Context, channels []entities.Channel) (started, failed int) {
	for _, ch := range channels {
		var err error
		switch {
		case ch.Type == entities.ChannelNativeWhatsApp && r.WhatsApp != nil:
			_, err = r.WhatsApp.Start(ctx, ch.SessionName)
		case ch.Type == entities.ChannelTelegram && r.Telegram != nil:
			err = r.Telegram.Start(ch)
		default:
			continue
		}
		if err != nil {
			failed++
			zap.L().Error("session start failed",
				zap.String("channel_id", ch.ID),
				zap.String("type", string(ch.Type)),
				zap.String("session", ch.SessionName),
				zap.Error(err))
			continue
		}
		started++
	}
	return started, failed
}

// ChannelTypes lists the channel types with an enabled provider.
func (r *SessionRegistry) ChannelTypes() []entities.ChannelType {
	var types []entities.ChannelType
	if r.WhatsApp != nil {
		types = append(types, entities.ChannelNativeWhatsApp)
	}
	if r.Telegram != nil {
		types = append(types, entities.ChannelTelegram)
	}
	return types
}

func (r *SessionRegistry) Status(session string) (SessionStatus, error) {
	if r.WhatsApp != nil {
		if c, err := r.WhatsApp.Get(session); err == nil {
			return c.Status(), nil
		}
	}
	if r.Telegram != nil {
		return r.Telegram.Status(session)
	}
	return SessionStatus{}, ErrSessionNotFound
}

// QR returns the pending pairing code of a native WhatsApp session.
func (r *SessionRegistry) QR(session string) (string, error) {
	if r.WhatsApp == nil {
		return "", ErrSessionNotFound
	}
	c, err := r.WhatsApp.Get(session)
	if err != nil {
		return "", err
	}
	return c.QR(), nil
}

// Logout unlinks a WhatsApp device or stops a Telegram bot.
func (r *SessionRegistry) Logout(ctx context.Context, session string) error {
	if r.WhatsApp != nil {
		if _, err := r.WhatsApp.Get(session); err == nil {
			return r.WhatsApp.Logout(ctx, session)
		}
	}
	if r.Telegram != nil {
		return r.Telegram.Stop(session)
	}
	return ErrSessionNotFound
}

// Close disconnects every session.
func (r *SessionRegistry) Close() {
	if r.WhatsApp != nil {
		r.WhatsApp.DisconnectAll()
	}
	if r.Telegram != nil {
		r.Telegram.StopAll()
	}
}
