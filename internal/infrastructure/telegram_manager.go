package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// fileURLScheme marks Telegram attachments; the rest is the file id.
const fileURLScheme = "tg-file://"

const redactedToken = "***"

// redactToken strips the bot token from err. The Bot API carries the token
// in the request path, so transport errors quote it.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue == err {
		clean := &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, token, redactedToken), Err: ue.Err}
		if !strings.Contains(clean.Error(), token) {
			return clean
		}
	}
	clean := eris.New(strings.ReplaceAll(err.Error(), token, redactedToken))
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(clean, 0)
	}
	return clean
}

// botTokenPattern matches a token in a Bot API path.
var botTokenPattern = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)

// telegramLogger routes the library's polling logs to zap with tokens
// masked.
type telegramLogger struct{}

func (telegramLogger) Println(v ...interface{}) {
	zap.L().Warn(redactBotPath(strings.TrimSpace(fmt.Sprintln(v...))))
}

func (telegramLogger) Printf(format string, v ...interface{}) {
	zap.L().Warn(redactBotPath(fmt.Sprintf(format, v...)))
}

func redactBotPath(s string) string {
	return botTokenPattern.ReplaceAllString(s, "bot"+redactedToken)
}

var setTelegramLogger sync.Once

// telegramChannelConfig is the decrypted config of a telegram channel.
type telegramChannelConfig struct {
	BotToken string `json:"botToken"`
}

// TelegramBot is one tenant bot polled for updates. It answers in the chat
// the update came from.
type TelegramBot struct {
	api     *tgbotapi.BotAPI
	session string
	http    *http.Client
	stop    chan struct{}
	done    chan struct{}
}

func (b *TelegramBot) Provider() entities.Provider { return entities.ProviderTelegram }

func (b *TelegramBot) Send(ctx context.Context, msg entities.InboundMessage, text string) error {
	chatID, err := strconv.ParseInt(msg.Conversation.ChatID, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "telegram: parse chat id %q", msg.Conversation.ChatID)
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return eris.Wrap(redactToken(err, b.api.Token), "telegram: send")
	}
	return nil
}

// Tag is a no-op: Telegram chats have no labels.
func (b *TelegramBot) Tag(context.Context, entities.InboundMessage, string) error {
	return nil
}

// History is empty: the Bot API cannot read past messages.
func (b *TelegramBot) History(context.Context, entities.InboundMessage, int) ([]entities.HistoryMessage, error) {
	return nil, nil
}

func (b *TelegramBot) DownloadMedia(ctx context.Context, att entities.Attachment) ([]byte, string, error) {
	fileID, ok := strings.CutPrefix(att.URL, fileURLScheme)
	if !ok {
		return nil, "", eris.Errorf("telegram: unsupported media url %q", att.URL)
	}
	link, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", eris.Wrap(redactToken(err, b.api.Token), "telegram: resolve file")
	}
	data, contentType, err := download(ctx, b.http, "telegram", link, nil)
	if err != nil {
		return nil, "", redactToken(err, b.api.Token)
	}
	if att.MimeType != "" {
		contentType = att.MimeType
	}
	return data, contentType, nil
}

func (b *TelegramBot) poll(timeout int, handler InboundHandler) {
	defer close(b.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := b.api.GetUpdatesChan(u)

	zap.L().Info("telegram polling started", zap.String("session", b.session), zap.String("bot", b.api.Self.UserName))
	for {
		select {
		case <-b.stop:
			b.api.StopReceivingUpdates()
			zap.L().Info("telegram polling stopped", zap.String("session", b.session))
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg, ok := normalizeTelegramUpdate(b.session, update)
			if !ok || handler == nil {
				continue
			}
			handler(b, msg)
		}
	}
}

// normalizeTelegramUpdate maps a private-chat message. Bots, groups and
// non-message updates report false.
func normalizeTelegramUpdate(session string, update tgbotapi.Update) (entities.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || !m.Chat.IsPrivate() || (m.From != nil && m.From.IsBot) {
		return entities.InboundMessage{}, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var attachments []entities.Attachment
	switch {
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, entities.Attachment{
			Kind:     entities.AttachmentImage,
			URL:      fileURLScheme + largest.FileID,
			MimeType: "image/jpeg",
		})
	case m.Voice != nil:
		attachments = append(attachments, entities.Attachment{
			Kind:     entities.AttachmentAudio,
			URL:      fileURLScheme + m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			FileName: "voice.ogg",
		})
	case m.Audio != nil:
		attachments = append(attachments, entities.Attachment{
			Kind:     entities.AttachmentAudio,
			URL:      fileURLScheme + m.Audio.FileID,
			MimeType: m.Audio.MimeType,
			FileName: m.Audio.FileName,
		})
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return entities.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := entities.InboundMessage{
		ExternalMessageID: chatID + ":" + strconv.Itoa(m.MessageID),
		Routing:           entities.RoutingKey{Provider: entities.ProviderTelegram, Session: session},
		SenderID:          chatID,
		Text:              text,
		TimestampUnix:     int64(m.Date),
		Conversation:      entities.Conversation{ChatID: chatID},
		Attachments:       attachments,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderDisplayName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return msg, true
}

// TelegramManager runs one polling bot per telegram channel session.
type TelegramManager struct {
	bots        map[string]*TelegramBot
	mu          sync.RWMutex
	cipher      *ChannelCipher
	handler     InboundHandler
	pollTimeout int
	http        *http.Client
}

func NewTelegramManager(cipher *ChannelCipher, pollTimeout int, handler InboundHandler, opts ...HTTPOption) *TelegramManager {
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	setTelegramLogger.Do(func() {
		_ = tgbotapi.SetLogger(telegramLogger{})
	})
	return &TelegramManager{
		bots:        make(map[string]*TelegramBot),
		cipher:      cipher,
		handler:     handler,
		pollTimeout: pollTimeout,
		http:        buildHTTPClient(30*time.Second, opts),
	}
}

// Token decrypts the bot token from a channel's encrypted config.
func (m *TelegramManager) Token(ch entities.Channel) (string, error) {
	if m.cipher == nil {
		return "", eris.New("telegram: encryption key not configured")
	}
	var cfg telegramChannelConfig
	if err := m.cipher.DecryptJSON(ch.ConfigEncrypted, &cfg); err != nil {
		return "", eris.Wrapf(err, "telegram: channel %s config", ch.ID)
	}
	if cfg.BotToken == "" {
		return "", eris.Errorf("telegram: channel %s has no bot token", ch.ID)
	}
	return cfg.BotToken, nil
}

// Start begins polling for the channel's session unless already running.
func (m *TelegramManager) Start(ch entities.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bots[ch.SessionName]; ok {
		return nil
	}
	token, err := m.Token(ch)
	if err != nil {
		return err
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, m.http)
	if err != nil {
		return eris.Wrap(redactToken(err, token), "telegram: connect bot")
	}

	bot := &TelegramBot{
		api:     api,
		session: ch.SessionName,
		http:    m.http,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.bots[ch.SessionName] = bot
	go bot.poll(m.pollTimeout, m.handler)
	return nil
}

// Status reports whether a session is polling and under which bot name.
func (m *TelegramManager) Status(session string) (SessionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.bots[session]
	if !ok {
		return SessionStatus{}, ErrSessionNotFound
	}
	return SessionStatus{
		Session:   session,
		Connected: true,
		LoggedIn:  true,
		PushName:  bot.api.Self.UserName,
	}, nil
}

// Stop ends polling for one session.
func (m *TelegramManager) Stop(session string) error {
	m.mu.Lock()
	bot, ok := m.bots[session]
	delete(m.bots, session)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	close(bot.stop)
	<-bot.done
	return nil
}

// StopAll stops every bot (graceful shutdown).
func (m *TelegramManager) StopAll() {
	m.mu.Lock()
	bots := m.bots
	m.bots = make(map[string]*TelegramBot)
	m.mu.Unlock()

	for _, bot := range bots {
		close(bot.stop)
		<-bot.done
	}
}
