package infrastructure

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite" // pure Go SQLite driver for the device store

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// mediaURLScheme marks attachments that are downloaded through whatsmeow.
const mediaURLScheme = "wa-media://"

// mediaTTL is how long an undownloaded attachment stays referenced.
const mediaTTL = 10 * time.Minute

// zapWALogger bridges whatsmeow's waLog.Logger to zap.
type zapWALogger struct {
	log *zap.SugaredLogger
}

func newWALogger(module string) waLog.Logger {
	return &zapWALogger{log: zap.L().Named("whatsmeow").Named(module).Sugar()}
}

func (l *zapWALogger) Debugf(msg string, args ...interface{}) { l.log.Debugf(msg, args...) }
func (l *zapWALogger) Infof(msg string, args ...interface{})  { l.log.Infof(msg, args...) }
func (l *zapWALogger) Warnf(msg string, args ...interface{})  { l.log.Warnf(msg, args...) }
func (l *zapWALogger) Errorf(msg string, args ...interface{}) { l.log.Errorf(msg, args...) }
func (l *zapWALogger) Sub(module string) waLog.Logger {
	return &zapWALogger{log: l.log.Named(module)}
}

// SessionStatus is what the internal API reports about a session.
type SessionStatus struct {
	Session   string `json:"session"`
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"logged_in"`
	Phone     string `json:"phone,omitempty"`
	PushName  string `json:"push_name,omitempty"`
	HasQR     bool   `json:"has_qr"`
}

type cachedMedia struct {
	msg whatsmeow.DownloadableMessage
	at  time.Time
}

// WhatsAppClient is one native WhatsApp session (a linked device) with its
// own SQLite device store.
type WhatsAppClient struct {
	Client  *whatsmeow.Client
	session string
	handler InboundHandler

	qrCode string
	qrLock sync.RWMutex

	mediaMu sync.Mutex
	media   map[string]cachedMedia
}

// NewWhatsAppClient opens (or creates) the device store at dbPath.
func NewWhatsAppClient(ctx context.Context, dbPath, session string, handler InboundHandler) (*WhatsAppClient, error) {
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", newWALogger("store"))
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: open device store")
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: get device")
	}

	w := &WhatsAppClient{
		Client:  whatsmeow.NewClient(deviceStore, newWALogger("client."+session)),
		session: session,
		handler: handler,
		media:   make(map[string]cachedMedia),
	}
	w.Client.AddEventHandler(w.handleEvent)
	return w, nil
}

func (w *WhatsAppClient) Provider() entities.Provider { return entities.ProviderWhatsApp }

// Session returns the session name this client serves.
func (w *WhatsAppClient) Session() string { return w.session }

// Connect connects the device. Unpaired devices start publishing QR codes.
func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.Client.Store.ID != nil {
		if err := w.Client.Connect(); err != nil {
			return eris.Wrap(err, "whatsapp: connect")
		}
		zap.L().Info("whatsapp session connected", zap.String("session", w.session))
		return nil
	}

	qrChan, err := w.Client.GetQRChannel(ctx)
	if err != nil {
		return eris.Wrap(err, "whatsapp: qr channel")
	}
	if err := w.Client.Connect(); err != nil {
		return eris.Wrap(err, "whatsapp: connect")
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		w.qrLock.Lock()
		if evt.Event == "code" {
			w.qrCode = evt.Code
		} else {
			w.qrCode = ""
		}
		w.qrLock.Unlock()
		zap.L().Info("whatsapp pairing event", zap.String("session", w.session), zap.String("event", evt.Event))
	}
}

// QR returns the current pairing code, empty when paired.
func (w *WhatsAppClient) QR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

func (w *WhatsAppClient) Status() SessionStatus {
	st := SessionStatus{
		Session:   w.session,
		Connected: w.Client.IsConnected(),
		LoggedIn:  w.IsLoggedIn(),
		HasQR:     w.QR() != "",
	}
	if w.Client.Store.ID != nil {
		st.Phone = w.Client.Store.ID.User
		st.PushName = w.Client.Store.PushName
	}
	return st
}

// Logout unlinks the device and reconnects so a new QR is published.
func (w *WhatsAppClient) Logout(ctx context.Context) error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if w.IsLoggedIn() {
		if err := w.Client.Logout(ctx); err != nil {
			return eris.Wrap(err, "whatsapp: logout")
		}
	}
	w.Client.Disconnect()
	return w.Connect(ctx)
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

func (w *WhatsAppClient) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		msg, media, ok := normalizeWhatsAppEvent(w.session, e)
		if !ok {
			return
		}
		if media != nil {
			w.rememberMedia(e.Info.ID, media)
		}
		if w.handler != nil {
			w.handler(w, msg)
		}
	case *events.LoggedOut:
		zap.L().Warn("whatsapp session logged out", zap.String("session", w.session))
	case *events.Connected:
		w.qrLock.Lock()
		w.qrCode = ""
		w.qrLock.Unlock()
	}
}

// normalizeWhatsAppEvent maps a whatsmeow message event. Own messages,
// groups and broadcasts report false.
func normalizeWhatsAppEvent(session string, evt *events.Message) (entities.InboundMessage, whatsmeow.DownloadableMessage, bool) {
	if evt == nil || evt.Message == nil {
		return entities.InboundMessage{}, nil, false
	}
	info := evt.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return entities.InboundMessage{}, nil, false
	}

	m := evt.Message
	text := m.GetConversation()
	if text == "" {
		text = m.GetExtendedTextMessage().GetText()
	}

	var (
		attachments []entities.Attachment
		media       whatsmeow.DownloadableMessage
	)
	if img := m.GetImageMessage(); img != nil {
		media = img
		if text == "" {
			text = img.GetCaption()
		}
		attachments = append(attachments, entities.Attachment{
			Kind:     entities.AttachmentImage,
			URL:      mediaURLScheme + info.ID,
			MimeType: img.GetMimetype(),
		})
	} else if audio := m.GetAudioMessage(); audio != nil {
		media = audio
		attachments = append(attachments, entities.Attachment{
			Kind:     entities.AttachmentAudio,
			URL:      mediaURLScheme + info.ID,
			MimeType: audio.GetMimetype(),
		})
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return entities.InboundMessage{}, nil, false
	}

	phone := ""
	if info.Chat.Server == types.DefaultUserServer {
		phone = info.Chat.User
	}
	return entities.InboundMessage{
		ExternalMessageID: info.ID,
		Routing:           entities.RoutingKey{Provider: entities.ProviderWhatsApp, Session: session},
		SenderID:          info.Sender.String(),
		SenderDisplayName: info.PushName,
		Text:              text,
		TimestampUnix:     info.Timestamp.Unix(),
		Conversation: entities.Conversation{
			ChatID: info.Chat.String(),
			Phone:  phone,
		},
		Attachments: attachments,
	}, media, true
}

func (w *WhatsAppClient) rememberMedia(id string, msg whatsmeow.DownloadableMessage) {
	w.mediaMu.Lock()
	defer w.mediaMu.Unlock()
	now := time.Now()
	for k, v := range w.media {
		if now.Sub(v.at) > mediaTTL {
			delete(w.media, k)
		}
	}
	w.media[id] = cachedMedia{msg: msg, at: now}
}

func (w *WhatsAppClient) takeMedia(id string) (whatsmeow.DownloadableMessage, bool) {
	w.mediaMu.Lock()
	defer w.mediaMu.Unlock()
	c, ok := w.media[id]
	delete(w.media, id)
	return c.msg, ok
}

// Send replies in the chat the message came from.
func (w *WhatsAppClient) Send(ctx context.Context, msg entities.InboundMessage, text string) error {
	jid, err := types.ParseJID(msg.Conversation.ChatID)
	if err != nil {
		return eris.Wrapf(err, "whatsapp: parse chat id %q", msg.Conversation.ChatID)
	}
	if _, err := w.Client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return eris.Wrap(err, "whatsapp: send")
	}
	return nil
}

// Tag is a no-op: WhatsApp chats have no labels.
func (w *WhatsAppClient) Tag(context.Context, entities.InboundMessage, string) error {
	return nil
}

// History is empty: the device store does not keep message bodies.
func (w *WhatsAppClient) History(context.Context, entities.InboundMessage, int) ([]entities.HistoryMessage, error) {
	return nil, nil
}

// DownloadMedia decrypts an attachment announced by a recent event.
func (w *WhatsAppClient) DownloadMedia(ctx context.Context, att entities.Attachment) ([]byte, string, error) {
	id, ok := strings.CutPrefix(att.URL, mediaURLScheme)
	if !ok {
		return nil, "", eris.Errorf("whatsapp: unsupported media url %q", att.URL)
	}
	msg, ok := w.takeMedia(id)
	if !ok {
		return nil, "", eris.New("whatsapp: media expired")
	}
	data, err := w.Client.Download(ctx, msg)
	if err != nil {
		return nil, "", eris.Wrap(err, "whatsapp: download media")
	}
	return data, att.MimeType, nil
}
