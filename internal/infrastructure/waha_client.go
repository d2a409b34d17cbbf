package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// WahaClient receives WAHA webhooks and sends through the WAHA HTTP API.
// WAHA has no conversation ids or labels.
type WahaClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewWahaClient creates a WAHA adapter.
func NewWahaClient(baseURL, apiKey string, opts ...HTTPOption) *WahaClient {
	return &WahaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    buildHTTPClient(30*time.Second, opts),
	}
}

func (w *WahaClient) Provider() entities.Provider { return entities.ProviderWAHA }

type wahaWebhook struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	Payload *struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		From      string `json:"from"`
		FromMe    bool   `json:"fromMe"`
		Body      string `json:"body"`
		HasMedia  bool   `json:"hasMedia"`
		Media     *struct {
			URL      string `json:"url"`
			Mimetype string `json:"mimetype"`
			Filename string `json:"filename"`
		} `json:"media"`
		Data struct {
			NotifyName string `json:"notifyName"`
		} `json:"_data"`
	} `json:"payload"`
}

// Normalize turns a "message" webhook into an InboundMessage. Own
// messages, groups and status broadcasts report false.
func (w *WahaClient) Normalize(raw []byte) (entities.InboundMessage, bool) {
	var hook wahaWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		zap.L().Debug("waha webhook not decodable", zap.Error(err))
		return entities.InboundMessage{}, false
	}
	p := hook.Payload
	if hook.Event != "message" || p == nil || p.FromMe || p.From == "" || hook.Session == "" {
		return entities.InboundMessage{}, false
	}
	if strings.HasSuffix(p.From, "@g.us") || p.From == "status@broadcast" {
		return entities.InboundMessage{}, false
	}

	var attachments []entities.Attachment
	if p.HasMedia && p.Media != nil && p.Media.URL != "" {
		att := entities.Attachment{URL: p.Media.URL, MimeType: p.Media.Mimetype, FileName: p.Media.Filename}
		switch {
		case strings.HasPrefix(p.Media.Mimetype, "image/"):
			att.Kind = entities.AttachmentImage
			attachments = append(attachments, att)
		case strings.HasPrefix(p.Media.Mimetype, "audio/"):
			att.Kind = entities.AttachmentAudio
			attachments = append(attachments, att)
		}
	}
	if strings.TrimSpace(p.Body) == "" && len(attachments) == 0 {
		return entities.InboundMessage{}, false
	}

	return entities.InboundMessage{
		ExternalMessageID: p.ID,
		Routing:           entities.RoutingKey{Provider: entities.ProviderWAHA, Session: hook.Session},
		SenderID:          p.From,
		SenderDisplayName: p.Data.NotifyName,
		Text:              p.Body,
		TimestampUnix:     p.Timestamp,
		Conversation: entities.Conversation{
			ChatID: p.From,
			Phone:  chatIDToPhone(p.From),
		},
		Attachments: attachments,
	}, true
}

// chatIDToPhone drops the WhatsApp domain from a chat id.
func chatIDToPhone(chatID string) string {
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		return chatID[:i]
	}
	return chatID
}

func (w *WahaClient) headers() map[string]string {
	return map[string]string{"X-Api-Key": w.apiKey}
}

// Send posts text to the chat through the message's session.
func (w *WahaClient) Send(ctx context.Context, msg entities.InboundMessage, text string) error {
	body := map[string]string{
		"session": msg.Routing.Session,
		"chatId":  msg.Conversation.ChatID,
		"text":    text,
	}
	if err := doJSON(ctx, w.http, "waha", http.MethodPost, w.baseURL+"/api/sendText", w.headers(), body, nil); err != nil {
		return err
	}
	zap.L().Info("message sent via waha", zap.String("session", msg.Routing.Session))
	return nil
}

// Tag is a no-op: WAHA chats have no labels.
func (w *WahaClient) Tag(context.Context, entities.InboundMessage, string) error {
	return nil
}

// History returns the last limit non-empty messages of the chat.
func (w *WahaClient) History(ctx context.Context, msg entities.InboundMessage, limit int) ([]entities.HistoryMessage, error) {
	q := url.Values{}
	q.Set("chatId", msg.Conversation.ChatID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("session", msg.Routing.Session)

	var resp []struct {
		FromMe bool   `json:"fromMe"`
		Body   string `json:"body"`
	}
	if err := doJSON(ctx, w.http, "waha", http.MethodGet, w.baseURL+"/api/messages?"+q.Encode(), w.headers(), nil, &resp); err != nil {
		return nil, err
	}

	history := make([]entities.HistoryMessage, 0, len(resp))
	for _, m := range resp {
		if m.Body == "" {
			continue
		}
		role := entities.RoleUser
		if m.FromMe {
			role = entities.RoleAssistant
		}
		history = append(history, entities.HistoryMessage{Role: role, Content: m.Body})
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// DownloadMedia fetches a media file served by WAHA.
func (w *WahaClient) DownloadMedia(ctx context.Context, att entities.Attachment) ([]byte, string, error) {
	if att.URL == "" {
		return nil, "", eris.New("waha: attachment without url")
	}
	data, contentType, err := download(ctx, w.http, "waha", att.URL, w.headers())
	if err != nil {
		return nil, "", err
	}
	if att.MimeType != "" && contentType == "application/octet-stream" {
		contentType = att.MimeType
	}
	return data, contentType, nil
}
