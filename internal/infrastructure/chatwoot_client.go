package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// ChatwootClient receives Chatwoot webhooks and talks back through the
// Chatwoot application API.
type ChatwootClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewChatwootClient creates a Chatwoot adapter for the given installation.
func NewChatwootClient(baseURL, token string, opts ...HTTPOption) *ChatwootClient {
	return &ChatwootClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    buildHTTPClient(30*time.Second, opts),
	}
}

func (c *ChatwootClient) Provider() entities.Provider { return entities.ProviderChatwoot }

type chatwootWebhook struct {
	Event       string          `json:"event"`
	ID          int64           `json:"id"`
	Content     string          `json:"content"`
	MessageType string          `json:"message_type"`
	CreatedAt   json.RawMessage `json:"created_at"`
	Account     *struct {
		ID int64 `json:"id"`
	} `json:"account"`
	Inbox *struct {
		ID int64 `json:"id"`
	} `json:"inbox"`
	Sender *struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Type        string `json:"type"`
		PhoneNumber string `json:"phone_number"`
	} `json:"sender"`
	Conversation *struct {
		ID     int64    `json:"id"`
		Labels []string `json:"labels"`
		Meta   struct {
			Assignee *struct {
				ID int64 `json:"id"`
			} `json:"assignee"`
			Sender *chatwootContact `json:"sender"`
		} `json:"meta"`
		Contact *chatwootContact `json:"contact"`
	} `json:"conversation"`
	Attachments []struct {
		FileType  string `json:"file_type"`
		DataURL   string `json:"data_url"`
		Extension string `json:"extension"`
	} `json:"attachments"`
}

type chatwootContact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

// Normalize turns a message_created webhook into an InboundMessage. Other
// events, outgoing messages and agent messages report false.
func (c *ChatwootClient) Normalize(raw []byte) (entities.InboundMessage, bool) {
	var hook chatwootWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		zap.L().Debug("chatwoot webhook not decodable", zap.Error(err))
		return entities.InboundMessage{}, false
	}

	if hook.Event != "message_created" || hook.Account == nil || hook.Account.ID == 0 {
		return entities.InboundMessage{}, false
	}
	if hook.MessageType != "incoming" {
		return entities.InboundMessage{}, false
	}
	if hook.Sender != nil && hook.Sender.Type == "agent" {
		return entities.InboundMessage{}, false
	}
	if hook.Conversation == nil || hook.Conversation.ID == 0 {
		return entities.InboundMessage{}, false
	}

	var attachments []entities.Attachment
	for _, a := range hook.Attachments {
		if a.DataURL == "" {
			continue
		}
		switch a.FileType {
		case "image":
			attachments = append(attachments, entities.Attachment{Kind: entities.AttachmentImage, URL: a.DataURL})
		case "audio":
			att := entities.Attachment{Kind: entities.AttachmentAudio, URL: a.DataURL}
			if a.Extension != "" {
				att.FileName = "audio." + strings.TrimPrefix(a.Extension, ".")
			}
			attachments = append(attachments, att)
		}
	}
	text := strings.TrimSpace(hook.Content)
	if text == "" && len(attachments) == 0 {
		return entities.InboundMessage{}, false
	}

	conv := hook.Conversation
	contact := firstContact(conv.Contact, conv.Meta.Sender)
	msg := entities.InboundMessage{
		ExternalMessageID: strconv.FormatInt(hook.ID, 10),
		Routing: entities.RoutingKey{
			Provider:  entities.ProviderChatwoot,
			AccountID: hook.Account.ID,
		},
		Text:          hook.Content,
		TimestampUnix: parseTimestamp(hook.CreatedAt),
		Conversation: entities.Conversation{
			ID:            conv.ID,
			ChatID:        strconv.FormatInt(conv.ID, 10),
			Labels:        conv.Labels,
			AgentAssigned: conv.Meta.Assignee != nil,
		},
		Attachments: attachments,
	}
	if hook.ID == 0 {
		msg.ExternalMessageID = ""
	}
	if hook.Inbox != nil {
		msg.Routing.InboxID = hook.Inbox.ID
	}
	if contact != nil {
		msg.Conversation.ContactID = contact.ID
		msg.Conversation.Phone = contact.PhoneNumber
		msg.SenderDisplayName = contact.Name
		msg.SenderID = strconv.FormatInt(contact.ID, 10)
	}
	if hook.Sender != nil {
		if msg.SenderDisplayName == "" {
			msg.SenderDisplayName = hook.Sender.Name
		}
		if msg.Conversation.Phone == "" {
			msg.Conversation.Phone = hook.Sender.PhoneNumber
		}
		if msg.SenderID == "" && hook.Sender.ID != 0 {
			msg.SenderID = strconv.FormatInt(hook.Sender.ID, 10)
		}
	}
	return msg, true
}

// firstContact merges the contact blocks, preferring the first for each field.
func firstContact(contacts ...*chatwootContact) *chatwootContact {
	var out *chatwootContact
	for _, c := range contacts {
		if c == nil {
			continue
		}
		if out == nil {
			cp := *c
			out = &cp
			continue
		}
		if out.ID == 0 {
			out.ID = c.ID
		}
		if out.Name == "" {
			out.Name = c.Name
		}
		if out.PhoneNumber == "" {
			out.PhoneNumber = c.PhoneNumber
		}
	}
	return out
}

// parseTimestamp accepts unix seconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}

func (c *ChatwootClient) conversationURL(msg entities.InboundMessage) string {
	return fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%d", c.baseURL, msg.Routing.AccountID, msg.Conversation.ID)
}

func (c *ChatwootClient) headers() map[string]string {
	return map[string]string{"api_access_token": c.token}
}

// Send posts a public outgoing message to the conversation.
func (c *ChatwootClient) Send(ctx context.Context, msg entities.InboundMessage, text string) error {
	body := map[string]any{
		"content":      text,
		"message_type": "outgoing",
		"private":      false,
	}
	if err := doJSON(ctx, c.http, "chatwoot", http.MethodPost, c.conversationURL(msg)+"/messages", c.headers(), body, nil); err != nil {
		return err
	}
	zap.L().Info("message sent to chatwoot",
		zap.Int64("account_id", msg.Routing.AccountID),
		zap.Int64("conversation_id", msg.Conversation.ID))
	return nil
}

// Tag adds label to the conversation, keeping the labels it already has.
func (c *ChatwootClient) Tag(ctx context.Context, msg entities.InboundMessage, label string) error {
	var current struct {
		Labels []string `json:"labels"`
	}
	if err := doJSON(ctx, c.http, "chatwoot", http.MethodGet, c.conversationURL(msg), c.headers(), nil, &current); err != nil {
		zap.L().Warn("chatwoot labels not read, using webhook labels", zap.Error(err))
		current.Labels = msg.Conversation.Labels
	}
	if entities.ContainsLabel(current.Labels, label) {
		return nil
	}

	labels := append(slices.Clone(current.Labels), label)
	if err := doJSON(ctx, c.http, "chatwoot", http.MethodPost, c.conversationURL(msg)+"/labels", c.headers(),
		map[string]any{"labels": labels}, nil); err != nil {
		return err
	}
	zap.L().Info("label added to conversation",
		zap.Int64("conversation_id", msg.Conversation.ID),
		zap.String("label", label))
	return nil
}

// Chatwoot message types in API responses.
const (
	chatwootIncoming = 0
	chatwootOutgoing = 1
)

// History returns the last limit public text messages of the conversation.
func (c *ChatwootClient) History(ctx context.Context, msg entities.InboundMessage, limit int) ([]entities.HistoryMessage, error) {
	var resp struct {
		Payload []struct {
			Content     string `json:"content"`
			MessageType int    `json:"message_type"`
			Private     bool   `json:"private"`
		} `json:"payload"`
	}
	if err := doJSON(ctx, c.http, "chatwoot", http.MethodGet, c.conversationURL(msg)+"/messages", c.headers(), nil, &resp); err != nil {
		return nil, err
	}

	var history []entities.HistoryMessage
	for _, m := range resp.Payload {
		if m.Private || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.MessageType {
		case chatwootIncoming:
			history = append(history, entities.HistoryMessage{Role: entities.RoleUser, Content: m.Content})
		case chatwootOutgoing:
			history = append(history, entities.HistoryMessage{Role: entities.RoleAssistant, Content: m.Content})
		}
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// DownloadMedia fetches an attachment. Relative URLs are served by Chatwoot.
func (c *ChatwootClient) DownloadMedia(ctx context.Context, att entities.Attachment) ([]byte, string, error) {
	if att.URL == "" {
		return nil, "", eris.New("chatwoot: attachment without url")
	}
	url := att.URL
	if !strings.HasPrefix(url, "http") {
		url = c.baseURL + url
	}
	return download(ctx, c.http, "chatwoot", url, c.headers())
}
