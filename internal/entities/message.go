package entities

import "strings"

// Provider identifies the messaging backend a message arrived through.
type Provider string

const (
	ProviderChatwoot Provider = "chatwoot"
	ProviderWAHA     Provider = "waha"
	ProviderWhatsApp Provider = "whatsapp" // native whatsmeow session
	ProviderTelegram Provider = "telegram"
)

// RoutingKey is the provider-specific address used to find the tenant.
// Chatwoot fills AccountID/InboxID, session providers fill Session.
type RoutingKey struct {
	Provider  Provider
	AccountID int64
	InboxID   int64
	Session   string
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
)

type Attachment struct {
	Kind     AttachmentKind
	URL      string
	MimeType string
	FileName string
}

// Conversation is the provider-side context of a message.
type Conversation struct {
	ID            int64  // external conversation id, 0 when the provider has none
	ContactID     int64  // 0 when unknown
	ChatID        string // address replies are sent to
	Phone         string
	Labels        []string
	AgentAssigned bool
}

type InboundMessage struct {
	ExternalMessageID string
	Routing           RoutingKey
	SenderID          string
	SenderDisplayName string
	Text              string
	TimestampUnix     int64
	IsFromBot         bool
	Conversation      Conversation
	Attachments       []Attachment
}

// HasLabel reports whether the conversation already carries label (case-insensitive).
func (m InboundMessage) HasLabel(label string) bool {
	return ContainsLabel(m.Conversation.Labels, label)
}

// ContainsLabel reports whether labels holds label, ignoring case.
func ContainsLabel(labels []string, label string) bool {
	if label == "" {
		return false
	}
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
)

type HistoryMessage struct {
	Role    HistoryRole
	Content string
}

// ReplyRequest is everything the reply generator needs for one answer.
type ReplyRequest struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	History      []HistoryMessage
	Images       []string // data: URLs
}
