package entities

import (
	"hash/fnv"
	"regexp"
	"time"
	"unicode/utf8"
)

// MaxLastMessage bounds the stored last message preview, in runes.
const MaxLastMessage = 500

// ConversationLink ties a provider conversation to a CRM lead. A
// non-positive ExternalConversationID marks a manual lead created from the
// CRM board or a synthetic id for providers without conversations.
type ConversationLink struct {
	ID                     string
	TenantID               string
	ExternalConversationID int64
	ExternalContactID      *int64
	Phone                  *string
	ContactName            *string
	LastMessage            *string
	CRMLeadID              *string
	Notes                  *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsManual reports whether the link is not yet tied to a real conversation.
func (l ConversationLink) IsManual() bool {
	return l.ExternalConversationID <= 0
}

// LeadInput is what the pipeline knows about a conversation after replying.
type LeadInput struct {
	TenantID               string
	ExternalConversationID int64
	ExternalContactID      int64
	InboxID                int64
	Phone                  string
	ContactName            string
	LastMessage            string
}

// CRMLead is the payload sent to the CRM.
type CRMLead struct {
	TenantID               string `json:"tenant_id"`
	Source                 string `json:"source"`
	Phone                  string `json:"phone,omitempty"`
	Name                   string `json:"name,omitempty"`
	ChatwootConversationID int64  `json:"chatwoot_conversation_id"`
	ChatwootInboxID        int64  `json:"chatwoot_inbox_id,omitempty"`
	LastMessage            string `json:"last_message,omitempty"`
}

var (
	phoneStrip  = regexp.MustCompile(`[^0-9+]`)
	digitsStrip = regexp.MustCompile(`[^0-9]`)
)

// NormalizePhone keeps digits and '+'.
func NormalizePhone(raw string) string {
	return phoneStrip.ReplaceAllString(raw, "")
}

// PhoneDigits keeps only digits; used to compare numbers written differently.
func PhoneDigits(raw string) string {
	return digitsStrip.ReplaceAllString(raw, "")
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// SyntheticConversationID derives a stable negative id for providers that
// have no conversation ids (WAHA, native sessions, Telegram).
func SyntheticConversationID(tenantID, chatID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(chatID))
	v := int64(h.Sum64() >> 2) // keep clear of the sign bit
	if v == 0 {
		return -1
	}
	return -v
}
