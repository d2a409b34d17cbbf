package entities

type TenantStatus string

const (
	TenantActive TenantStatus = "active"
	TenantPaused TenantStatus = "paused"
)

type Tenant struct {
	ID         string
	Name       string
	Status     TenantStatus
	Plan       string
	AiSettings *AiSettings // nil when the tenant never configured the bot
}

func (t Tenant) Active() bool {
	return t.Status == TenantActive
}

type AiSettings struct {
	Enabled      bool
	Model        string
	SystemPrompt string
	HandoffRules HandoffRules
}

// HandoffRules is stored as jsonb by the control plane.
type HandoffRules struct {
	Keywords   []string `json:"keywords"`
	HandoffTag string   `json:"handoffTag"`
}

// DefaultHandoffTag is used when the tenant did not configure one.
const DefaultHandoffTag = "human_handoff"

// Tag returns the configured handoff tag or the default.
func (r HandoffRules) Tag() string {
	if r.HandoffTag == "" {
		return DefaultHandoffTag
	}
	return r.HandoffTag
}

type ChannelType string

const (
	ChannelChatwootInbox  ChannelType = "whatsapp"        // inbox in Chatwoot
	ChannelWAHASession    ChannelType = "whatsapp_qr"     // WAHA session
	ChannelNativeWhatsApp ChannelType = "whatsapp_native" // whatsmeow device
	ChannelTelegram       ChannelType = "telegram"
)

// Channel is a tenant_channels row. ConfigEncrypted holds provider secrets
// (bot tokens) encrypted by the control plane.
type Channel struct {
	ID              string
	TenantID        string
	Type            ChannelType
	ChatwootInboxID int64
	SessionName     string
	ConfigEncrypted string
}
