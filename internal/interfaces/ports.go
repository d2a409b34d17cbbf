package interfaces

import (
	"context"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// Messenger is what the pipeline needs from the provider a message came from.
type Messenger interface {
	Provider() entities.Provider
	Send(ctx context.Context, msg entities.InboundMessage, text string) error
	// Tag labels the conversation. Providers without labels treat it as a no-op.
	Tag(ctx context.Context, msg entities.InboundMessage, label string) error
	History(ctx context.Context, msg entities.InboundMessage, limit int) ([]entities.HistoryMessage, error)
	DownloadMedia(ctx context.Context, att entities.Attachment) ([]byte, string, error)
}

// WebhookAdapter is a Messenger that receives its messages by webhook.
// Normalize returns false for payloads that are not a new inbound message.
type WebhookAdapter interface {
	Messenger
	Normalize(raw []byte) (entities.InboundMessage, bool)
}

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req entities.ReplyRequest) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string) (string, error)
}

type CRMClient interface {
	CreateLead(ctx context.Context, lead entities.CRMLead) (string, error)
}

type UsageNotifier interface {
	NotifyUsage(ctx context.Context, tenantID string, percent int) error
}

// TaskRunner runs background jobs off the request path. Submit reports
// whether the job was accepted.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}
