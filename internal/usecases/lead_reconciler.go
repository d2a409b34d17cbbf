package usecases

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
	"github.com/rkromero/PlataformaChatIA/internal/repository"
)

type LinkStore interface {
	FindByConversation(ctx context.Context, tenantID string, conversationID int64) (*entities.ConversationLink, error)
	FindManualByPhone(ctx context.Context, tenantID, phone string) (*entities.ConversationLink, error)
	HasLeadForPhone(ctx context.Context, tenantID, phone string) (bool, error)
	Patch(ctx context.Context, id string, p repository.LinkPatch) (*entities.ConversationLink, error)
	Merge(ctx context.Context, id string, m repository.LinkMerge) (*entities.ConversationLink, error)
	Create(ctx context.Context, link entities.ConversationLink) (*entities.ConversationLink, error)
}

// LeadReconciler keeps one ConversationLink per conversation and at most
// one CRM lead per tenant and phone.
type LeadReconciler struct {
	links LinkStore
	crm   interfaces.CRMClient
}

// NewLeadReconciler builds a reconciler. A nil crm skips CRM sync.
func NewLeadReconciler(links LinkStore, crm interfaces.CRMClient) *LeadReconciler {
	return &LeadReconciler{links: links, crm: crm}
}

// Reconcile records the latest state of a conversation:
//  1. an existing link is patched (empty fields only) with a fresh preview;
//  2. otherwise a manual lead with the same phone is promoted to this conversation;
//  3. otherwise a new link is created, with a CRM lead unless the phone already has one.
func (r *LeadReconciler) Reconcile(ctx context.Context, in entities.LeadInput) (*entities.ConversationLink, error) {
	phone := entities.NormalizePhone(in.Phone)
	log := zap.L().With(zap.String("tenant_id", in.TenantID), zap.Int64("conversation_id", in.ExternalConversationID))

	existing, err := r.links.FindByConversation(ctx, in.TenantID, in.ExternalConversationID)
	if err == nil {
		return r.patchExisting(ctx, existing, in, phone)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, eris.Wrap(err, "reconcile: find link")
	}

	if phone != "" {
		manual, err := r.links.FindManualByPhone(ctx, in.TenantID, phone)
		switch {
		case err == nil:
			link, err := r.mergeManual(ctx, manual, in, phone)
			if !errors.Is(err, repository.ErrNotFound) {
				return link, err
			}
			// Another event promoted the manual lead first; create below.
			log.Debug("manual lead already merged")
		case !errors.Is(err, repository.ErrNotFound):
			return nil, eris.Wrap(err, "reconcile: find manual lead")
		}
	}

	var leadID *string
	if r.crm != nil && (phone == "" || !r.phoneHasLead(ctx, in.TenantID, phone)) {
		leadID = r.createLead(ctx, in, phone)
	}

	link := entities.ConversationLink{
		TenantID:               in.TenantID,
		ExternalConversationID: in.ExternalConversationID,
		ExternalContactID:      optionalID(in.ExternalContactID),
		Phone:                  optional(phone),
		ContactName:            optional(in.ContactName),
		LastMessage:            optional(entities.TruncateRunes(in.LastMessage, entities.MaxLastMessage)),
		CRMLeadID:              leadID,
	}
	created, err := r.links.Create(ctx, link)
	if errors.Is(err, repository.ErrPhoneLeadTaken) {
		log.Info("phone got a crm lead concurrently, linking without lead")
		link.CRMLeadID = nil
		created, err = r.links.Create(ctx, link)
	}
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: create link")
	}
	return created, nil
}

func (r *LeadReconciler) patchExisting(ctx context.Context, existing *entities.ConversationLink, in entities.LeadInput, phone string) (*entities.ConversationLink, error) {
	patch := repository.LinkPatch{
		ExternalContactID: optionalID(in.ExternalContactID),
		Phone:             optional(phone),
		ContactName:       optional(in.ContactName),
		LastMessage:       optional(entities.TruncateRunes(in.LastMessage, entities.MaxLastMessage)),
	}
	if existing.CRMLeadID == nil && r.crm != nil {
		if phone == "" || !r.phoneHasLead(ctx, in.TenantID, phone) {
			patch.CRMLeadID = r.createLead(ctx, in, phone)
		}
	}

	link, err := r.links.Patch(ctx, existing.ID, patch)
	if errors.Is(err, repository.ErrPhoneLeadTaken) {
		patch.CRMLeadID = nil
		link, err = r.links.Patch(ctx, existing.ID, patch)
	}
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: patch link")
	}
	return link, nil
}

func (r *LeadReconciler) mergeManual(ctx context.Context, manual *entities.ConversationLink, in entities.LeadInput, phone string) (*entities.ConversationLink, error) {
	merge := repository.LinkMerge{
		ExternalConversationID: in.ExternalConversationID,
		ExternalContactID:      optionalID(in.ExternalContactID),
		ContactName:            optional(in.ContactName),
		LastMessage:            optional(entities.TruncateRunes(in.LastMessage, entities.MaxLastMessage)),
	}
	if manual.CRMLeadID == nil && r.crm != nil && !r.phoneHasLead(ctx, in.TenantID, phone) {
		merge.CRMLeadID = r.createLead(ctx, in, phone)
	}

	link, err := r.links.Merge(ctx, manual.ID, merge)
	if errors.Is(err, repository.ErrPhoneLeadTaken) {
		merge.CRMLeadID = nil
		link, err = r.links.Merge(ctx, manual.ID, merge)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, eris.Wrap(err, "reconcile: merge manual lead")
	}
	zap.L().Info("manual lead merged into conversation",
		zap.String("tenant_id", in.TenantID),
		zap.String("link_id", link.ID),
		zap.Int64("conversation_id", in.ExternalConversationID))
	return link, nil
}

// phoneHasLead treats lookup errors as "has lead" so a flaky read never
// produces a duplicate CRM lead.
func (r *LeadReconciler) phoneHasLead(ctx context.Context, tenantID, phone string) bool {
	has, err := r.links.HasLeadForPhone(ctx, tenantID, phone)
	if err != nil {
		zap.L().Warn("lead lookup by phone failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return true
	}
	return has
}

// createLead returns nil when CRM is unconfigured or the call fails.
func (r *LeadReconciler) createLead(ctx context.Context, in entities.LeadInput, phone string) *string {
	if r.crm == nil {
		return nil
	}
	id, err := r.crm.CreateLead(ctx, entities.CRMLead{
		TenantID:               in.TenantID,
		Source:                 "whatsapp",
		Phone:                  phone,
		Name:                   in.ContactName,
		ChatwootConversationID: in.ExternalConversationID,
		ChatwootInboxID:        in.InboxID,
		LastMessage:            entities.TruncateRunes(in.LastMessage, entities.MaxLastMessage),
	})
	if err != nil {
		zap.L().Error("crm lead sync failed",
			zap.String("tenant_id", in.TenantID),
			zap.Int64("conversation_id", in.ExternalConversationID),
			zap.Error(err))
		return nil
	}
	return optional(id)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
