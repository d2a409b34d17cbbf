package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// ErrPhoneLeadTaken is returned when a write would give a second link for
// the same tenant and phone a CRM lead.
var ErrPhoneLeadTaken = eris.New("phone already has a crm lead")

const phoneLeadIndex = "conversation_links_phone_lead_uidx"

const linkColumns = `id, tenant_id, external_conversation_id, external_contact_id, phone,
	contact_name, last_message, crm_lead_id, notes, created_at, updated_at`

// phoneDigitsExpr compares numbers ignoring formatting; it matches the
// expression indexes on conversation_links.
const phoneDigitsExpr = `regexp_replace(phone, '[^0-9]', '', 'g')`

type ConversationLinkRepository struct {
	db DB
}

func NewConversationLinkRepository(db DB) *ConversationLinkRepository {
	return &ConversationLinkRepository{db: db}
}

// LinkPatch fills empty fields of an existing link. Nil means unchanged.
// LastMessage, when set, always replaces the stored preview.
type LinkPatch struct {
	ExternalContactID *int64
	Phone             *string
	ContactName       *string
	LastMessage       *string
	CRMLeadID         *string
}

// LinkMerge promotes a manual lead to a real conversation.
type LinkMerge struct {
	ExternalConversationID int64
	ExternalContactID      *int64
	ContactName            *string
	LastMessage            *string
	CRMLeadID              *string
}

func (r *ConversationLinkRepository) FindByConversation(ctx context.Context, tenantID string, conversationID int64) (*entities.ConversationLink, error) {
	row := r.db.QueryRow(ctx, `SELECT `+linkColumns+`
		FROM conversation_links
		WHERE tenant_id = $1 AND external_conversation_id = $2
		LIMIT 1
	`, tenantID, conversationID)
	return scanLink(row, "find by conversation")
}

// FindManualByPhone returns a manual lead (conversation id <= 0) for the
// phone, preferring one that already has a CRM lead.
func (r *ConversationLinkRepository) FindManualByPhone(ctx context.Context, tenantID, phone string) (*entities.ConversationLink, error) {
	digits := entities.PhoneDigits(phone)
	if digits == "" {
		return nil, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+linkColumns+`
		FROM conversation_links
		WHERE tenant_id = $1 AND external_conversation_id <= 0 AND `+phoneDigitsExpr+` = $2
		ORDER BY crm_lead_id IS NULL, created_at
		LIMIT 1
	`, tenantID, digits)
	return scanLink(row, "find manual by phone")
}

// HasLeadForPhone reports whether any link for the phone carries a CRM lead.
func (r *ConversationLinkRepository) HasLeadForPhone(ctx context.Context, tenantID, phone string) (bool, error) {
	digits := entities.PhoneDigits(phone)
	if digits == "" {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_links
			WHERE tenant_id = $1 AND crm_lead_id IS NOT NULL AND `+phoneDigitsExpr+` = $2
		)
	`, tenantID, digits).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "links: lead exists for phone")
	}
	return exists, nil
}

func (r *ConversationLinkRepository) Patch(ctx context.Context, id string, p LinkPatch) (*entities.ConversationLink, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE conversation_links SET
			external_contact_id = COALESCE(external_contact_id, $2),
			phone               = COALESCE(phone, $3),
			contact_name        = COALESCE(contact_name, $4),
			last_message        = COALESCE($5, last_message),
			crm_lead_id         = COALESCE(crm_lead_id, $6),
			updated_at          = now()
		WHERE id = $1
		RETURNING `+linkColumns,
		id, p.ExternalContactID, p.Phone, p.ContactName, p.LastMessage, p.CRMLeadID)
	link, err := scanLink(row, "patch")
	return link, mapPhoneConflict(err)
}

// Merge attaches a real conversation to a manual lead. Fields already set on
// the manual lead win, except the last message preview. Notes are untouched.
func (r *ConversationLinkRepository) Merge(ctx context.Context, id string, m LinkMerge) (*entities.ConversationLink, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE conversation_links SET
			external_conversation_id = $2,
			external_contact_id      = COALESCE($3, external_contact_id),
			contact_name             = COALESCE(contact_name, $4),
			last_message             = COALESCE($5, last_message),
			crm_lead_id              = COALESCE(crm_lead_id, $6),
			updated_at               = now()
		WHERE id = $1 AND external_conversation_id <= 0
		RETURNING `+linkColumns,
		id, m.ExternalConversationID, m.ExternalContactID, m.ContactName, m.LastMessage, m.CRMLeadID)
	link, err := scanLink(row, "merge")
	return link, mapPhoneConflict(err)
}

// Create inserts a link. A concurrent insert for the same conversation
// turns into a last-message refresh instead of a duplicate row.
func (r *ConversationLinkRepository) Create(ctx context.Context, link entities.ConversationLink) (*entities.ConversationLink, error) {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO conversation_links (id, tenant_id, external_conversation_id, external_contact_id,
			phone, contact_name, last_message, crm_lead_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, external_conversation_id) WHERE external_conversation_id <> 0
		DO UPDATE SET last_message = EXCLUDED.last_message, updated_at = now()
		RETURNING `+linkColumns,
		link.ID, link.TenantID, link.ExternalConversationID, link.ExternalContactID,
		link.Phone, link.ContactName, link.LastMessage, link.CRMLeadID)
	created, err := scanLink(row, "create")
	return created, mapPhoneConflict(err)
}

func mapPhoneConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == phoneLeadIndex {
		return ErrPhoneLeadTaken
	}
	return err
}

func scanLink(row pgx.Row, op string) (*entities.ConversationLink, error) {
	var l entities.ConversationLink
	err := row.Scan(&l.ID, &l.TenantID, &l.ExternalConversationID, &l.ExternalContactID, &l.Phone,
		&l.ContactName, &l.LastMessage, &l.CRMLeadID, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "links: %s", op)
	}
	return &l, nil
}
