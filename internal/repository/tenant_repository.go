package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// TenantRepository reads tenants, their AI settings and channel
// registrations. The control plane owns these tables.
type TenantRepository struct {
	db DB
}

func NewTenantRepository(db DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantSelect = `
	SELECT t.id, t.name, t.status, t.plan,
	       s.tenant_id IS NOT NULL,
	       COALESCE(s.enabled, false), COALESCE(s.model, ''), COALESCE(s.system_prompt, ''),
	       s.handoff_rules
`

// FindByInbox returns the tenant owning a Chatwoot inbox.
func (r *TenantRepository) FindByInbox(ctx context.Context, inboxID int64) (*entities.Tenant, error) {
	row := r.db.QueryRow(ctx, tenantSelect+`
		FROM tenant_channels c
		JOIN tenants t ON t.id = c.tenant_id
		LEFT JOIN ai_settings s ON s.tenant_id = t.id
		WHERE c.type = 'whatsapp' AND c.chatwoot_inbox_id = $1
		LIMIT 1
	`, inboxID)
	return scanTenant(row, "find by inbox")
}

// FindByAccount returns the tenant registered as primary for a Chatwoot account.
func (r *TenantRepository) FindByAccount(ctx context.Context, accountID int64) (*entities.Tenant, error) {
	row := r.db.QueryRow(ctx, tenantSelect+`
		FROM tenants t
		LEFT JOIN ai_settings s ON s.tenant_id = t.id
		WHERE t.chatwoot_account_id = $1
		ORDER BY t.created_at
		LIMIT 1
	`, accountID)
	return scanTenant(row, "find by account")
}

// FindBySession returns the tenant owning a named session of the given channel type.
func (r *TenantRepository) FindBySession(ctx context.Context, channelType entities.ChannelType, session string) (*entities.Tenant, error) {
	row := r.db.QueryRow(ctx, tenantSelect+`
		FROM tenant_channels c
		JOIN tenants t ON t.id = c.tenant_id
		LEFT JOIN ai_settings s ON s.tenant_id = t.id
		WHERE c.type = $1 AND c.session_name = $2
		LIMIT 1
	`, string(channelType), session)
	return scanTenant(row, "find by session")
}

// ListSessionChannels returns channels of the given types that belong to
// active tenants. Used at boot to start long-lived sessions.
func (r *TenantRepository) ListSessionChannels(ctx context.Context, types ...entities.ChannelType) ([]entities.Channel, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.tenant_id, c.type, COALESCE(c.chatwoot_inbox_id, 0),
		       COALESCE(c.session_name, ''), COALESCE(c.config_encrypted, '')
		FROM tenant_channels c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE t.status = 'active' AND c.type = ANY($1) AND c.session_name IS NOT NULL
		ORDER BY c.created_at
	`, names)
	if err != nil {
		return nil, eris.Wrap(err, "tenants: list session channels")
	}
	defer rows.Close()

	var channels []entities.Channel
	for rows.Next() {
		var ch entities.Channel
		var typ string
		if err := rows.Scan(&ch.ID, &ch.TenantID, &typ, &ch.ChatwootInboxID, &ch.SessionName, &ch.ConfigEncrypted); err != nil {
			return nil, eris.Wrap(err, "tenants: scan channel")
		}
		ch.Type = entities.ChannelType(typ)
		channels = append(channels, ch)
	}
	return channels, eris.Wrap(rows.Err(), "tenants: iterate channels")
}

func scanTenant(row pgx.Row, op string) (*entities.Tenant, error) {
	var (
		t           entities.Tenant
		status      string
		hasSettings bool
		settings    entities.AiSettings
		rules       []byte
	)
	err := row.Scan(&t.ID, &t.Name, &status, &t.Plan,
		&hasSettings, &settings.Enabled, &settings.Model, &settings.SystemPrompt, &rules)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "tenants: %s", op)
	}
	t.Status = entities.TenantStatus(status)

	if hasSettings {
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &settings.HandoffRules); err != nil {
				return nil, eris.Wrapf(err, "tenants: decode handoff rules for %s", t.ID)
			}
		}
		t.AiSettings = &settings
	}
	return &t, nil
}
