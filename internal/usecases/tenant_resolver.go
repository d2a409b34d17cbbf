package usecases

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/repository"
)

// ErrTenantNotFound means no active tenant owns the routing key.
var ErrTenantNotFound = eris.New("tenant not found")

type TenantStore interface {
	FindByInbox(ctx context.Context, inboxID int64) (*entities.Tenant, error)
	FindByAccount(ctx context.Context, accountID int64) (*entities.Tenant, error)
	FindBySession(ctx context.Context, channelType entities.ChannelType, session string) (*entities.Tenant, error)
}

type TenantResolver struct {
	store TenantStore
}

func NewTenantResolver(store TenantStore) *TenantResolver {
	return &TenantResolver{store: store}
}

var sessionChannels = map[entities.Provider]entities.ChannelType{
	entities.ProviderWAHA:     entities.ChannelWAHASession,
	entities.ProviderWhatsApp: entities.ChannelNativeWhatsApp,
	entities.ProviderTelegram: entities.ChannelTelegram,
}

// Resolve maps a routing key to its tenant. Chatwoot keys try the inbox
// registration first and fall back to the account's primary tenant.
// Tenants that are not active resolve to ErrTenantNotFound.
func (r *TenantResolver) Resolve(ctx context.Context, key entities.RoutingKey) (*entities.Tenant, error) {
	tenant, err := r.lookup(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, eris.Wrap(err, "resolve tenant")
	}
	if !tenant.Active() {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

func (r *TenantResolver) lookup(ctx context.Context, key entities.RoutingKey) (*entities.Tenant, error) {
	if key.Provider == entities.ProviderChatwoot {
		if key.InboxID > 0 {
			tenant, err := r.store.FindByInbox(ctx, key.InboxID)
			if err == nil || !errors.Is(err, repository.ErrNotFound) {
				return tenant, err
			}
		}
		if key.AccountID > 0 {
			return r.store.FindByAccount(ctx, key.AccountID)
		}
		return nil, repository.ErrNotFound
	}

	channelType, ok := sessionChannels[key.Provider]
	if !ok || key.Session == "" {
		return nil, repository.ErrNotFound
	}
	return r.store.FindBySession(ctx, channelType, key.Session)
}
