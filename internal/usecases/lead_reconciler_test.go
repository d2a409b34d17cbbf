package usecases

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/repository"
)

func leadInput() entities.LeadInput {
	return entities.LeadInput{
		TenantID:               "t1",
		ExternalConversationID: 42,
		ExternalContactID:      9,
		InboxID:                7,
		Phone:                  "+54 9 11 2233-4455",
		ContactName:            "Ana",
		LastMessage:            "quiero precios",
	}
}

func TestLeadReconciler_CreatesLinkAndLead(t *testing.T) {
	links := &memLinkStore{}
	crm := &fakeCRM{}
	r := NewLeadReconciler(links, crm)

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)

	assert.Equal(t, int64(42), link.ExternalConversationID)
	assert.Equal(t, "+5491122334455", *link.Phone)
	assert.Equal(t, "lead-1", *link.CRMLeadID)
	require.Len(t, crm.leads, 1)
	assert.Equal(t, entities.CRMLead{
		TenantID:               "t1",
		Source:                 "whatsapp",
		Phone:                  "+5491122334455",
		Name:                   "Ana",
		ChatwootConversationID: 42,
		ChatwootInboxID:        7,
		LastMessage:            "quiero precios",
	}, crm.leads[0])
}

func TestLeadReconciler_WithoutCRM(t *testing.T) {
	links := &memLinkStore{}
	r := NewLeadReconciler(links, nil)

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)
	assert.Nil(t, link.CRMLeadID)
	assert.Len(t, links.all(), 1)
}

func TestLeadReconciler_PatchesExistingLink(t *testing.T) {
	links := &memLinkStore{}
	links.add(entities.ConversationLink{
		TenantID:               "t1",
		ExternalConversationID: 42,
		ContactName:            strPtr("Ana María"),
		LastMessage:            strPtr("hola"),
		CRMLeadID:              strPtr("lead-old"),
	})
	crm := &fakeCRM{}
	r := NewLeadReconciler(links, crm)

	in := leadInput()
	in.LastMessage = strings.Repeat("x", 600)
	link, err := r.Reconcile(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "Ana María", *link.ContactName)
	assert.Equal(t, "+5491122334455", *link.Phone)
	assert.Equal(t, "lead-old", *link.CRMLeadID)
	assert.Len(t, []rune(*link.LastMessage), entities.MaxLastMessage)
	assert.Empty(t, crm.leads)
	assert.Len(t, links.all(), 1)
}

func TestLeadReconciler_HealsMissingLead(t *testing.T) {
	links := &memLinkStore{}
	links.add(entities.ConversationLink{TenantID: "t1", ExternalConversationID: 42})
	crm := &fakeCRM{}
	r := NewLeadReconciler(links, crm)

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)
	require.NotNil(t, link.CRMLeadID)
	assert.Equal(t, "lead-1", *link.CRMLeadID)
}

func TestLeadReconciler_MergesManualLeadByPhone(t *testing.T) {
	links := &memLinkStore{}
	manual := links.add(entities.ConversationLink{
		TenantID:               "t1",
		ExternalConversationID: 0,
		Phone:                  strPtr("5491122334455"),
		ContactName:            strPtr("Ana (feria)"),
		CRMLeadID:              strPtr("lead-manual"),
		Notes:                  strPtr("llamar el lunes"),
	})
	crm := &fakeCRM{}
	r := NewLeadReconciler(links, crm)

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)

	assert.Equal(t, manual.ID, link.ID)
	assert.Equal(t, int64(42), link.ExternalConversationID)
	assert.Equal(t, "lead-manual", *link.CRMLeadID)
	assert.Equal(t, "llamar el lunes", *link.Notes)
	assert.Equal(t, "Ana (feria)", *link.ContactName)
	assert.Equal(t, "quiero precios", *link.LastMessage)
	assert.Empty(t, crm.leads)
	assert.Len(t, links.all(), 1)
}

func TestLeadReconciler_SecondConversationSamePhoneGetsNoLead(t *testing.T) {
	links := &memLinkStore{}
	crm := &fakeCRM{}
	r := NewLeadReconciler(links, crm)

	_, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)

	in := leadInput()
	in.ExternalConversationID = 43
	in.Phone = "5491122334455"
	link, err := r.Reconcile(context.Background(), in)
	require.NoError(t, err)

	assert.Nil(t, link.CRMLeadID)
	assert.Len(t, crm.leads, 1)
	assert.Len(t, links.all(), 2)
}

// raceLinkStore reports no lead for the phone while another writer holds one.
type raceLinkStore struct {
	*memLinkStore
}

func (raceLinkStore) HasLeadForPhone(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestLeadReconciler_ConcurrentLeadFallsBackToPlainLink(t *testing.T) {
	mem := &memLinkStore{}
	mem.add(entities.ConversationLink{
		TenantID:               "t1",
		ExternalConversationID: 41,
		Phone:                  strPtr("+5491122334455"),
		CRMLeadID:              strPtr("lead-other"),
	})
	r := NewLeadReconciler(raceLinkStore{mem}, &fakeCRM{})

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)
	assert.Nil(t, link.CRMLeadID)
	assert.Equal(t, int64(42), link.ExternalConversationID)
}

func TestLeadReconciler_CRMFailureStillLinks(t *testing.T) {
	links := &memLinkStore{}
	r := NewLeadReconciler(links, &fakeCRM{err: errors.New("crm down")})

	link, err := r.Reconcile(context.Background(), leadInput())
	require.NoError(t, err)
	assert.Nil(t, link.CRMLeadID)
	assert.Len(t, links.all(), 1)
}

type failingLinkStore struct {
	*memLinkStore
}

func (failingLinkStore) FindByConversation(context.Context, string, int64) (*entities.ConversationLink, error) {
	return nil, errors.New("db down")
}

func TestLeadReconciler_LookupError(t *testing.T) {
	r := NewLeadReconciler(failingLinkStore{&memLinkStore{}}, &fakeCRM{})
	_, err := r.Reconcile(context.Background(), leadInput())
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrNotFound)
}
