package infrastructure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

func TestSalesforceCreateLead(t *testing.T) {
	var got map[string]any
	s := &SalesforceCRM{
		leadSource: "WhatsApp",
		insert: func(record map[string]any) (string, error) {
			got = record
			return "00Q000000000001", nil
		},
	}

	id, err := s.CreateLead(context.Background(), testLead())
	require.NoError(t, err)
	assert.Equal(t, "00Q000000000001", id)
	assert.Equal(t, map[string]any{
		"LastName":    "Juan",
		"Company":     "t1",
		"LeadSource":  "WhatsApp",
		"Phone":       "+5491122334455",
		"Description": "hola",
	}, got)
}

func TestSalesforceCreateLead_InsertError(t *testing.T) {
	s := &SalesforceCRM{insert: func(map[string]any) (string, error) {
		return "", errors.New("REQUIRED_FIELD_MISSING")
	}}
	_, err := s.CreateLead(context.Background(), testLead())
	assert.Error(t, err)
}

func TestSalesforceCreateLead_CanceledContext(t *testing.T) {
	called := false
	s := &SalesforceCRM{insert: func(map[string]any) (string, error) {
		called = true
		return "x", nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreateLead(ctx, testLead())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestLeadRecord_Fallbacks(t *testing.T) {
	rec := leadRecord(entities.CRMLead{TenantID: "t1", Source: "waha", Phone: "+549"}, "")
	assert.Equal(t, "+549", rec["LastName"])
	assert.Equal(t, "waha", rec["LeadSource"])
	assert.NotContains(t, rec, "Description")

	rec = leadRecord(entities.CRMLead{TenantID: "t1"}, "Web")
	assert.Equal(t, "WhatsApp", rec["LastName"])
	assert.NotContains(t, rec, "Phone")
}
