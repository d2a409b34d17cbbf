package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

func fastCRMRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		ShouldRetry:    resilience.Always,
	}
}

func testLead() entities.CRMLead {
	return entities.CRMLead{
		TenantID:               "t1",
		Source:                 "whatsapp",
		Phone:                  "+5491122334455",
		Name:                   "Juan",
		ChatwootConversationID: 42,
		ChatwootInboxID:        7,
		LastMessage:            "hola",
	}
}

func TestCRMCreateLead(t *testing.T) {
	rec := newRecorder(t, map[string]response{
		"POST /api/leads": {status: http.StatusCreated, body: `{"data":{"id":"lead-9"}}`},
	})
	c := NewHTTPCRMClient(rec.URL()+"/", "crm-key", fastCRMRetry())

	id, err := c.CreateLead(context.Background(), testLead())
	require.NoError(t, err)
	assert.Equal(t, "lead-9", id)

	req := rec.last(t)
	assert.Equal(t, "Bearer crm-key", req.Header.Get("Authorization"))
	assert.Equal(t, "t1", req.Body["tenant_id"])
	assert.Equal(t, "+5491122334455", req.Body["phone"])
	assert.EqualValues(t, 42, req.Body["chatwoot_conversation_id"])
}

func TestCRMCreateLead_FlatID(t *testing.T) {
	rec := newRecorder(t, map[string]response{"POST /api/leads": {body: `{"id":"abc"}`}})
	id, err := NewHTTPCRMClient(rec.URL(), "k", fastCRMRetry()).CreateLead(context.Background(), testLead())
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestCRMCreateLead_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "lead-3"})
	}))
	defer srv.Close()

	id, err := NewHTTPCRMClient(srv.URL, "k", fastCRMRetry()).CreateLead(context.Background(), testLead())
	require.NoError(t, err)
	assert.Equal(t, "lead-3", id)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCRMCreateLead_GivesUp(t *testing.T) {
	rec := newRecorder(t, map[string]response{"POST /api/leads": {status: http.StatusInternalServerError, body: "boom"}})
	_, err := NewHTTPCRMClient(rec.URL(), "k", fastCRMRetry()).CreateLead(context.Background(), testLead())
	require.Error(t, err)
	assert.Len(t, rec.Requests(), 3)
}

func TestCRMCreateLead_MissingID(t *testing.T) {
	rec := newRecorder(t, map[string]response{"POST /api/leads": {body: `{"ok":true}`}})
	_, err := NewHTTPCRMClient(rec.URL(), "k", fastCRMRetry()).CreateLead(context.Background(), testLead())
	assert.Error(t, err)
}

func TestNotifyUsage(t *testing.T) {
	rec := newRecorder(t, nil)
	n := NewControlPlaneNotifier(rec.URL(), "internal")

	require.NoError(t, n.NotifyUsage(context.Background(), "t1", 80))
	req := rec.last(t)
	assert.Equal(t, "/api/notify-usage", req.Path)
	assert.Equal(t, "internal", req.Header.Get("x-internal-secret"))
	assert.Equal(t, map[string]any{"tenantId": "t1", "percent": float64(80)}, req.Body)
}

func TestNotifyUsage_ErrorStatus(t *testing.T) {
	rec := newRecorder(t, map[string]response{"POST /api/notify-usage": {status: http.StatusUnauthorized}})
	assert.Error(t, NewControlPlaneNotifier(rec.URL(), "bad").NotifyUsage(context.Background(), "t1", 100))
}
