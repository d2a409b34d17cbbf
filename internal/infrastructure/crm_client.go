package infrastructure

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// HTTPCRMClient creates leads through the CRM's REST API.
type HTTPCRMClient struct {
	baseURL string
	apiKey  string
	retry   resilience.RetryConfig
	http    *http.Client
}

// NewHTTPCRMClient creates a CRM client; failed calls are retried per retry.
func NewHTTPCRMClient(baseURL, apiKey string, retry resilience.RetryConfig, opts ...HTTPOption) *HTTPCRMClient {
	return &HTTPCRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		retry:   retry,
		http:    buildHTTPClient(15*time.Second, opts),
	}
}

// CreateLead posts the lead and returns the CRM id. The CRM answers either
// {"id": ...} or {"data": {"id": ...}}.
func (c *HTTPCRMClient) CreateLead(ctx context.Context, lead entities.CRMLead) (string, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("crm", "create_lead", zap.String("tenant_id", lead.TenantID))

	id, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		var resp struct {
			ID   string `json:"id"`
			Data *struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
		if err := doJSON(ctx, c.http, "crm", http.MethodPost, c.baseURL+"/api/leads", headers, lead, &resp); err != nil {
			return "", err
		}
		if resp.ID != "" {
			return resp.ID, nil
		}
		if resp.Data != nil && resp.Data.ID != "" {
			return resp.Data.ID, nil
		}
		return "", eris.New("crm: response without lead id")
	})
	if err != nil {
		return "", err
	}
	zap.L().Info("lead synced to crm", zap.String("tenant_id", lead.TenantID), zap.String("lead_id", id))
	return id, nil
}
