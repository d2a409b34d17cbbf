package infrastructure

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ControlPlaneNotifier tells the control plane a tenant crossed a quota
// threshold so it can email the owner.
type ControlPlaneNotifier struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewControlPlaneNotifier creates the notifier.
func NewControlPlaneNotifier(baseURL, secret string, opts ...HTTPOption) *ControlPlaneNotifier {
	return &ControlPlaneNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    buildHTTPClient(10*time.Second, opts),
	}
}

func (n *ControlPlaneNotifier) NotifyUsage(ctx context.Context, tenantID string, percent int) error {
	body := map[string]any{"tenantId": tenantID, "percent": percent}
	headers := map[string]string{"x-internal-secret": n.secret}
	return doJSON(ctx, n.http, "control-plane", http.MethodPost, n.baseURL+"/api/notify-usage", headers, body, nil)
}
