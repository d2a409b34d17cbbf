package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// maxResponseBytes bounds provider responses, media included.
const maxResponseBytes = 32 << 20

// HTTPOption configures the HTTP-based provider clients.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	client *http.Client
}

// WithHTTPClient replaces the default HTTP client (tests, proxies).
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(o *httpOptions) {
		o.client = hc
	}
}

func buildHTTPClient(timeout time.Duration, opts []HTTPOption) *http.Client {
	o := httpOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client != nil {
		return o.client
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// doJSON sends body as JSON (when non-nil) and decodes a 2xx response into
// out (when non-nil). Non-2xx responses become resilience.StatusError.
func doJSON(ctx context.Context, hc *http.Client, service, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "%s: encode request", service)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return eris.Wrapf(err, "%s: build request", service)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s: %s request", service, method)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return eris.Wrapf(err, "%s: read response", service)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.StatusError(service, resp.StatusCode, string(data))
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return eris.Wrapf(err, "%s: decode response", service)
		}
	}
	return nil
}

// download fetches a binary resource and its content type.
func download(ctx context.Context, hc *http.Client, service, url string, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", eris.Wrapf(err, "%s: build media request", service)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", eris.Wrapf(err, "%s: download media", service)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", eris.Wrapf(err, "%s: read media", service)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", resilience.StatusError(service, resp.StatusCode, string(data))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}
