package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSendTimeout = 30 * time.Second

// HTTPProvider delivers messages through a JSON-over-HTTP provider API
// (the common shape of transactional email services): one POST per
// message, bearer-key auth, a JSON body echoing the payload, and a JSON
// response carrying the provider's message id or error.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient sets a custom HTTP client (for proxies or tests).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.client.Timeout = d }
}

// NewHTTPProvider creates a provider posting to the given endpoint.
func NewHTTPProvider(endpoint, apiKey string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultSendTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// providerResponse is the wire shape of the provider's reply.
type providerResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Send implements Provider. Transport failures return an error; provider
// rejections return a Result with OK=false and the HTTP status for
// retryability classification.
func (p *HTTPProvider) Send(ctx context.Context, payload *Payload) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("send: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: post: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Cap the response read; provider diagnostics are small.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("send: read response: %w", err)
	}

	var pr providerResponse
	// A non-JSON body is still a usable diagnostic; keep it raw.
	if unmarshalErr := json.Unmarshal(raw, &pr); unmarshalErr != nil {
		pr.Message = string(raw)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{
			OK:         true,
			ProviderID: pr.ID,
			StatusCode: resp.StatusCode,
		}, nil
	}

	errMsg := pr.Error
	if errMsg == "" {
		errMsg = pr.Message
	}
	if errMsg == "" {
		errMsg = resp.Status
	}

	return &Result{
		OK:           false,
		StatusCode:   resp.StatusCode,
		ErrorMessage: errMsg,
	}, nil
}
