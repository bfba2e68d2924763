package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient forwards verify and supported calls to a remote
// facilitator. It implements x402.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
	policy       retry.Policy
}

var _ x402.FacilitatorClient = (*HTTPFacilitatorClient)(nil)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Supported map[string]string
}

// staticAuthProvider sends the same bearer token to every endpoint.
type staticAuthProvider struct {
	apiKey string
}

// NewStaticAuthProvider authenticates with "Authorization: Bearer <apiKey>".
func NewStaticAuthProvider(apiKey string) AuthProvider {
	return &staticAuthProvider{apiKey: apiKey}
}

func (p *staticAuthProvider) GetAuthHeaders(context.Context) (AuthHeaders, error) {
	h := map[string]string{"Authorization": "Bearer " + p.apiKey}
	return AuthHeaders{Verify: h, Supported: h}, nil
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string

	// RetryPolicy bounds retries of transport failures, 429 and 5xx
	// answers (optional, defaults to retry.DefaultPolicy)
	RetryPolicy *retry.Policy
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	policy := retry.DefaultPolicy()
	if config.RetryPolicy != nil {
		policy = *config.RetryPolicy
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
		policy:       policy,
	}
}

// Identifier names the remote facilitator in logs.
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// Verify asks the remote facilitator to verify req. Any failure to obtain a
// 200 answer is an UpstreamUnavailable error whose code carries the remote
// invalidReason when one was sent.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, req x402.VerifyRequest) (*x402.VerifyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, x402.NewValidationError(x402.ReasonInvalidPayload, err.Error())
	}
	var headers map[string]string
	if c.authProvider != nil {
		auth, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, x402.NewConfigurationError("failed to get facilitator auth headers", err)
		}
		headers = auth.Verify
	}

	var resp x402.VerifyResponse
	if err := c.call(ctx, http.MethodPost, "/verify", body, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSupported gets supported payment kinds from the remote facilitator.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var headers map[string]string
	if c.authProvider != nil {
		auth, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return x402.SupportedResponse{}, x402.NewConfigurationError("failed to get facilitator auth headers", err)
		}
		headers = auth.Supported
	}

	var resp x402.SupportedResponse
	if err := c.call(ctx, http.MethodGet, "/supported", nil, headers, &resp); err != nil {
		return x402.SupportedResponse{}, err
	}
	return resp, nil
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

// statusError is a non-200 answer from the remote facilitator.
type statusError struct {
	status int
	reason string
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.status, e.body)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= http.StatusInternalServerError
}

// transportError is a failure to complete the round trip.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	var te *transportError
	return errors.As(err, &te)
}

// call performs one idempotent request with bounded retries and decodes a
// 200 answer into out.
func (c *HTTPFacilitatorClient) call(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) error {
	err := retry.Do(ctx, c.policy, retryable, func() error {
		return c.attempt(ctx, method, path, body, headers, out)
	})
	if err == nil {
		return nil
	}

	code := x402.ReasonUpstreamUnavailable
	var se *statusError
	if errors.As(err, &se) && se.reason != "" {
		code = se.reason
	}
	return &x402.Error{
		Kind:    x402.KindUpstreamUnavailable,
		Code:    code,
		Message: fmt.Sprintf("facilitator %s %s failed", c.identifier, path),
		Err:     err,
	}
}

func (c *HTTPFacilitatorClient) attempt(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: fmt.Errorf("%s request failed: %w", path, err)}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &transportError{err: fmt.Errorf("failed to read %s response: %w", path, err)}
	}

	if resp.StatusCode != http.StatusOK {
		se := &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(responseBody))}
		var verdict x402.VerifyResponse
		if json.Unmarshal(responseBody, &verdict) == nil {
			se.reason = verdict.InvalidReason
		}
		return se
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
