package http

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

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/internal/retry"
)

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func testVerifyRequest() x402.VerifyRequest {
	return x402.VerifyRequest{
		FacilitatorID: "f-1",
		PaymentPayload: x402.PaymentPayload{
			X402Version: 2,
			Payload:     map[string]interface{}{"signature": "0xabc"},
		},
		PaymentRequirements: &x402.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:43113",
			Asset:   "0x5425890298aed601595a70AB815c96711a31Bc65",
			Amount:  "1000000",
			PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		},
	}
}

func TestNewHTTPFacilitatorClient(t *testing.T) {
	client := NewHTTPFacilitatorClient(nil)
	assert.Equal(t, DefaultFacilitatorURL, client.url)
	assert.Equal(t, DefaultFacilitatorURL, client.Identifier())

	client = NewHTTPFacilitatorClient(&FacilitatorConfig{URL: "https://custom.facilitator.com/", Identifier: "custom"})
	assert.Equal(t, "https://custom.facilitator.com", client.url)
	assert.Equal(t, "custom", client.Identifier())
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req x402.VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "f-1", req.FacilitatorID)
		assert.Equal(t, 2, req.PaymentPayload.X402Version)
		require.NotNil(t, req.PaymentRequirements)
		assert.Equal(t, "1000000", req.PaymentRequirements.Amount)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0xverifiedpayer"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Verify(context.Background(), testVerifyRequest())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xverifiedpayer", resp.Payer)
}

func TestHTTPFacilitatorClientGetSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/supported", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(x402.SupportedResponse{
			Kinds: []x402.SupportedKind{
				{X402Version: 2, Scheme: "exact", Network: "eip155:43113"},
				{X402Version: 2, Scheme: "exact", Network: "eip155:43114"},
			},
			Extensions: []string{},
		})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.GetSupported(context.Background())
	require.NoError(t, err)
	assert.Len(t, resp.Kinds, 2)
}

func TestHTTPFacilitatorClientWithAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
		case "/supported":
			json.NewEncoder(w).Encode(x402.SupportedResponse{})
		}
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: NewStaticAuthProvider("test-key"),
	})
	_, err := client.Verify(context.Background(), testVerifyRequest())
	require.NoError(t, err)
	_, err = client.GetSupported(context.Background())
	require.NoError(t, err)
}

func TestHTTPFacilitatorClientRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "eip155:43113"}}})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, RetryPolicy: fastRetry(3)})
	resp, err := client.GetSupported(context.Background())
	require.NoError(t, err)
	assert.Len(t, resp.Kinds, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFacilitatorClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(x402.Invalid("invalid_payload", ""))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, RetryPolicy: fastRetry(3)})
	_, err := client.Verify(context.Background(), testVerifyRequest())
	require.Error(t, err)
	assert.True(t, x402.IsKind(err, x402.KindUpstreamUnavailable))
	assert.Equal(t, "invalid_payload", x402.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFacilitatorClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: url, RetryPolicy: fastRetry(2)})
	_, err := client.Verify(context.Background(), testVerifyRequest())
	require.Error(t, err)
	assert.True(t, x402.IsKind(err, x402.KindUpstreamUnavailable))
	assert.Equal(t, x402.ReasonUpstreamUnavailable, x402.CodeOf(err))
}
