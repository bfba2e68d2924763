// Package http serves the facilitator node over JSON/HTTP with gin and
// provides the client used to forward requests to another facilitator.
package http

import (
	"context"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/node"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
	"github.com/XavierOP877/x402-avalanche--sub001/settlement"
)

// Service is the node surface the handlers need. *node.Node implements it.
type Service interface {
	Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error)
	Supported(ctx context.Context) (x402.SupportedResponse, error)
	Settle(ctx context.Context, req x402.VerifyRequest) (*x402.SettlementRecord, error)

	RegisterFacilitator(ctx context.Context, req node.RegisterRequest) (*registry.Facilitator, error)
	EncryptSystemKey(privateKey string) (string, error)

	Registry() *registry.Registry
	Explorer() *explorer.Log
	Submitter() *settlement.Submitter

	Ping(ctx context.Context) error
	Networks() []string
	Proxied() bool
}

var _ Service = (*node.Node)(nil)
