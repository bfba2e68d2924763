package node

import (
	"context"

	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
)

// Verify checks a payment locally, or upstream in proxy mode. Either way one
// task.received entry records the outcome.
func (n *Node) Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error) {
	if n.upstream == nil {
		return n.facilitator.Verify(ctx, req)
	}

	resp, err := n.upstream.Verify(ctx, req)
	if err != nil {
		if x402.KindOf(err) == x402.KindInternal {
			err = x402.NewUpstreamUnavailable("upstream facilitator verify failed", err)
		}
		n.appendReceived(ctx, req.FacilitatorID, x402.Invalid(x402.CodeOf(err), ""), map[string]interface{}{
			"upstream": true,
		})
		return x402.VerifyResponse{}, err
	}
	n.appendReceived(ctx, req.FacilitatorID, *resp, map[string]interface{}{
		"upstream": true,
	})
	return *resp, nil
}

// Supported lists the payment kinds this node, or its upstream, accepts.
func (n *Node) Supported(ctx context.Context) (x402.SupportedResponse, error) {
	if n.upstream == nil {
		return n.facilitator.GetSupported(), nil
	}
	resp, err := n.upstream.GetSupported(ctx)
	if err != nil {
		if x402.KindOf(err) == x402.KindInternal {
			err = x402.NewUpstreamUnavailable("upstream facilitator supported failed", err)
		}
		return x402.SupportedResponse{}, err
	}
	return resp, nil
}

// Settle re-verifies and broadcasts a payment. Settlement always runs on
// this node, also in proxy mode.
func (n *Node) Settle(ctx context.Context, req x402.VerifyRequest) (*x402.SettlementRecord, error) {
	return n.facilitator.Settle(ctx, req)
}

func (n *Node) recordVerification(c x402.FacilitatorVerifyResultContext) error {
	n.appendReceived(c.Ctx, c.FacilitatorID, c.Result, map[string]interface{}{
		"network": string(c.Authorization.Network),
		"asset":   c.Authorization.Asset,
		"amount":  c.Authorization.Value,
		"nonce":   c.Authorization.Nonce,
		"stage":   c.Stage.String(),
	})
	return nil
}

func (n *Node) recordVerificationFailure(c x402.FacilitatorVerifyFailureContext) {
	reason := x402.CodeOf(c.Error)
	if reason == "" {
		reason = x402.KindOf(c.Error).String()
	}
	n.appendReceived(c.Ctx, c.FacilitatorID, x402.Invalid(reason, c.Authorization.From), map[string]interface{}{
		"network": string(c.Authorization.Network),
		"asset":   c.Authorization.Asset,
		"amount":  c.Authorization.Value,
	})
}

func (n *Node) appendReceived(ctx context.Context, facilitatorID string, result x402.VerifyResponse, payload map[string]interface{}) {
	status := explorer.StatusInvalid
	if result.IsValid {
		status = explorer.StatusValid
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["isValid"] = result.IsValid
	if result.Payer != "" {
		payload["payer"] = result.Payer
	}
	if result.InvalidReason != "" {
		payload["invalidReason"] = result.InvalidReason
	}
	_, err := n.explorer.Append(context.WithoutCancel(ctx), explorer.Entry{
		EventType:     explorer.EventTaskReceived,
		FacilitatorID: facilitatorID,
		Status:        status,
		Payload:       payload,
	})
	if err != nil {
		n.logger.Warn("task.received not recorded", zap.String("facilitatorId", facilitatorID), zap.Error(err))
	}
}
