package mcp

import (
	"encoding/json"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// decodeArgs unmarshals tool arguments. Absent arguments leave out untouched.
func decodeArgs(req *mcpsdk.CallToolRequest, out interface{}) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, out); err != nil {
		return x402.NewValidationError("invalid_arguments", "tool arguments are not valid: "+err.Error())
	}
	return nil
}

// jsonResult wraps v as a single JSON text item.
func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

// errorResult reports a failed call in-band with IsError set.
func errorResult(err error) *mcpsdk.CallToolResult {
	body := map[string]string{"error": err.Error()}
	var e *x402.Error
	if errors.As(err, &e) {
		body["error"] = e.Message
		if e.Code != "" {
			body["code"] = e.Code
		}
	}
	if k := x402.KindOf(err); k == x402.KindCrypto || k == x402.KindInternal {
		body = map[string]string{"error": "internal error"}
	}
	raw, _ := json.Marshal(body)
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}
}
