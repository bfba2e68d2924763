package http

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

const requirementSchema = `{
	"type": "object",
	"required": ["scheme", "network", "payTo"],
	"properties": {
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"asset": {"type": "string"},
		"amount": {"type": "string", "pattern": "^[0-9]+$"},
		"maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
		"payTo": {"type": "string", "minLength": 1},
		"maxTimeoutSeconds": {"type": "integer", "minimum": 0},
		"extra": {"type": "object"}
	}
}`

const paymentSchema = `{
	"type": "object",
	"required": ["paymentPayload"],
	"properties": {
		"facilitatorId": {"type": "string"},
		"paymentPayload": {
			"type": "object",
			"required": ["x402Version", "payload"],
			"properties": {
				"x402Version": {"type": "integer", "minimum": 1, "maximum": 2},
				"scheme": {"type": "string"},
				"network": {"type": "string"},
				"accepted": {"type": "object"},
				"payload": {
					"type": "object",
					"required": ["signature", "authorization"],
					"properties": {
						"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
						"authorization": {
							"type": "object",
							"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
							"properties": {
								"from": {"type": "string"},
								"to": {"type": "string"},
								"value": {"type": ["string", "integer"], "pattern": "^[0-9]+$"},
								"validAfter": {"type": ["string", "integer"], "pattern": "^[0-9]+$"},
								"validBefore": {"type": ["string", "integer"], "pattern": "^[0-9]+$"},
								"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
							}
						}
					}
				}
			}
		},
		"paymentRequirements": ` + requirementSchema + `,
		"accepts": {"type": "array", "items": ` + requirementSchema + `}
	},
	"anyOf": [
		{"required": ["paymentRequirements"]},
		{"required": ["accepts"]}
	]
}`

const createFacilitatorSchema = `{
	"type": "object",
	"required": ["name", "ownerAddress", "paymentRecipient"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 100},
		"ownerAddress": {"type": "string"},
		"paymentRecipient": {"type": "string"},
		"registrationTxHash": {"type": "string"}
	}
}`

const updateStatusSchema = `{
	"type": "object",
	"required": ["id", "status"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["active", "needs_funding", "inactive"]}
	}
}`

const encryptSystemSchema = `{
	"type": "object",
	"required": ["privateKey"],
	"properties": {
		"privateKey": {"type": "string", "minLength": 1}
	}
}`

const confirmSchema = `{
	"type": "object",
	"required": ["txHash", "success"],
	"properties": {
		"txHash": {"type": "string"},
		"success": {"type": "boolean"},
		"blockNumber": {"type": "integer", "minimum": 0},
		"reason": {"type": "string"}
	}
}`

// bodySchema is a compiled JSON schema for one request body.
type bodySchema struct {
	name   string
	schema *gojsonschema.Schema
}

func mustSchema(name, src string) bodySchema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("%s schema: %v", name, err))
	}
	return bodySchema{name: name, schema: s}
}

var (
	paymentBody       = mustSchema("payment", paymentSchema)
	createBody        = mustSchema("create facilitator", createFacilitatorSchema)
	updateStatusBody  = mustSchema("update status", updateStatusSchema)
	encryptSystemBody = mustSchema("encrypt system", encryptSystemSchema)
	confirmBody       = mustSchema("confirm", confirmSchema)
)

// decode validates raw against the schema and unmarshals it into out.
// Every violation is reported in one validation error.
func (b bodySchema) decode(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return x402.NewValidationError("invalid_body", "request body is required")
	}
	result, err := b.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return x402.NewValidationError("invalid_body", "request body is not valid JSON")
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return x402.NewValidationError("invalid_body", strings.Join(problems, "; "))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return x402.NewValidationError("invalid_body", err.Error())
	}
	return nil
}
