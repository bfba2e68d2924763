package mcp

// Tool names.
const (
	ToolExplorerRecent      = "explorer_recent"
	ToolExplorerLogs        = "explorer_logs"
	ToolExplorerTransaction = "explorer_transaction"
	ToolFacilitatorHistory  = "facilitator_history"
	ToolFacilitatorGet      = "facilitator_get"
)

type recentArgs struct {
	Limit int `json:"limit,omitempty"`
}

type logsArgs struct {
	EventType     string `json:"eventType,omitempty"`
	FacilitatorID string `json:"facilitatorId,omitempty"`
	Status        string `json:"status,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type transactionArgs struct {
	TxHash string `json:"txHash"`
}

type historyArgs struct {
	FacilitatorID string `json:"facilitatorId"`
	Limit         int    `json:"limit,omitempty"`
}

type facilitatorArgs struct {
	FacilitatorID string `json:"facilitatorId"`
}

func limitProperty(max int) map[string]interface{} {
	return map[string]interface{}{
		"type":    "integer",
		"minimum": 1,
		"maximum": max,
	}
}

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
