package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
)

// Explorer is the read side of the event log.
type Explorer interface {
	Query(ctx context.Context, f explorer.Filter) ([]explorer.Entry, error)
	GetByTxHash(ctx context.Context, txHash string) (*explorer.Entry, error)
	Recent(ctx context.Context, limit int) ([]explorer.Entry, error)
	HistoryFor(ctx context.Context, facilitatorID string, limit int) ([]explorer.Entry, error)
}

// Facilitators resolves registry records.
type Facilitators interface {
	Get(ctx context.Context, id string) (*registry.Facilitator, error)
}

// Server serves the explorer tools over MCP.
type Server struct {
	explorer     Explorer
	facilitators Facilitators
	logger       *zap.Logger
	version      string
	mcp          *mcpsdk.Server
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the implementation version announced to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(log Explorer, facilitators Facilitators, opts ...Option) *Server {
	s := &Server{
		explorer:     log,
		facilitators: facilitators,
		logger:       zap.NewNop(),
		version:      "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "x402-facilitator-explorer",
		Version: s.version,
	}, nil)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolExplorerRecent,
		Description: "Latest explorer entries across all facilitators, newest first.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit": limitProperty(explorer.MaxRecentLimit),
			},
		},
	}, s.traced(ToolExplorerRecent, s.recent))

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolExplorerLogs,
		Description: "Explorer entries filtered by event type, facilitator and status, newest first.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"eventType":     stringProperty("e.g. task.received, task.completed, facilitator.created"),
				"facilitatorId": stringProperty("facilitator id"),
				"status":        stringProperty("entry status, e.g. valid, invalid, success, failed"),
				"limit":         limitProperty(explorer.MaxQueryLimit),
			},
		},
	}, s.traced(ToolExplorerLogs, s.logs))

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolExplorerTransaction,
		Description: "Newest explorer entry for a settlement transaction hash.",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"txHash"},
			"properties": map[string]interface{}{
				"txHash": stringProperty("0x-prefixed 32-byte transaction hash"),
			},
		},
	}, s.traced(ToolExplorerTransaction, s.transaction))

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolFacilitatorHistory,
		Description: "Explorer entries of one facilitator, newest first.",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"facilitatorId"},
			"properties": map[string]interface{}{
				"facilitatorId": stringProperty("facilitator id"),
				"limit":         limitProperty(explorer.MaxQueryLimit),
			},
		},
	}, s.traced(ToolFacilitatorHistory, s.history))

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolFacilitatorGet,
		Description: "Public record of a registered facilitator.",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"facilitatorId"},
			"properties": map[string]interface{}{
				"facilitatorId": stringProperty("facilitator id"),
			},
		},
	}, s.traced(ToolFacilitatorGet, s.facilitator))

	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server {
	return s.mcp
}

// Handler serves the SSE transport. Sessions post their messages back to
// the same path.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcp
	}, nil)
}

type toolFunc func(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error)

// traced adapts a tool body to the SDK handler signature and logs failures.
func (s *Server) traced(name string, fn toolFunc) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		out, err := fn(ctx, req)
		if err != nil {
			s.logger.Info("mcp tool failed", zap.String("tool", name), zap.Error(err))
			return errorResult(err), nil
		}
		return jsonResult(out)
	}
}

func (s *Server) recent(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error) {
	var args recentArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	entries, err := s.explorer.Recent(ctx, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"logs": entries, "count": len(entries)}, nil
}

func (s *Server) logs(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error) {
	var args logsArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	entries, err := s.explorer.Query(ctx, explorer.Filter{
		EventType:     explorer.EventType(args.EventType),
		FacilitatorID: args.FacilitatorID,
		Status:        args.Status,
		Limit:         args.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"logs": entries, "count": len(entries)}, nil
}

func (s *Server) transaction(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error) {
	var args transactionArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	entry, err := s.explorer.GetByTxHash(ctx, args.TxHash)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, x402.NewNotFoundError("transaction_not_found", "Transaction not found")
	}
	return entry, nil
}

func (s *Server) history(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error) {
	var args historyArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	entries, err := s.explorer.HistoryFor(ctx, args.FacilitatorID, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"logs": entries, "count": len(entries)}, nil
}

func (s *Server) facilitator(ctx context.Context, req *mcpsdk.CallToolRequest) (interface{}, error) {
	var args facilitatorArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	f, err := s.facilitators.Get(ctx, args.FacilitatorID)
	if err != nil {
		return nil, err
	}
	return f.Public(), nil
}
