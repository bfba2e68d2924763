// Package mcp exposes the explorer log and the facilitator registry as
// read-only MCP (Model Context Protocol) tools.
//
// # Server Usage
//
//	srv := mcp.NewServer(node.Explorer(), node.Registry(), mcp.WithLogger(logger))
//	router.Any("/mcp/sse", gin.WrapH(srv.Handler()))
//
// # Tools
//
//	explorer_recent       latest entries across all facilitators  {limit?}
//	explorer_logs         filtered entries                         {eventType?, facilitatorId?, status?, limit?}
//	explorer_transaction  newest entry for a transaction hash      {txHash}
//	facilitator_history   entries of one facilitator               {facilitatorId, limit?}
//	facilitator_get       public facilitator record                {facilitatorId}
//
// Every tool answers with one JSON text content item. Invalid arguments and
// lookups that fail produce a result with IsError set rather than a protocol
// error.
package mcp
