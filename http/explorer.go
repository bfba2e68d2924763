package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
)

func (s *Server) handleExplorerLogs(c *gin.Context) {
	limit, err := explorer.ParseLimit(c.Query("limit"), explorer.DefaultQueryLimit, explorer.MaxQueryLimit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	entries, err := s.svc.Explorer().Query(c.Request.Context(), explorer.Filter{
		EventType:     explorer.EventType(c.Query("eventType")),
		FacilitatorID: c.Query("facilitatorId"),
		Status:        c.Query("status"),
		Limit:         limit,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

func (s *Server) handleExplorerRecent(c *gin.Context) {
	limit, err := explorer.ParseLimit(c.Query("limit"), explorer.DefaultRecentLimit, explorer.MaxRecentLimit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	entries, err := s.svc.Explorer().Recent(c.Request.Context(), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

func (s *Server) handleFacilitatorHistory(c *gin.Context) {
	limit, err := explorer.ParseLimit(c.Query("limit"), explorer.DefaultQueryLimit, explorer.MaxQueryLimit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	entries, err := s.svc.Explorer().HistoryFor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

func (s *Server) handleTransaction(c *gin.Context) {
	entry, err := s.svc.Explorer().GetByTxHash(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if entry == nil {
		s.abortWithError(c, x402.NewNotFoundError("transaction_not_found", "Transaction not found"))
		return
	}
	c.JSON(http.StatusOK, entry)
}
