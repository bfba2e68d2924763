package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/node"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
)

func (s *Server) handleCreateFacilitator(c *gin.Context) {
	var req node.RegisterRequest
	if !s.bind(c, createBody, &req) {
		return
	}
	f, err := s.svc.RegisterFacilitator(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f.Public())
}

func (s *Server) handleListFacilitators(c *gin.Context) {
	fs, err := s.svc.Registry().List(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facilitators": registry.PublicList(fs)})
}

func (s *Server) handleActiveFacilitators(c *gin.Context) {
	fs, err := s.svc.Registry().ListActive(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facilitators": registry.PublicList(fs)})
}

func (s *Server) handleMyFacilitator(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		s.abortWithError(c, x402.NewValidationError("invalid_address", "address query parameter is required"))
		return
	}
	f, err := s.svc.Registry().GetByOwner(c.Request.Context(), address)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if f == nil {
		s.abortWithError(c, x402.NewNotFoundError("facilitator_not_found", "no facilitator registered for this address"))
		return
	}
	c.JSON(http.StatusOK, f.Public())
}

func (s *Server) handleSearchFacilitators(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		s.abortWithError(c, x402.NewValidationError("invalid_name", "name query parameter is required"))
		return
	}
	fs, err := s.svc.Registry().Search(c.Request.Context(), name)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facilitators": registry.PublicList(fs)})
}

func (s *Server) handleGetFacilitator(c *gin.Context) {
	f, err := s.svc.Registry().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, f.Public())
}

type updateStatusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if !s.bind(c, updateStatusBody, &req) {
		return
	}
	f, err := s.svc.Registry().UpdateStatus(c.Request.Context(), req.ID, req.Status)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, f.Public())
}

type encryptSystemRequest struct {
	PrivateKey string `json:"privateKey"`
}

// handleEncryptSystem seals an operator key. The key itself never reaches a log line.
func (s *Server) handleEncryptSystem(c *gin.Context) {
	var req encryptSystemRequest
	if !s.bind(c, encryptSystemBody, &req) {
		return
	}
	sealed, err := s.svc.EncryptSystemKey(req.PrivateKey)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"encrypted": sealed})
}
