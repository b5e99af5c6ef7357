package server

import (
	"net/http"
	"strings"

	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetCredits(c *gin.Context) {
	uid := strings.TrimSpace(c.Param("uid"))

	balance, err := s.creditSvc.Balance(c.Request.Context(), uid)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

// ConsumeCredit spends one credit, or passes through for an active
// unlimited window.
func (s *Server) ConsumeCredit(c *gin.Context) {
	uid := strings.TrimSpace(c.Param("uid"))

	remaining, err := s.creditSvc.ConsumeOne(c.Request.Context(), uid)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	unlimited := remaining == creditdomain.CreditsUnlimited
	s.obsMetrics.RecordCreditConsumed(c.Request.Context(), unlimited)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"remaining": remaining,
		"unlimited": unlimited,
	}})
}

type adminSetCreditsRequest struct {
	Credits   int64 `json:"credits"`
	Unlimited bool  `json:"unlimited"`
}

// AdminSetCredits overwrites an account balance with an absolute value.
func (s *Server) AdminSetCredits(c *gin.Context) {
	uid := strings.TrimSpace(c.Param("uid"))

	var req adminSetCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.creditSvc.AdminSetAbsolute(c.Request.Context(), uid, req.Credits, req.Unlimited); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.Balance(c.Request.Context(), uid)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}
