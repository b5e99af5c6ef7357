package server

import (
	"net/http"
	"strings"

	"github.com/campuspay/fulfillment/internal/gateway"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/gin-gonic/gin"
)

type createTransactionRequest struct {
	UID    string `json:"uid"`
	PlanID string `json:"plan_id"`
	Phone  string `json:"phone"`
	Kind   string `json:"kind"`
	Code   string `json:"code"`
}

// CreateTransaction initiates a purchase. Automated purchases fire an STK
// push first so the gateway's checkout reference becomes the transaction
// ID; manual entries record the customer-supplied confirmation code.
func (s *Server) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	kind := txdomain.Kind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = txdomain.KindAutomated
	}

	p, ok := s.catalog.Lookup(req.PlanID)
	if !ok {
		AbortWithError(c, txdomain.ErrUnknownPlan)
		return
	}

	in := txdomain.CreateInput{
		Kind:   kind,
		UID:    strings.TrimSpace(req.UID),
		PlanID: p.ID,
		Amount: p.Price,
		Phone:  strings.TrimSpace(req.Phone),
		Code:   strings.TrimSpace(req.Code),
	}

	if kind == txdomain.KindAutomated {
		push, err := s.gateway.Initiate(c.Request.Context(), gateway.InitiateInput{
			Phone:       in.Phone,
			Amount:      in.Amount,
			Reference:   in.UID,
			Description: "CampusPay " + p.ID,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		in.ProviderRef = push.ProviderRef
	}

	txn, err := s.txSvc.Create(c.Request.Context(), in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func (s *Server) GetTransaction(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.txSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}
