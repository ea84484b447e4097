package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/http/response"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type TokenHandler struct {
	ledger services.LedgerService
}

func NewTokenHandler(ledger services.LedgerService) *TokenHandler {
	return &TokenHandler{ledger: ledger}
}

type topUpRequest struct {
	TopUpUserEmail string  `json:"topUpUserEmail" binding:"required,email"`
	TopUpAmount    float64 `json:"topUpAmount" binding:"required,gte=1,lte=20000"`
}

// GET /api/token/balance
func (h *TokenHandler) Balance(c *gin.Context) {
	rd, ok := caller(c)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), rd.Email)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"balance": balance})
}

// PATCH /api/token/balance (admin)
func (h *TokenHandler) TopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	acct, err := h.ledger.TopUp(c.Request.Context(), req.TopUpUserEmail, tokens.FromFloat(req.TopUpAmount))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"email": acct.Email, "balance": acct.Balance})
}

// GET /api/token/pricing
func (h *TokenHandler) Pricing(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Pricing())
}
