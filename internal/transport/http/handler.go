package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/cardforge/giftcard-ledger/internal/ledger"
	"github.com/cardforge/giftcard-ledger/internal/webhook"
)

// RegisterHandlers wires the routes. The rate limiter covers the client
// surface only; the webhook endpoint answers 200 or 401, nothing else, so
// throttling there would make the processor escalate retries.
func RegisterHandlers(r *gin.Engine, svc *ledger.Service, proc *webhook.Processor, rateLimit gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.POST("/webhooks/processor", webhookHandler(proc))

	v1.Use(rateLimit)
	{
		v1.POST("/cards", issueHandler(svc))
		v1.POST("/cards/:card/redeem", redeemHandler(svc))
		v1.POST("/cards/:card/recharge", rechargeHandler(svc))
		v1.POST("/cards/:card/deactivate", deactivateHandler(svc))
		v1.POST("/cards/:card/release_hold", releaseHoldHandler(svc))
		v1.GET("/cards/:card/balance", balanceHandler(svc))
		v1.GET("/cards/:card/history", historyHandler(svc))
		v1.GET("/alerts", alertsHandler(svc))
		v1.POST("/alerts/:id/resolve", resolveAlertHandler(svc))
	}
}

// writeError maps ledger error kinds to status codes. Integrity failures
// are reported generically; the detail lives in logs and the alert.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
	case errors.Is(err, ledger.ErrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "card inactive"})
	case errors.Is(err, ledger.ErrIntegrity):
		c.JSON(http.StatusConflict, gin.H{"error": "card under integrity hold"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient balance"})
	case errors.Is(err, ledger.ErrContention), errors.Is(err, ledger.ErrCodeCollision):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type issueReq struct {
	InitialAmount string            `json:"initial_amount" binding:"required"`
	Actor         string            `json:"actor" binding:"required"`
	Metadata      map[string]string `json:"metadata"`
}

func issueHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.InitialAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		card, err := svc.Issue(c, amt, req.Actor, req.Metadata)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":      card.ID,
			"code":    card.Code,
			"balance": card.CurrentBalance.StringFixed(2),
		})
	}
}

type redeemReq struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Actor          string `json:"actor" binding:"required"`
}

func redeemHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req redeemReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		res, err := svc.Redeem(c, c.Param("card"), amt, req.IdempotencyKey, req.Actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":        res.NewBalance.StringFixed(2),
			"transaction_id": res.TransactionID,
		})
	}
}

type rechargeReq struct {
	Amount            string `json:"amount" binding:"required"`
	ExternalReference string `json:"external_reference" binding:"required"`
	IdempotencyKey    string `json:"idempotency_key" binding:"required"`
	Actor             string `json:"actor" binding:"required"`
}

func rechargeHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rechargeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		res, err := svc.Recharge(c, c.Param("card"), amt, req.ExternalReference, req.IdempotencyKey, req.Actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":        res.NewBalance.StringFixed(2),
			"transaction_id": res.TransactionID,
		})
	}
}

type deactivateReq struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func deactivateHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deactivateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cardID, err := strconv.ParseUint(c.Param("card"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}
		card, err := svc.Deactivate(c, cardID, req.Reason, req.Actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        card.ID,
			"is_active": card.IsActive,
			"balance":   card.CurrentBalance.StringFixed(2),
		})
	}
}

type releaseHoldReq struct {
	Actor string `json:"actor" binding:"required"`
}

func releaseHoldHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req releaseHoldReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cardID, err := strconv.ParseUint(c.Param("card"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}
		if err := svc.ReleaseIntegrityHold(c, cardID, req.Actor); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"released": true})
	}
}

func balanceHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, active, err := svc.GetBalance(c, c.Param("card"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":   bal.StringFixed(2),
			"is_active": active,
		})
	}
}

func historyHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cardID, err := strconv.ParseUint(c.Param("card"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}
		txs, err := svc.History(c, cardID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func alertsHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		alerts, err := svc.OpenAlerts(c, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, alerts)
	}
}

type resolveReq struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
}

func resolveAlertHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		alertID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}
		if err := svc.ResolveAlert(c, alertID, req.ResolvedBy); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"resolved": true})
	}
}

// webhookHandler acknowledges with 200 once the event is verified and
// durably queued; 401 on signature failure. No other status codes.
func webhookHandler(proc *webhook.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unreadable body"})
			return
		}
		sig := c.GetHeader(webhook.SignatureHeader)
		if err := proc.Receive(c, body, sig); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
