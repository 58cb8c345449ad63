package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimlive/payguard/internal/ledger"
	"github.com/glimlive/payguard/internal/review"
	"github.com/glimlive/payguard/internal/validation"
	"github.com/glimlive/payguard/internal/velocity"
	"github.com/glimlive/payguard/internal/webhook"
)

// Handler provides HTTP endpoints for the payments pipeline
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new payments handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up user-facing payment routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/recharges", h.InitiateRecharge)
	r.POST("/recharges/:id/cancel", h.CancelRecharge)
	r.POST("/withdrawals", h.Withdraw)
	r.POST("/wallet/debit", h.Debit)
	r.POST("/wallet/credit", h.Credit)
}

// RegisterWebhookRoutes sets up provider callback routes
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/esewa", h.Webhook("esewa"))
	r.POST("/khalti", h.Webhook("khalti"))
	r.POST("/stripe", h.Webhook("stripe"))
}

// RegisterAdminRoutes sets up admin-only routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/chargebacks", h.Chargeback)
	r.GET("/reviews", h.ListReviews)
	r.POST("/reviews/:id/resolve", h.ResolveReview)
	r.POST("/devices/:fingerprint/flag", h.FlagDevice)
}

// RechargeHTTPRequest is the POST /recharges body
type RechargeHTTPRequest struct {
	UserID           string    `json:"userId" binding:"required"`
	DeviceID         string    `json:"deviceId"`
	Amount           int64     `json:"amount" binding:"required"`
	Fee              int64     `json:"fee"`
	Provider         string    `json:"provider" binding:"required"`
	AccountCreatedAt time.Time `json:"accountCreatedAt"`
}

// InitiateRecharge handles POST /recharges
func (h *Handler) InitiateRecharge(c *gin.Context) {
	var req RechargeHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "Invalid user id",
		})
		return
	}
	if !validation.IsValidAmount(req.Amount) || req.Fee < 0 || req.Fee >= req.Amount {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive coin count exceeding the fee",
		})
		return
	}
	if !validation.IsValidMethod(req.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_provider",
			"message": "Unknown payment provider",
		})
		return
	}

	result, err := h.svc.InitiateRecharge(c.Request.Context(), &RechargeRequest{
		UserID:           req.UserID,
		DeviceID:         validation.SanitizeString(req.DeviceID, 128),
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
		Amount:           req.Amount,
		Fee:              req.Fee,
		Provider:         req.Provider,
		AccountCreatedAt: req.AccountCreatedAt,
	})
	if err != nil {
		var limitErr *velocity.LimitError
		switch {
		case errors.As(err, &limitErr):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "velocity_limit",
				"message": "Too many payment attempts, try again later",
			})
		case errors.Is(err, ErrDeclined):
			// No factor breakdown leaves this response; it would teach
			// probing users the scoring model
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "payment_declined",
				"message": "This payment cannot be processed",
			})
		default:
			h.logger.Error("recharge initiation failed", "user_id", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "recharge_error",
				"message": "Failed to initiate recharge",
			})
		}
		return
	}

	status := http.StatusCreated
	if result.Verdict == "review" {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// CancelRecharge handles POST /recharges/:id/cancel
func (h *Handler) CancelRecharge(c *gin.Context) {
	txn, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "transaction_not_found",
				"message": "No such transaction",
			})
		case errors.Is(err, ledger.ErrAlreadyFinal), errors.Is(err, ledger.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Only pending transactions can be cancelled",
			})
		default:
			h.logger.Error("cancel failed", "txn_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "cancel_error",
				"message": "Failed to cancel recharge",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// WalletRequest is the POST /wallet/{debit,credit} body
type WalletRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// WithdrawalHTTPRequest is the POST /withdrawals body
type WithdrawalHTTPRequest struct {
	UserID           string    `json:"userId" binding:"required"`
	DeviceID         string    `json:"deviceId"`
	Amount           int64     `json:"amount" binding:"required"`
	Description      string    `json:"description"`
	AccountCreatedAt time.Time `json:"accountCreatedAt"`
}

// Withdraw handles POST /withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawalHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "Invalid user id",
		})
		return
	}
	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive coin count",
		})
		return
	}

	txn, err := h.svc.Withdraw(c.Request.Context(), &WithdrawalRequest{
		UserID:           req.UserID,
		DeviceID:         validation.SanitizeString(req.DeviceID, 128),
		IP:               c.ClientIP(),
		Amount:           req.Amount,
		Description:      validation.SanitizeString(req.Description, 500),
		AccountCreatedAt: req.AccountCreatedAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDeclined):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "withdrawal_declined",
				"message": "This withdrawal cannot be processed",
			})
		case errors.Is(err, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_balance",
				"message": "Not enough coins",
			})
		default:
			h.logger.Error("withdrawal failed", "user_id", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdrawal_error",
				"message": "Failed to withdraw",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// Debit handles POST /wallet/debit
func (h *Handler) Debit(c *gin.Context) {
	req, ok := h.bindWallet(c)
	if !ok {
		return
	}
	txType := req.Type
	if txType == "" {
		txType = ledger.TypeGiftSent
	}

	txn, err := h.svc.Debit(c.Request.Context(), req.UserID, req.Amount, txType, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_balance",
				"message": "Not enough coins",
			})
			return
		}
		if errors.Is(err, ErrExternalDebit) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unsupported_type",
				"message": "Use the withdrawals endpoint for external movement",
			})
			return
		}
		h.logger.Error("debit failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "debit_error",
			"message": "Failed to debit wallet",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// Credit handles POST /wallet/credit
func (h *Handler) Credit(c *gin.Context) {
	req, ok := h.bindWallet(c)
	if !ok {
		return
	}
	txType := req.Type
	if txType == "" {
		txType = ledger.TypeGiftReceived
	}

	txn, err := h.svc.Credit(c.Request.Context(), req.UserID, req.Amount, txType, req.Description)
	if err != nil {
		h.logger.Error("credit failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "credit_error",
			"message": "Failed to credit wallet",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

func (h *Handler) bindWallet(c *gin.Context) (*WalletRequest, bool) {
	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "Invalid user id",
		})
		return nil, false
	}
	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive coin count",
		})
		return nil, false
	}
	return &req, true
}

// Webhook handles POST /webhooks/:provider.
// Duplicates acknowledge with 200 so the provider stops retrying; bad
// signatures get 400 and no ledger effect.
func (h *Handler) Webhook(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_body",
				"message": "Failed to read request body",
			})
			return
		}

		ev, err := h.svc.HandleWebhook(c.Request.Context(), provider, body, c.Request.Header)
		if err != nil {
			switch {
			case errors.Is(err, webhook.ErrDuplicate):
				c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			case errors.Is(err, webhook.ErrSignatureMismatch):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "signature_mismatch",
					"message": "Webhook signature verification failed",
				})
			case errors.Is(err, webhook.ErrStale):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "stale_delivery",
					"message": "Webhook delivery is too old",
				})
			case errors.Is(err, webhook.ErrMalformed):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "malformed_payload",
					"message": "Webhook payload could not be parsed",
				})
			case errors.Is(err, ledger.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "transaction_not_found",
					"message": "Webhook references an unknown transaction",
				})
			case errors.Is(err, ledger.ErrInvalidTransition):
				c.JSON(http.StatusConflict, gin.H{
					"error":   "invalid_state",
					"message": "Transaction is not awaiting settlement",
				})
			default:
				h.logger.Error("webhook processing failed", "provider", provider, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "webhook_error",
					"message": "Failed to process webhook",
				})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "processed", "eventId": ev.EventID})
	}
}

// ChargebackRequest is the POST /admin/chargebacks body
type ChargebackRequest struct {
	TxnID  string `json:"txnId" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Chargeback handles POST /admin/chargebacks
func (h *Handler) Chargeback(c *gin.Context) {
	var req ChargebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.svc.Chargeback(c.Request.Context(), req.TxnID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "transaction_not_found",
				"message": "No such transaction",
			})
		case errors.Is(err, ledger.ErrAlreadyReversed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_reversed",
				"message": "Transaction is already charged back",
			})
		case errors.Is(err, ledger.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Only completed transactions can be charged back",
			})
		default:
			h.logger.Error("chargeback failed", "txn_id", req.TxnID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "chargeback_error",
				"message": "Failed to process chargeback",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "reversed", "transaction": txn})
}

// ListReviews handles GET /admin/reviews
func (h *Handler) ListReviews(c *gin.Context) {
	status := c.DefaultQuery("status", review.StatusPending)
	entries, err := h.svc.Reviews().List(c.Request.Context(), status, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "review_error",
			"message": "Failed to list reviews",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": entries, "count": len(entries)})
}

// ResolveRequest is the POST /admin/reviews/:id/resolve body
type ResolveRequest struct {
	Decision string `json:"decision" binding:"required"` // approved, denied or escalated
	Reviewer string `json:"reviewer" binding:"required"`
	Notes    string `json:"notes"`
}

// ResolveReview handles POST /admin/reviews/:id/resolve
func (h *Handler) ResolveReview(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	switch req.Decision {
	case review.StatusApproved, review.StatusDenied, review.StatusEscalated:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_decision",
			"message": "Decision must be approved, denied or escalated",
		})
		return
	}

	entry, err := h.svc.ResolveReview(c.Request.Context(), c.Param("id"), req.Decision, req.Reviewer, validation.SanitizeString(req.Notes, 1000))
	if err != nil {
		switch {
		case errors.Is(err, review.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "review_not_found",
				"message": "No such review entry",
			})
		case errors.Is(err, review.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Review entry is already resolved",
				"review":  entry,
			})
		default:
			h.logger.Error("review resolution failed", "review_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "review_error",
				"message": "Failed to resolve review",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"review": entry})
}

// FlagDeviceRequest is the POST /admin/devices/:fingerprint/flag body
type FlagDeviceRequest struct {
	Reason string `json:"reason" binding:"required"`
	By     string `json:"by"`
}

// FlagDevice handles POST /admin/devices/:fingerprint/flag
func (h *Handler) FlagDevice(c *gin.Context) {
	var req FlagDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.svc.FlagDevice(c.Request.Context(), c.Param("fingerprint"), req.Reason, req.By); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "device_not_found",
			"message": "No such device",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flagged"})
}
