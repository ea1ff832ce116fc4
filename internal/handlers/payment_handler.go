package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/interfaces"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
	"github.com/ledgerline/paygate/internal/service"
	"github.com/ledgerline/paygate/internal/telemetry"
)

type PaymentHandler struct {
	records   interfaces.RecordRepository
	ledger    *ledger.Ledger
	processor *service.Processor
}

func NewPaymentHandler(records interfaces.RecordRepository, ldg *ledger.Ledger, processor *service.Processor) *PaymentHandler {
	return &PaymentHandler{records: records, ledger: ldg, processor: processor}
}

func (h *PaymentHandler) SubmitPayment(c *gin.Context) {
	var intent models.PaymentIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		telemetry.Logger.Error("error decoding payment intent", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		intent.ClientKey = key
	}

	result, err := h.processor.Submit(c.Request.Context(), &intent)
	if err != nil {
		status, body := errorResponse(err, intent.PaymentID)
		c.JSON(status, body)
		return
	}

	status := http.StatusOK
	if !result.Duplicate {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"payment_id":        result.PaymentID,
		"state":             result.State,
		"version":           result.Version,
		"gateway_reference": result.GatewayReference,
		"duplicate":         result.Duplicate,
	})
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	paymentID := c.Param("id")

	rec, err := h.records.Get(c.Request.Context(), paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *PaymentHandler) GetLedger(c *gin.Context) {
	paymentID := c.Param("id")

	entries, err := h.ledger.List(c.Request.Context(), paymentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch ledger"})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment_id": paymentID, "entries": entries})
}

// errorResponse maps the error taxonomy onto HTTP statuses; the code
// field lets callers dispatch without parsing messages.
func errorResponse(err error, paymentID string) (int, gin.H) {
	var (
		invalid   *payerrs.InvalidTransitionError
		duplicate *payerrs.DuplicatePaymentError
		evidence  *payerrs.EvidenceRequiredError
		lock      *payerrs.OptimisticLockError
		blocked   *payerrs.GovernanceBlockedError
		monotonic *payerrs.MonotonicityViolationError
		declined  *payerrs.GatewayDeclinedError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, gin.H{"code": payerrs.CodeInvalidTransition, "error": err.Error()}
	case errors.As(err, &duplicate):
		return http.StatusConflict, gin.H{"code": payerrs.CodeDuplicatePayment, "error": err.Error()}
	case errors.As(err, &evidence):
		return http.StatusBadRequest, gin.H{"code": payerrs.CodeEvidenceRequired, "error": err.Error()}
	case errors.As(err, &lock):
		return http.StatusConflict, gin.H{"code": payerrs.CodeOptimisticLock, "error": err.Error(), "retryable": true}
	case errors.As(err, &blocked):
		return http.StatusForbidden, gin.H{"code": payerrs.CodeGovernanceBlocked, "error": err.Error(), "reason": blocked.Reason}
	case errors.As(err, &monotonic):
		return http.StatusInternalServerError, gin.H{"code": payerrs.CodeMonotonicityViolated, "error": err.Error()}
	case errors.As(err, &declined):
		return http.StatusPaymentRequired, gin.H{"code": payerrs.CodeGatewayDeclined, "error": err.Error(), "decline_code": declined.DeclineCode}
	case errors.Is(err, payerrs.ErrReservationInFlight):
		return http.StatusConflict, gin.H{"error": err.Error(), "retryable": true}
	}

	telemetry.Logger.Error("error processing payment",
		zap.String("payment_id", paymentID),
		zap.Error(err),
	)
	return http.StatusInternalServerError, gin.H{"error": "failed to process payment", "payment_id": paymentID}
}
