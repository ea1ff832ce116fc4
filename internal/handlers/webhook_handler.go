package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/service"
	"github.com/ledgerline/paygate/internal/telemetry"
)

type WebhookHandler struct {
	processor *service.Processor
}

func NewWebhookHandler(processor *service.Processor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleGatewayCallback ingests an external notification. The raw
// body is what gets hashed as evidence, so it is read verbatim before
// any decoding.
func (h *WebhookHandler) HandleGatewayCallback(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty callback body"})
		return
	}

	result, err := h.processor.HandleCallback(c.Request.Context(), raw)
	if err != nil {
		telemetry.Logger.Error("error processing gateway callback", zap.Error(err))
		status, body := errorResponse(err, "")
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id": result.PaymentID,
		"state":      result.State,
		"version":    result.Version,
		"duplicate":  result.Duplicate,
	})
}
