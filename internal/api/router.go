package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerline/paygate/internal/handlers"
	"github.com/ledgerline/paygate/internal/interfaces"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/service"
	"github.com/ledgerline/paygate/internal/telemetry"
)

func NewRouter(records interfaces.RecordRepository, ldg *ledger.Ledger, processor *service.Processor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "paygate"})
	})

	paymentHandler := handlers.NewPaymentHandler(records, ldg, processor)
	r.POST("/payments", paymentHandler.SubmitPayment)
	r.GET("/payments/:id", paymentHandler.GetPayment)
	r.GET("/payments/:id/ledger", paymentHandler.GetLedger)

	webhookHandler := handlers.NewWebhookHandler(processor)
	r.POST("/webhooks/gateway", webhookHandler.HandleGatewayCallback)

	return r
}
