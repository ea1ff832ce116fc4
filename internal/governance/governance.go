// Package governance evaluates policy before a payment operation may
// reach the optimistic-lock/gateway step. Gates are a static ordered
// list of predicates, each able to short-circuit; a blocked operation
// never appears in the ledger, only in the rejection stream.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/metrics"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

// CheckRequest is everything a gate may inspect.
type CheckRequest struct {
	PaymentID string
	Operation string
	Amount    int64
	Profile   models.CallerProfile
}

// gate is one policy predicate. A non-nil return blocks the operation.
type gate struct {
	name  string
	check func(ctx context.Context, req CheckRequest) error
}

// Engine runs the gate chain in a fixed order. Redis backs the rate
// and budget windows; NATS carries the external risk check; the
// breaker mirrors gateway health.
type Engine struct {
	gates       []gate
	redisClient *redis.Client
	nc          *nats.Conn
	breaker     *gobreaker.CircuitBreaker
	kafkaWriter *kafka.Writer
	logger      *zap.Logger
}

func NewEngine(redisClient *redis.Client, nc *nats.Conn, breaker *gobreaker.CircuitBreaker, kafkaWriter *kafka.Writer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		redisClient: redisClient,
		nc:          nc,
		breaker:     breaker,
		kafkaWriter: kafkaWriter,
		logger:      logger,
	}
	e.gates = []gate{
		{name: "allowed_operations", check: e.checkAllowedOperation},
		{name: "rate_limit", check: e.checkRateLimit},
		{name: "budget_burn", check: e.checkBudgetBurn},
		{name: "circuit_breaker", check: e.checkBreaker},
		{name: "risk_check", check: e.checkRisk},
	}
	return e
}

// Evaluate runs each gate in order and returns the first block as a
// GovernanceBlockedError. Blocks are logged, counted and published,
// never ledgered.
func (e *Engine) Evaluate(ctx context.Context, req CheckRequest) error {
	for _, g := range e.gates {
		if err := g.check(ctx, req); err != nil {
			var blocked *payerrs.GovernanceBlockedError
			if !errors.As(err, &blocked) {
				blocked = &payerrs.GovernanceBlockedError{Gate: g.name, Reason: err.Error()}
			}
			e.recordRejection(ctx, req, blocked)
			return blocked
		}
	}
	return nil
}

func (e *Engine) checkAllowedOperation(_ context.Context, req CheckRequest) error {
	if !req.Profile.Allows(req.Operation) {
		return &payerrs.GovernanceBlockedError{
			Gate:   "allowed_operations",
			Reason: fmt.Sprintf("tier %q does not permit %q", req.Profile.Tier, req.Operation),
		}
	}
	return nil
}

func (e *Engine) checkRateLimit(ctx context.Context, req CheckRequest) error {
	if e.redisClient == nil || req.Profile.RateLimitPerMinute <= 0 {
		return nil
	}
	window := time.Now().UTC().Format("200601021504")
	counterKey := fmt.Sprintf("govern:rate:%s:%s", req.Profile.Tier, window)

	count, err := e.redisClient.Incr(ctx, counterKey).Result()
	if err != nil {
		return fmt.Errorf("rate counter unavailable: %w", err)
	}
	if count == 1 {
		e.redisClient.Expire(ctx, counterKey, 2*time.Minute)
	}
	if count > req.Profile.RateLimitPerMinute {
		return &payerrs.GovernanceBlockedError{
			Gate:   "rate_limit",
			Reason: fmt.Sprintf("tier %q exceeded %d operations per minute", req.Profile.Tier, req.Profile.RateLimitPerMinute),
		}
	}
	return nil
}

func (e *Engine) checkBudgetBurn(ctx context.Context, req CheckRequest) error {
	if e.redisClient == nil || req.Profile.DailyBudgetCeiling <= 0 || req.Amount <= 0 {
		return nil
	}
	day := time.Now().UTC().Format("20060102")
	burnKey := fmt.Sprintf("govern:budget:%s:%s", req.Profile.Tier, day)

	burned, err := e.redisClient.IncrBy(ctx, burnKey, req.Amount).Result()
	if err != nil {
		return fmt.Errorf("budget counter unavailable: %w", err)
	}
	if burned == req.Amount {
		e.redisClient.Expire(ctx, burnKey, 48*time.Hour)
	}
	if burned > req.Profile.DailyBudgetCeiling {
		// Give the burn back; a blocked operation spends nothing.
		e.redisClient.DecrBy(ctx, burnKey, req.Amount)
		return &payerrs.GovernanceBlockedError{
			Gate:   "budget_burn",
			Reason: fmt.Sprintf("tier %q daily ceiling %d exhausted", req.Profile.Tier, req.Profile.DailyBudgetCeiling),
		}
	}
	return nil
}

func (e *Engine) checkBreaker(_ context.Context, _ CheckRequest) error {
	if e.breaker == nil {
		return nil
	}
	if e.breaker.State() == gobreaker.StateOpen {
		return &payerrs.GovernanceBlockedError{
			Gate:   "circuit_breaker",
			Reason: "gateway circuit breaker is open",
		}
	}
	return nil
}

type riskRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Operation string `json:"operation"`
}

type riskResponse struct {
	Decision string `json:"decision"` // approve, deny, manual_review
	Reason   string `json:"reason"`
}

func (e *Engine) checkRisk(_ context.Context, req CheckRequest) error {
	if e.nc == nil {
		return nil
	}
	payload, _ := json.Marshal(riskRequest{PaymentID: req.PaymentID, Amount: req.Amount, Operation: req.Operation})

	msg, err := e.nc.Request("risk.check", payload, 5*time.Second)
	if err != nil {
		e.logger.Warn("risk check unavailable",
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
		return &payerrs.GovernanceBlockedError{Gate: "risk_check", Reason: "risk service unavailable"}
	}

	var resp riskResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return &payerrs.GovernanceBlockedError{Gate: "risk_check", Reason: "malformed risk decision"}
	}
	if resp.Decision != "approve" {
		return &payerrs.GovernanceBlockedError{
			Gate:   "risk_check",
			Reason: fmt.Sprintf("risk decision %q: %s", resp.Decision, resp.Reason),
		}
	}
	return nil
}

func (e *Engine) recordRejection(ctx context.Context, req CheckRequest, blocked *payerrs.GovernanceBlockedError) {
	metrics.GovernanceBlockedTotal.WithLabelValues(blocked.Gate).Inc()
	e.logger.Info("governance blocked operation",
		zap.String("payment_id", req.PaymentID),
		zap.String("operation", req.Operation),
		zap.String("gate", blocked.Gate),
		zap.String("reason", blocked.Reason),
	)

	if e.kafkaWriter == nil {
		return
	}
	event := models.GovernanceBlockedEvent{
		EventID:   uuid.NewString(),
		PaymentID: req.PaymentID,
		Operation: req.Operation,
		Gate:      blocked.Gate,
		Reason:    blocked.Reason,
		Timestamp: time.Now().UTC(),
	}
	eventJSON, _ := json.Marshal(event)
	if err := e.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.PaymentID),
		Value: eventJSON,
	}); err != nil {
		e.logger.Error("failed to publish rejection event",
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
	}
}
