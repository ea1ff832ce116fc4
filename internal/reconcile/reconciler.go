// Package reconcile runs the periodic sweep that detects and repairs
// divergence between the local ledger and the gateway's authoritative
// state. Every repair is a single atomic ledger append tagged with
// actor=reconciliation; the job never regresses state and never
// touches a terminal record.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/fsm"
	"github.com/ledgerline/paygate/internal/gateway"
	"github.com/ledgerline/paygate/internal/idempotency"
	"github.com/ledgerline/paygate/internal/interfaces"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/metrics"
	"github.com/ledgerline/paygate/internal/models"
)

// Divergence classes, used as the metric label.
const (
	classGatewayAhead = "gateway_ahead"
	classNeverReached = "never_reached"
)

type Reconciler struct {
	records     interfaces.RecordRepository
	ledger      *ledger.Ledger
	gw          gateway.Gateway
	kafkaWriter *kafka.Writer
	logger      *zap.Logger

	interval time.Duration
	grace    time.Duration
	// failTimeout separates "never reached the gateway" from
	// "ambiguous outcome": a record the gateway does not know is only
	// failed once it has been quiet this long. Younger records are
	// skipped until the next pass.
	failTimeout time.Duration
}

func New(records interfaces.RecordRepository, ldg *ledger.Ledger, gw gateway.Gateway, kafkaWriter *kafka.Writer, logger *zap.Logger, interval, grace, failTimeout time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if failTimeout <= 0 {
		failTimeout = 15 * time.Minute
	}
	return &Reconciler{
		records:     records,
		ledger:      ldg,
		gw:          gw,
		kafkaWriter: kafkaWriter,
		logger:      logger,
		interval:    interval,
		grace:       grace,
		failTimeout: failTimeout,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. Cancellation
// is safe at any point: no partial state is held between repairs.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("grace", r.grace),
		zap.Duration("fail_timeout", r.failTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				// Never fatal; the next scheduled pass retries.
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep audits every open record older than the grace period against
// the gateway and repairs divergence. Exposed for tests and for a
// manual trigger.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.grace)
	open, err := r.records.ListOpenOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for i := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := open[i]
		if fsm.IsFinal(rec.State) {
			// ListOpenOlderThan must not hand these out; treat it as
			// a consistency bug, not something to repair.
			r.logger.Error("reconciler saw terminal record in open set",
				zap.String("payment_id", rec.PaymentID),
				zap.String("state", string(rec.State)),
			)
			continue
		}
		if err := r.reconcileRecord(ctx, &rec); err != nil {
			r.logger.Warn("failed to reconcile payment",
				zap.String("payment_id", rec.PaymentID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec *models.PaymentRecord) error {
	status, err := r.gw.Lookup(ctx, rec.IdempotencyKey)
	if err != nil {
		return err
	}

	if !status.Found {
		// Class (b): the ledger claims initiation but the gateway has
		// no record. Only a record quiet past the fail timeout is
		// declared dead; anything younger is ambiguous and skipped.
		if time.Since(rec.UpdatedAt) < r.failTimeout {
			return nil
		}
		if !fsm.ValidTransition(rec.State, models.StateFailed) {
			// A captured payment the gateway no longer knows has no
			// legal expression in the transition table. Flag it for
			// operators; the record and ledger stay untouched.
			r.logger.Error("gateway lost a confirmed payment",
				zap.String("payment_id", rec.PaymentID),
				zap.String("state", string(rec.State)),
			)
			return nil
		}
		return r.repair(ctx, rec, models.StateFailed, status, classNeverReached)
	}

	next := fsm.NextToward(rec.State, status.State)
	if next == models.StateNone {
		// Class (c): no divergence, or the gateway is behind the
		// ledger; local state is never regressed to match it.
		return nil
	}

	// Class (a): gateway confirms progress the ledger missed (crash
	// after call, before append). Advance one valid step per pass so
	// every repair stays a single atomic append.
	return r.repair(ctx, rec, next, status, classGatewayAhead)
}

func (r *Reconciler) repair(ctx context.Context, rec *models.PaymentRecord, to models.PaymentState, status *gateway.Status, class string) error {
	statusJSON, _ := json.Marshal(status)
	evidenceHash := idempotency.EvidenceHash(statusJSON)

	rows, err := r.records.CompareAndSwap(ctx, rec.PaymentID, rec.Version, to, status.GatewayReference)
	if err != nil {
		return err
	}
	if rows == 0 {
		// Someone moved the record since the sweep read it; that is
		// fresh truth, not an error. The next pass re-audits.
		return nil
	}

	if _, err := r.ledger.Append(ctx, rec.PaymentID, rec.State, to, idempotency.Key(rec.IdempotencyKey), evidenceHash, models.ActorReconciliation); err != nil {
		return err
	}

	metrics.ReconcileRepairsTotal.WithLabelValues(class).Inc()
	metrics.TransitionsTotal.WithLabelValues(string(rec.State), string(to), models.ActorReconciliation).Inc()
	r.logger.Info("reconciliation repaired divergence",
		zap.String("payment_id", rec.PaymentID),
		zap.String("class", class),
		zap.String("from_state", string(rec.State)),
		zap.String("to_state", string(to)),
		zap.Int64("version", rec.Version+1),
	)

	r.publish(ctx, rec, to)
	return nil
}

func (r *Reconciler) publish(ctx context.Context, rec *models.PaymentRecord, to models.PaymentState) {
	if r.kafkaWriter == nil {
		return
	}
	event := models.StateChangedEvent{
		EventID:       uuid.NewString(),
		PaymentID:     rec.PaymentID,
		State:         to,
		PreviousState: rec.State,
		Version:       rec.Version + 1,
		Actor:         models.ActorReconciliation,
		Timestamp:     time.Now().UTC(),
	}
	eventJSON, _ := json.Marshal(event)
	if err := r.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.PaymentID),
		Value: eventJSON,
	}); err != nil {
		r.logger.Error("failed to publish reconciliation event",
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err),
		)
	}
}
