// Package service choreographs the exactly-once commit path: derive
// key, dedup, governance, optimistic-lock apply, gateway call, ledger
// append, event publication. The core never retries on its own; the
// error kind tells the caller what to do.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/dedup"
	"github.com/ledgerline/paygate/internal/fsm"
	"github.com/ledgerline/paygate/internal/gateway"
	"github.com/ledgerline/paygate/internal/governance"
	"github.com/ledgerline/paygate/internal/idempotency"
	"github.com/ledgerline/paygate/internal/interfaces"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/metrics"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

// Result is what a submission resolves to. Cached verbatim by the
// dedup layer, so a replayed submission returns an identical value.
type Result struct {
	PaymentID        string              `json:"payment_id"`
	State            models.PaymentState `json:"state"`
	Version          int64               `json:"version"`
	GatewayReference string              `json:"gateway_reference,omitempty"`
	Duplicate        bool                `json:"-"`
}

type Processor struct {
	records     interfaces.RecordRepository
	ledger      *ledger.Ledger
	dedupStore  *dedup.Store
	gates       *governance.Engine
	gw          gateway.Gateway
	profiles    map[string]models.CallerProfile
	kafkaWriter *kafka.Writer
	logger      *zap.Logger
}

func NewProcessor(
	records interfaces.RecordRepository,
	ldg *ledger.Ledger,
	dedupStore *dedup.Store,
	gates *governance.Engine,
	gw gateway.Gateway,
	profiles map[string]models.CallerProfile,
	kafkaWriter *kafka.Writer,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		records:     records,
		ledger:      ldg,
		dedupStore:  dedupStore,
		gates:       gates,
		gw:          gw,
		profiles:    profiles,
		kafkaWriter: kafkaWriter,
		logger:      logger,
	}
}

// operationTargets maps an intent operation to the state it requests.
var operationTargets = map[string]models.PaymentState{
	models.OpAuthorize: models.StateAuthorized,
	models.OpCapture:   models.StateCaptured,
	models.OpSettle:    models.StateSettled,
	models.OpRefund:    models.StateRefunded,
}

// Submit applies a payment intent exactly once. A replay of the same
// canonical payload returns the first result without touching the
// gateway or the ledger.
func (p *Processor) Submit(ctx context.Context, intent *models.PaymentIntent) (*Result, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	canonical := idempotency.CanonicalIntent(*intent)
	derived := idempotency.DeriveKey(canonical)
	fingerprint := derived.String()

	// Clients may pin their own key; the derived hash then acts as the
	// conflict fingerprint so a reused key with a different payload is
	// caught instead of replayed.
	dedupKey := derived
	if intent.ClientKey != "" {
		dedupKey = idempotency.Key(intent.ClientKey)
	}

	outcome, cached, err := p.dedupStore.CheckAndReserve(ctx, dedupKey, fingerprint)
	if err != nil {
		return nil, err
	}
	if outcome == dedup.Duplicate {
		metrics.DedupHitsTotal.Inc()
		var result Result
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("decode cached result: %w", err)
		}
		result.Duplicate = true
		return &result, nil
	}

	result, err := p.process(ctx, intent, derived)
	if err != nil {
		// Failed attempts never consume the key; the specific error
		// kind tells the caller whether retrying is sane.
		if relErr := p.dedupStore.Release(ctx, dedupKey); relErr != nil {
			p.logger.Error("failed to release reservation",
				zap.String("payment_id", intent.PaymentID),
				zap.Error(relErr),
			)
		}
		return nil, err
	}

	if err := p.dedupStore.Complete(ctx, dedupKey, fingerprint, result); err != nil {
		p.logger.Error("failed to persist dedup result",
			zap.String("payment_id", intent.PaymentID),
			zap.Error(err),
		)
	}
	return result, nil
}

func (p *Processor) process(ctx context.Context, intent *models.PaymentIntent, derived idempotency.Key) (*Result, error) {
	profile := p.profileFor(intent.ProfileTier)
	if err := p.gates.Evaluate(ctx, governance.CheckRequest{
		PaymentID: intent.PaymentID,
		Operation: intent.Operation,
		Amount:    intent.Amount,
		Profile:   profile,
	}); err != nil {
		return nil, err
	}

	record, err := p.loadOrCreate(ctx, intent, derived)
	if err != nil {
		return nil, err
	}

	to := operationTargets[intent.Operation]
	if err := fsm.Validate(record.PaymentID, record.State, to); err != nil {
		return nil, err
	}

	return p.commit(ctx, record, to, intent, derived)
}

// commit is the single idempotent mutation attempt: version check,
// gateway call, then the atomic bump+append. The gateway call carries
// the derived key as its idempotency token, so a crash between
// gateway success and ledger append leaves a record reconciliation
// can find by that token and repair.
func (p *Processor) commit(ctx context.Context, record *models.PaymentRecord, to models.PaymentState, intent *models.PaymentIntent, key idempotency.Key) (*Result, error) {
	gwResult, err := p.gw.Apply(ctx, intent.Operation, gateway.Request{
		PaymentID:        record.PaymentID,
		Amount:           record.Amount,
		Currency:         record.Currency,
		IdempotencyToken: key.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway %s for %s: %w", intent.Operation, record.PaymentID, err)
	}

	evidence, _ := json.Marshal(gwResult)
	evidenceHash := idempotency.EvidenceHash(evidence)

	if !gwResult.Success {
		return p.decline(ctx, record, key, evidenceHash, intent.Operation, gwResult.DeclineCode)
	}

	rows, err := p.records.CompareAndSwap(ctx, record.PaymentID, record.Version, to, gwResult.GatewayReference)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", record.PaymentID, err)
	}
	if rows == 0 {
		metrics.OptimisticLockConflictsTotal.Inc()
		return nil, &payerrs.OptimisticLockError{PaymentID: record.PaymentID, ExpectedVersion: record.Version}
	}

	if _, err := p.ledger.Append(ctx, record.PaymentID, record.State, to, key, evidenceHash, models.ActorAPI); err != nil {
		// State moved but the entry is missing: reconciliation will
		// surface the divergence; never mask the failure.
		p.logger.Error("ledger append failed after state change",
			zap.String("payment_id", record.PaymentID),
			zap.String("to_state", string(to)),
			zap.Error(err),
		)
		return nil, err
	}

	p.publishStateChange(ctx, record.PaymentID, record.State, to, record.Version+1, models.ActorAPI)

	return &Result{
		PaymentID:        record.PaymentID,
		State:            to,
		Version:          record.Version + 1,
		GatewayReference: gwResult.GatewayReference,
	}, nil
}

// decline records a gateway refusal as a failed transition where the
// table allows one. From states with no failed edge the record stays
// put and the refusal is surfaced as a GatewayDeclinedError; the
// caller asked for an operation, not a transition.
func (p *Processor) decline(ctx context.Context, record *models.PaymentRecord, key idempotency.Key, evidenceHash, operation, declineCode string) (*Result, error) {
	if !fsm.ValidTransition(record.State, models.StateFailed) {
		return nil, &payerrs.GatewayDeclinedError{
			PaymentID:   record.PaymentID,
			Operation:   operation,
			DeclineCode: declineCode,
		}
	}

	rows, err := p.records.CompareAndSwap(ctx, record.PaymentID, record.Version, models.StateFailed, "")
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		metrics.OptimisticLockConflictsTotal.Inc()
		return nil, &payerrs.OptimisticLockError{PaymentID: record.PaymentID, ExpectedVersion: record.Version}
	}

	if _, err := p.ledger.Append(ctx, record.PaymentID, record.State, models.StateFailed, key, evidenceHash, models.ActorAPI); err != nil {
		return nil, err
	}
	p.publishStateChange(ctx, record.PaymentID, record.State, models.StateFailed, record.Version+1, models.ActorAPI)

	p.logger.Info("gateway declined payment",
		zap.String("payment_id", record.PaymentID),
		zap.String("decline_code", declineCode),
	)

	return &Result{
		PaymentID: record.PaymentID,
		State:     models.StateFailed,
		Version:   record.Version + 1,
	}, nil
}

func (p *Processor) loadOrCreate(ctx context.Context, intent *models.PaymentIntent, key idempotency.Key) (*models.PaymentRecord, error) {
	record, err := p.records.Get(ctx, intent.PaymentID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", intent.PaymentID, err)
	}

	if intent.Operation != models.OpAuthorize {
		return nil, &payerrs.InvalidTransitionError{
			PaymentID: intent.PaymentID,
			From:      string(models.StateNone),
			To:        string(operationTargets[intent.Operation]),
		}
	}

	created, err := p.records.Insert(ctx, &models.PaymentRecord{
		PaymentID:      intent.PaymentID,
		State:          models.StatePending,
		IdempotencyKey: key.String(),
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		ProfileTier:    intent.ProfileTier,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", intent.PaymentID, err)
	}
	if created {
		if _, err := p.ledger.Append(ctx, intent.PaymentID, models.StateNone, models.StatePending, key, "", models.ActorAPI); err != nil {
			return nil, err
		}
		p.publishStateChange(ctx, intent.PaymentID, models.StateNone, models.StatePending, 0, models.ActorAPI)
	}

	return p.records.Get(ctx, intent.PaymentID)
}

// Apply is the optimistic-locking mutation primitive: it moves the
// payment toward the operation's target state only when the stored
// version still equals expectedVersion. Callers that lose the race
// get an OptimisticLockError and must re-read before retrying. Policy
// gates are the submission path's concern; Apply trusts its caller.
func (p *Processor) Apply(ctx context.Context, paymentID string, expectedVersion int64, operation string) (*Result, error) {
	target, ok := operationTargets[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", operation)
	}

	record, err := p.records.Get(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", paymentID, err)
	}
	if record.Version != expectedVersion {
		metrics.OptimisticLockConflictsTotal.Inc()
		return nil, &payerrs.OptimisticLockError{PaymentID: paymentID, ExpectedVersion: expectedVersion}
	}
	if err := fsm.Validate(paymentID, record.State, target); err != nil {
		return nil, err
	}

	intent := &models.PaymentIntent{
		PaymentID: record.PaymentID,
		Amount:    record.Amount,
		Currency:  record.Currency,
		Operation: operation,
	}
	return p.commit(ctx, record, target, intent, idempotency.IntentKey(*intent))
}

// HandleCallback processes an external gateway notification. The raw
// payload is canonicalized and deduplicated through the same engine
// as intents, so a redelivered callback never double-mutates state.
func (p *Processor) HandleCallback(ctx context.Context, raw []byte) (*Result, error) {
	canonical, err := idempotency.CanonicalCallback(raw)
	if err != nil {
		return nil, err
	}
	key := idempotency.DeriveKey(canonical)
	fingerprint := key.String()

	var callback models.GatewayCallback
	if err := json.Unmarshal(raw, &callback); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if callback.PaymentID == "" || callback.Event == "" {
		return nil, fmt.Errorf("callback missing payment_id or event")
	}

	outcome, cached, err := p.dedupStore.CheckAndReserve(ctx, key, fingerprint)
	if err != nil {
		return nil, err
	}
	if outcome == dedup.Duplicate {
		metrics.DedupHitsTotal.Inc()
		var result Result
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("decode cached result: %w", err)
		}
		result.Duplicate = true
		return &result, nil
	}

	result, err := p.applyCallback(ctx, &callback, key, raw)
	if err != nil {
		if relErr := p.dedupStore.Release(ctx, key); relErr != nil {
			p.logger.Error("failed to release callback reservation", zap.Error(relErr))
		}
		return nil, err
	}
	if err := p.dedupStore.Complete(ctx, key, fingerprint, result); err != nil {
		p.logger.Error("failed to persist callback result", zap.Error(err))
	}
	return result, nil
}

func (p *Processor) applyCallback(ctx context.Context, callback *models.GatewayCallback, key idempotency.Key, raw []byte) (*Result, error) {
	record, err := p.records.Get(ctx, callback.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("callback for unknown payment %s: %w", callback.PaymentID, err)
	}

	to := models.PaymentState(callback.Event)
	if !stateKnown(to) {
		return nil, fmt.Errorf("callback carries unknown event %q", callback.Event)
	}

	evidenceHash := idempotency.EvidenceHash(raw)
	if evidenceHash == "" {
		return nil, &payerrs.EvidenceRequiredError{PaymentID: callback.PaymentID, Actor: models.ActorWebhook}
	}

	if err := fsm.Validate(record.PaymentID, record.State, to); err != nil {
		return nil, err
	}

	rows, err := p.records.CompareAndSwap(ctx, record.PaymentID, record.Version, to, callback.GatewayReference)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		metrics.OptimisticLockConflictsTotal.Inc()
		return nil, &payerrs.OptimisticLockError{PaymentID: record.PaymentID, ExpectedVersion: record.Version}
	}

	if _, err := p.ledger.Append(ctx, record.PaymentID, record.State, to, key, evidenceHash, models.ActorWebhook); err != nil {
		return nil, err
	}
	p.publishStateChange(ctx, record.PaymentID, record.State, to, record.Version+1, models.ActorWebhook)

	return &Result{
		PaymentID:        record.PaymentID,
		State:            to,
		Version:          record.Version + 1,
		GatewayReference: callback.GatewayReference,
	}, nil
}

// ConsumeIntentEvents reads payment.requested events off Kafka and
// drives them through the same Submit path as HTTP callers. Returns
// when ctx is cancelled.
func (p *Processor) ConsumeIntentEvents(ctx context.Context, kafkaBrokers string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{kafkaBrokers},
		Topic:    "payment.requested",
		GroupID:  "paygate",
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	p.logger.Info("started consuming payment.requested events")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("error reading message from Kafka", zap.Error(err))
			continue
		}

		var intent models.PaymentIntent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			p.logger.Error("error unmarshaling intent", zap.Error(err))
			continue
		}

		if _, err := p.Submit(ctx, &intent); err != nil {
			p.logger.Error("error processing payment intent",
				zap.String("payment_id", intent.PaymentID),
				zap.Error(err),
			)
		}
	}
}

func (p *Processor) publishStateChange(ctx context.Context, paymentID string, from, to models.PaymentState, version int64, actor string) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to), actor).Inc()
	p.logger.Info("payment state transition",
		zap.String("payment_id", paymentID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
		zap.Int64("version", version),
		zap.String("actor", actor),
	)

	if p.kafkaWriter == nil {
		return
	}
	event := models.StateChangedEvent{
		EventID:       uuid.NewString(),
		PaymentID:     paymentID,
		State:         to,
		PreviousState: from,
		Version:       version,
		Actor:         actor,
		Timestamp:     time.Now().UTC(),
	}
	eventJSON, _ := json.Marshal(event)
	if err := p.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(paymentID),
		Value: eventJSON,
	}); err != nil {
		p.logger.Error("failed to publish state change",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
	}
}

func (p *Processor) profileFor(tier string) models.CallerProfile {
	if profile, ok := p.profiles[tier]; ok {
		return profile
	}
	// Unknown tiers get the most restrictive stance: nothing allowed.
	return models.CallerProfile{Tier: tier}
}

func validateIntent(intent *models.PaymentIntent) error {
	switch {
	case intent.PaymentID == "":
		return fmt.Errorf("intent missing payment_id")
	case intent.Amount <= 0:
		return fmt.Errorf("intent amount must be positive minor units")
	case len(intent.Currency) != 3:
		return fmt.Errorf("intent currency must be a 3-letter code")
	}
	if _, ok := operationTargets[intent.Operation]; !ok {
		return fmt.Errorf("unknown operation %q", intent.Operation)
	}
	return nil
}

func stateKnown(s models.PaymentState) bool {
	for _, known := range fsm.States() {
		if known == s {
			return true
		}
	}
	return false
}
