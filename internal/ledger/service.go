package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cardforge/giftcard-ledger/internal/fraud"
	"github.com/cardforge/giftcard-ledger/internal/model"
	"github.com/cardforge/giftcard-ledger/internal/notify"
	"github.com/cardforge/giftcard-ledger/internal/repo"
)

const (
	casAttempts  = 3
	codeAttempts = 5
)

// Config bounds issue amounts and the per-operation deadline.
type Config struct {
	MinIssueAmount decimal.Decimal
	MaxIssueAmount decimal.Decimal
	OpTimeout      time.Duration
}

// Result of a balance-affecting operation.
type Result struct {
	NewBalance    decimal.Decimal
	TransactionID uint64
	// Duplicate marks an idempotent replay: the original result was
	// returned and nothing was mutated.
	Duplicate bool
}

// Service owns every gift-card state transition. All mutations run inside a
// database transaction with the card row locked, the idempotency check
// inside the atomic boundary, and an optimistic version check retried a
// bounded number of times before surfacing ErrContention.
type Service struct {
	repo     repo.RepositoryInterface
	fraud    *fraud.Engine
	notifier notify.Notifier
	log      *zap.SugaredLogger
	cfg      Config
}

// NewService wires the ledger core. The notifier is injected, never global.
func NewService(r repo.RepositoryInterface, engine *fraud.Engine, notifier notify.Notifier, logger *zap.SugaredLogger, cfg Config) *Service {
	return &Service{repo: r, fraud: engine, notifier: notifier, log: logger, cfg: cfg}
}

// validAmount enforces the fixed-point discipline: strictly positive, at
// most two fractional digits, no rounding anywhere.
func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Exponent() >= -2
}

// run executes fn under the operation deadline, retrying optimistic
// conflicts with doubling backoff.
func (s *Service) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	backoff := 20 * time.Millisecond
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, repo.ErrVersionConflict) {
			if ctx.Err() != nil && err != nil && !isDomainErr(err) {
				return ErrContention
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ErrContention
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return ErrContention
}

// isDomainErr reports whether err is a terminal ledger error kind that must
// be surfaced as-is even when the deadline fired during cleanup.
func isDomainErr(err error) bool {
	for _, kind := range []error{
		ErrInvalidAmount, ErrInvalidCode, ErrNotFound, ErrInactive,
		ErrInsufficientBalance, ErrCodeCollision, ErrIntegrity,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Issue creates a card with a freshly generated code and records the issue
// entry atomically with the card row.
func (s *Service) Issue(ctx context.Context, initialAmount decimal.Decimal, actor string, metadata map[string]string) (*model.GiftCard, error) {
	if !validAmount(initialAmount) ||
		initialAmount.LessThan(s.cfg.MinIssueAmount) ||
		initialAmount.GreaterThan(s.cfg.MaxIssueAmount) {
		return nil, ErrInvalidAmount
	}

	var card *model.GiftCard
	err := s.run(ctx, func(ctx context.Context) error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			var code string
			for attempt := 0; ; attempt++ {
				if attempt == codeAttempts {
					return ErrCodeCollision
				}
				c, err := newCode()
				if err != nil {
					return err
				}
				taken, err := s.repo.CodeTaken(ctx, tx, c)
				if err != nil {
					return err
				}
				if !taken {
					code = c
					break
				}
				s.log.Warnw("code collision, regenerating", "attempt", attempt+1)
			}

			card = &model.GiftCard{
				Code:           code,
				CurrentBalance: initialAmount,
				InitialAmount:  initialAmount,
				IsActive:       true,
			}
			if err := s.repo.CreateCard(ctx, tx, card); err != nil {
				return err
			}
			entry := &model.Transaction{
				GiftCardID:    card.ID,
				Type:          model.TxIssue,
				Amount:        initialAmount,
				BalanceBefore: decimal.Zero,
				BalanceAfter:  initialAmount,
				Actor:         actor,
			}
			if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
				return err
			}
			return s.outbox(ctx, tx, model.AggregateGiftCard, card.ID, "CardIssued", map[string]interface{}{
				"card_id":  card.ID,
				"code":     card.Code,
				"amount":   initialAmount.StringFixed(2),
				"actor":    actor,
				"metadata": metadata,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheBalance(ctx, card.Code, card.CurrentBalance, true); err != nil {
		s.log.Warnw("cache balance", "code", card.Code, "err", err)
	}
	return card, nil
}

// Redeem decrements the balance by amount. Re-submission with the same
// idempotency key returns the original result without mutating again.
func (s *Service) Redeem(ctx context.Context, code string, amount decimal.Decimal, idemKey, actor string) (Result, error) {
	return s.apply(ctx, code, amount, idemKey, actor, model.TxRedeem, "")
}

// Recharge increases the balance. Payment capture already happened upstream;
// externalRef is the processor correlation id and deduplicates
// webhook-originated recharges on top of the idempotency key.
func (s *Service) Recharge(ctx context.Context, code string, amount decimal.Decimal, externalRef, idemKey, actor string) (Result, error) {
	return s.apply(ctx, code, amount, idemKey, actor, model.TxRecharge, externalRef)
}

// apply is the shared redeem/recharge transition.
func (s *Service) apply(ctx context.Context, code string, amount decimal.Decimal, idemKey, actor, txType, externalRef string) (Result, error) {
	if !validAmount(amount) {
		return Result{}, ErrInvalidAmount
	}
	if !ValidCode(code) {
		return Result{}, ErrInvalidCode
	}

	var (
		res   Result
		entry *model.Transaction
	)
	err := s.run(ctx, func(ctx context.Context) error {
		entry = nil
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			card, err := s.repo.GetCardByCodeForUpdate(ctx, tx, code)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}

			// idempotency checks happen under the row lock so a duplicate
			// observed after a partial failure cannot race a fresh attempt
			existed, prior, err := s.repo.TxExists(ctx, tx, card.ID, idemKey, txType)
			if err != nil {
				return err
			}
			if !existed && externalRef != "" {
				existed, prior, err = s.repo.TxExistsByExternalRef(ctx, tx, card.ID, externalRef)
				if err != nil {
					return err
				}
			}
			if existed {
				res = Result{NewBalance: prior.BalanceAfter, TransactionID: prior.ID, Duplicate: true}
				return nil
			}

			if card.IntegrityHold {
				return fmt.Errorf("card %d: %w", card.ID, ErrIntegrity)
			}
			if !card.IsActive {
				return ErrInactive
			}
			newBal := card.CurrentBalance
			switch txType {
			case model.TxRedeem:
				if card.CurrentBalance.LessThan(amount) {
					return ErrInsufficientBalance
				}
				newBal = newBal.Sub(amount)
			case model.TxRecharge:
				newBal = newBal.Add(amount)
			default:
				return fmt.Errorf("unsupported transition %q", txType)
			}

			if err := s.repo.UpdateCardBalance(ctx, tx, card.ID, newBal, card.Version); err != nil {
				return err
			}
			entry = &model.Transaction{
				GiftCardID:    card.ID,
				Type:          txType,
				Amount:        amount,
				BalanceBefore: card.CurrentBalance,
				BalanceAfter:  newBal,
				Actor:         actor,
			}
			if idemKey != "" {
				entry.IdempotencyKey = &idemKey
			}
			if externalRef != "" {
				entry.ExternalReference = &externalRef
			}
			if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
				return err
			}
			if err := s.outbox(ctx, tx, model.AggregateGiftCard, card.ID, "BalanceChanged", map[string]interface{}{
				"card_id": card.ID,
				"type":    txType,
				"amount":  amount.StringFixed(2),
				"balance": newBal.StringFixed(2),
				"actor":   actor,
			}); err != nil {
				return err
			}
			res = Result{NewBalance: newBal, TransactionID: entry.ID}
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}
	if entry != nil {
		// cache only after the commit so a rollback never leaves the new
		// balance visible for the TTL
		if err := s.repo.CacheBalance(ctx, code, res.NewBalance, true); err != nil {
			s.log.Warnw("cache balance", "code", code, "err", err)
		}
		s.afterCommit(entry)
	}
	return res, nil
}

// ReconcileBalance aligns the stored balance with the balance the processor
// reports, recording any difference as a single signed adjustment entry. The
// delta is computed against the locked row inside the transaction, so local
// mutations cannot interleave between read and apply.
func (s *Service) ReconcileBalance(ctx context.Context, code string, reported decimal.Decimal, idemKey, actor string) (Result, error) {
	if reported.IsNegative() || reported.Exponent() < -2 {
		return Result{}, ErrInvalidAmount
	}
	if !ValidCode(code) {
		return Result{}, ErrInvalidCode
	}

	var (
		res   Result
		entry *model.Transaction
	)
	err := s.run(ctx, func(ctx context.Context) error {
		entry = nil
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			card, err := s.repo.GetCardByCodeForUpdate(ctx, tx, code)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}

			existed, prior, err := s.repo.TxExists(ctx, tx, card.ID, idemKey, model.TxAdjustment)
			if err != nil {
				return err
			}
			if existed {
				res = Result{NewBalance: prior.BalanceAfter, TransactionID: prior.ID, Duplicate: true}
				return nil
			}

			if card.IntegrityHold {
				return fmt.Errorf("card %d: %w", card.ID, ErrIntegrity)
			}
			if !card.IsActive {
				return ErrInactive
			}

			delta := reported.Sub(card.CurrentBalance)
			if delta.IsZero() {
				res = Result{NewBalance: card.CurrentBalance}
				return nil
			}

			if err := s.repo.UpdateCardBalance(ctx, tx, card.ID, reported, card.Version); err != nil {
				return err
			}
			entry = &model.Transaction{
				GiftCardID:    card.ID,
				Type:          model.TxAdjustment,
				Amount:        delta,
				BalanceBefore: card.CurrentBalance,
				BalanceAfter:  reported,
				Actor:         actor,
			}
			if idemKey != "" {
				entry.IdempotencyKey = &idemKey
			}
			if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
				return err
			}
			if err := s.outbox(ctx, tx, model.AggregateGiftCard, card.ID, "BalanceChanged", map[string]interface{}{
				"card_id": card.ID,
				"type":    model.TxAdjustment,
				"amount":  delta.StringFixed(2),
				"balance": reported.StringFixed(2),
				"actor":   actor,
			}); err != nil {
				return err
			}
			res = Result{NewBalance: reported, TransactionID: entry.ID}
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}
	if entry != nil {
		if err := s.repo.CacheBalance(ctx, code, res.NewBalance, true); err != nil {
			s.log.Warnw("cache balance", "code", code, "err", err)
		}
		s.afterCommit(entry)
	}
	return res, nil
}

// Deactivate marks the card inactive; the balance stays historically
// accurate. Calling it on an already-inactive card is a no-op.
func (s *Service) Deactivate(ctx context.Context, cardID uint64, reason, actor string) (*model.GiftCard, error) {
	var card *model.GiftCard
	err := s.run(ctx, func(ctx context.Context) error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			c, err := s.repo.GetCardByIDForUpdate(ctx, tx, cardID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !c.IsActive {
				card = c
				return nil
			}
			if err := s.repo.DeactivateCard(ctx, tx, c.ID, c.Version); err != nil {
				return err
			}
			c.IsActive = false
			c.Version++
			card = c
			return s.outbox(ctx, tx, model.AggregateGiftCard, c.ID, "CardDeactivated", map[string]interface{}{
				"card_id": c.ID,
				"reason":  reason,
				"actor":   actor,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InvalidateBalance(ctx, card.Code); err != nil {
		s.log.Warnw("invalidate balance", "code", card.Code, "err", err)
	}
	return card, nil
}

// GetBalance is a lock-free read served from redis when warm.
func (s *Service) GetBalance(ctx context.Context, code string) (decimal.Decimal, bool, error) {
	if !ValidCode(code) {
		return decimal.Zero, false, ErrInvalidCode
	}
	if bal, active, err := s.repo.GetCachedBalance(ctx, code); err == nil {
		return bal, active, nil
	}
	card, err := s.repo.GetCardByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, ErrNotFound
		}
		return decimal.Zero, false, err
	}
	if err := s.repo.CacheBalance(ctx, code, card.CurrentBalance, card.IsActive); err != nil {
		s.log.Warnw("cache balance", "code", code, "err", err)
	}
	return card.CurrentBalance, card.IsActive, nil
}

// History returns the card's ledger in creation order.
func (s *Service) History(ctx context.Context, cardID uint64) ([]model.Transaction, error) {
	return s.repo.ListTransactionsByCard(ctx, cardID)
}

// RecomputeBalance independently sums the signed log and checks the
// balance-after chain. Drift raises a critical alert and returns
// ErrIntegrity; it is never auto-corrected.
func (s *Service) RecomputeBalance(ctx context.Context, cardID uint64) (decimal.Decimal, error) {
	card, err := s.repo.GetCardByID(ctx, s.repo.DB(ctx), cardID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	entries, err := s.repo.ListTransactionsByCard(ctx, cardID)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	chainBroken := false
	for _, e := range entries {
		if !e.BalanceBefore.Add(e.SignedAmount()).Equal(e.BalanceAfter) || !e.BalanceBefore.Equal(sum) {
			chainBroken = true
		}
		sum = sum.Add(e.SignedAmount())
	}

	if sum.Equal(card.CurrentBalance) && !chainBroken {
		return sum, nil
	}

	lastID := uint64(0)
	if len(entries) > 0 {
		lastID = entries[len(entries)-1].ID
	}
	alert := &model.FraudAlert{
		GiftCardID:  &card.ID,
		AlertType:   "balance_drift",
		Severity:    model.SeverityCritical,
		Description: fmt.Sprintf("stored balance %s disagrees with recomputed %s", card.CurrentBalance.StringFixed(2), sum.StringFixed(2)),
		Metadata: mustJSON(map[string]interface{}{
			"stored":       card.CurrentBalance.StringFixed(2),
			"recomputed":   sum.StringFixed(2),
			"chain_broken": chainBroken,
			"entries":      len(entries),
		}),
		DedupeKey: fmt.Sprintf("balance_drift:%d:%d", card.ID, lastID),
	}
	// freeze further mutations until an operator investigates
	if !card.IntegrityHold {
		if err := s.repo.SetIntegrityHold(ctx, s.repo.DB(ctx), card.ID, true); err != nil {
			s.log.Errorw("set integrity hold", "card_id", card.ID, "err", err)
		}
		if err := s.repo.InvalidateBalance(ctx, card.Code); err != nil {
			s.log.Warnw("invalidate balance", "code", card.Code, "err", err)
		}
	}
	if err := s.RaiseAlert(ctx, alert); err != nil {
		s.log.Errorw("raise drift alert", "card_id", card.ID, "err", err)
	}
	return sum, fmt.Errorf("card %d: %w", card.ID, ErrIntegrity)
}

// ReleaseIntegrityHold lifts the mutation freeze after an operator has
// corrected the stored balance or the log. The release re-runs the integrity
// check first and refuses while the drift is still present.
func (s *Service) ReleaseIntegrityHold(ctx context.Context, cardID uint64, actor string) error {
	card, err := s.repo.GetCardByID(ctx, s.repo.DB(ctx), cardID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !card.IntegrityHold {
		return nil
	}
	entries, err := s.repo.ListTransactionsByCard(ctx, cardID)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.SignedAmount())
	}
	if !sum.Equal(card.CurrentBalance) {
		return fmt.Errorf("card %d still drifted: %w", cardID, ErrIntegrity)
	}
	if err := s.repo.SetIntegrityHold(ctx, s.repo.DB(ctx), cardID, false); err != nil {
		return err
	}
	s.log.Infow("integrity hold released", "card_id", cardID, "actor", actor)
	return nil
}

// RaiseAlert persists an alert (dedupe-aware) and notifies the dispatcher.
// Used by the recompute path and by webhook reconciliation.
func (s *Service) RaiseAlert(ctx context.Context, alert *model.FraudAlert) error {
	created, err := s.repo.CreateFraudAlert(ctx, alert)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	s.log.Warnw("fraud alert raised",
		"alert_type", alert.AlertType, "severity", alert.Severity, "dedupe_key", alert.DedupeKey)
	if err := s.notifier.AlertRaised(ctx, alert); err != nil {
		s.log.Warnw("alert notification failed", "dedupe_key", alert.DedupeKey, "err", err)
	}
	return nil
}

// OpenAlerts and ResolveAlert expose the operator review surface.
func (s *Service) OpenAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error) {
	return s.repo.ListOpenAlerts(ctx, limit)
}

func (s *Service) ResolveAlert(ctx context.Context, alertID uint64, resolvedBy string) error {
	return s.repo.ResolveAlert(ctx, alertID, resolvedBy)
}

// afterCommit runs the best-effort post-commit work: fraud scan and the
// immediate transaction notification. Failures are logged, never surfaced.
func (s *Service) afterCommit(entry *model.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	if err := s.notifier.TransactionRecorded(ctx, entry); err != nil {
		s.log.Warnw("transaction notification failed", "tx_id", entry.ID, "err", err)
	}

	since := time.Now().Add(-s.fraud.Lookback())
	history, err := s.repo.ListTransactionsByActorSince(ctx, entry.Actor, since)
	if err != nil {
		s.log.Warnw("fraud window query failed", "actor", entry.Actor, "err", err)
		return
	}
	for _, a := range s.fraud.Evaluate(history, *entry) {
		if err := s.RaiseAlert(ctx, a.ToModel()); err != nil {
			s.log.Warnw("persist fraud alert", "dedupe_key", a.DedupeKey, "err", err)
		}
	}
}

func (s *Service) outbox(ctx context.Context, tx *gorm.DB, aggregate string, aggregateID uint64, eventType string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(body),
	})
}

func mustJSON(v map[string]interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
