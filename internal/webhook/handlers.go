package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cardforge/giftcard-ledger/internal/ledger"
	"github.com/cardforge/giftcard-ledger/internal/model"
	"github.com/cardforge/giftcard-ledger/internal/repo"
)

// reconActor is recorded on ledger entries produced by reconciliation.
const reconActor = "processor"

// LedgerHandlers maps processor event categories onto ledger operations.
// Every mutation carries the event id as its idempotency key, so redelivery
// and re-application are no-ops at the ledger.
type LedgerHandlers struct {
	svc  *ledger.Service
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// RegisterLedgerHandlers installs the full event-category registry.
func RegisterLedgerHandlers(p *Processor, svc *ledger.Service, r repo.RepositoryInterface, log *zap.SugaredLogger) {
	h := &LedgerHandlers{svc: svc, repo: r, log: log}
	p.Register("payment.confirmed", h.PaymentConfirmed)
	p.Register("payment.failed", h.PaymentFailed)
	p.Register("card.balance_changed", h.BalanceChanged)
	p.Register("dispute.opened", h.DisputeOpened)
	p.Register("authorization.revoked", h.AuthorizationRevoked)
	p.Register("customer.linked", h.CustomerLinked)
	p.Register("customer.unlinked", h.CustomerUnlinked)
}

type paymentObject struct {
	Code      string `json:"code"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

type balanceObject struct {
	Code    string `json:"code"`
	Balance string `json:"balance"`
}

type customerObject struct {
	Code           string `json:"code"`
	ExternalCardID string `json:"external_card_id"`
}

// PaymentConfirmed applies a captured payment as a recharge.
func (h *LedgerHandlers) PaymentConfirmed(ctx context.Context, evt Envelope) error {
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(obj.Amount)
	if err != nil {
		return fmt.Errorf("payment amount %q: %w", obj.Amount, err)
	}
	ref := obj.Reference
	if ref == "" {
		ref = evt.ID
	}
	res, err := h.svc.Recharge(ctx, obj.Code, amount, ref, evt.ID, reconActor)
	if err != nil {
		return err
	}
	if res.Duplicate {
		h.log.Infow("payment already applied", "event_id", evt.ID, "reference", ref)
	}
	return nil
}

// PaymentFailed is informational for the ledger; the capture never happened
// so there is nothing to reverse.
func (h *LedgerHandlers) PaymentFailed(ctx context.Context, evt Envelope) error {
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	h.log.Warnw("processor reported payment failure",
		"event_id", evt.ID, "code", obj.Code, "reference", obj.Reference, "reason", obj.Reason)
	return nil
}

// BalanceChanged reconciles the processor's view of a card balance against
// the local ledger. The delta is computed against the locked card row inside
// the ledger transaction and recorded as one adjustment entry keyed by the
// event id, so local mutations cannot slip between read and apply.
func (h *LedgerHandlers) BalanceChanged(ctx context.Context, evt Envelope) error {
	var obj balanceObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	remote, err := decimal.NewFromString(obj.Balance)
	if err != nil {
		return fmt.Errorf("remote balance %q: %w", obj.Balance, err)
	}
	_, err = h.svc.ReconcileBalance(ctx, obj.Code, remote, evt.ID, reconActor)
	return err
}

// DisputeOpened always raises a high-severity alert regardless of any
// ledger effect.
func (h *LedgerHandlers) DisputeOpened(ctx context.Context, evt Envelope) error {
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	alert := &model.FraudAlert{
		AlertType:   "dispute_opened",
		Severity:    model.SeverityHigh,
		Description: fmt.Sprintf("processor dispute %s: %s", obj.Reference, obj.Reason),
		Metadata:    string(evt.Data.Object),
		DedupeKey:   "dispute:" + evt.ID,
	}
	if card, err := h.repo.GetCardByCode(ctx, obj.Code); err == nil {
		alert.GiftCardID = &card.ID
	}
	return h.svc.RaiseAlert(ctx, alert)
}

// AuthorizationRevoked deactivates the card and raises a critical alert.
func (h *LedgerHandlers) AuthorizationRevoked(ctx context.Context, evt Envelope) error {
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	alert := &model.FraudAlert{
		AlertType:   "authorization_revoked",
		Severity:    model.SeverityCritical,
		Description: fmt.Sprintf("processor revoked authorization, reference %s", obj.Reference),
		Metadata:    string(evt.Data.Object),
		DedupeKey:   "auth_revoked:" + evt.ID,
	}

	card, err := h.repo.GetCardByCode(ctx, obj.Code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// alert even when the card is unknown locally
			if raiseErr := h.svc.RaiseAlert(ctx, alert); raiseErr != nil {
				return raiseErr
			}
			return ledger.ErrNotFound
		}
		return err
	}
	alert.GiftCardID = &card.ID
	if err := h.svc.RaiseAlert(ctx, alert); err != nil {
		return err
	}
	_, err = h.svc.Deactivate(ctx, card.ID, "authorization revoked by processor", reconActor)
	return err
}

// CustomerLinked records the processor-side card reference.
func (h *LedgerHandlers) CustomerLinked(ctx context.Context, evt Envelope) error {
	var obj customerObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	card, err := h.repo.GetCardByCode(ctx, obj.Code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrNotFound
		}
		return err
	}
	ext := obj.ExternalCardID
	return h.repo.SetExternalCardID(ctx, h.repo.DB(ctx), card.ID, &ext)
}

// CustomerUnlinked clears it.
func (h *LedgerHandlers) CustomerUnlinked(ctx context.Context, evt Envelope) error {
	var obj customerObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return err
	}
	card, err := h.repo.GetCardByCode(ctx, obj.Code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrNotFound
		}
		return err
	}
	return h.repo.SetExternalCardID(ctx, h.repo.DB(ctx), card.ID, nil)
}
