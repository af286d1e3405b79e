package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardforge/giftcard-ledger/internal/ledger"
	"github.com/cardforge/giftcard-ledger/internal/model"
	"github.com/cardforge/giftcard-ledger/internal/repo"
)

// ErrUnauthorized means the signature did not verify; the event is rejected
// and never applied.
var ErrUnauthorized = errors.New("webhook signature verification failed")

// Envelope is the processor's event shape: {id, type, createdAt, data:{object}}.
type Envelope struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	CreatedAt time.Time    `json:"createdAt"`
	Data      EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	Object json.RawMessage `json:"object"`
}

// Handler applies one event category. Returning a retryable error (ledger
// contention, or a precondition miss from out-of-order delivery) re-queues
// the attempt under the internal backoff policy.
type Handler func(ctx context.Context, evt Envelope) error

// Config controls the async application path.
type Config struct {
	Secret      string
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	// RequeueInterval is how often the worker sweeps stored pending rows
	// back onto the queue, covering events dropped on a full queue.
	RequeueInterval time.Duration
}

// Processor verifies, persists and asynchronously applies processor events.
// Verification is synchronous on the receive path; ledger application runs
// on the worker so slow downstream logic never delays the acknowledgment.
type Processor struct {
	cfg      Config
	handlers map[string]Handler
	repo     repo.RepositoryInterface
	log      *zap.SugaredLogger

	queue chan uint64
	wg    sync.WaitGroup
}

func NewProcessor(cfg Config, r repo.RepositoryInterface, log *zap.SugaredLogger) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.RequeueInterval <= 0 {
		cfg.RequeueInterval = 30 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		repo:     r,
		log:      log,
		queue:    make(chan uint64, cfg.QueueSize),
	}
}

// Register installs the handler for an event type. The registry replaces the
// usual event-name switch; lookup happens once per event.
func (p *Processor) Register(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// Start launches the application worker; it drains until ctx is cancelled.
// A ticker periodically sweeps stored pending rows back onto the queue, so
// events dropped on a full queue are retried without a restart.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sweep := time.NewTicker(p.cfg.RequeueInterval)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-p.queue:
				p.process(ctx, id)
			case <-sweep.C:
				if err := p.RequeuePending(ctx); err != nil {
					p.log.Errorw("requeue pending webhooks", "err", err)
				}
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (p *Processor) Wait() { p.wg.Wait() }

// Receive handles one raw delivery: verify the signature, persist the event
// for dedupe, enqueue, acknowledge. Redelivery of a stored event id is a
// safe no-op. The only failure surfaced to the sender is ErrUnauthorized.
func (p *Processor) Receive(ctx context.Context, body []byte, signature string) error {
	if !Verify(p.cfg.Secret, body, signature) {
		p.log.Warnw("rejected webhook with bad signature", "bytes", len(body))
		return ErrUnauthorized
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" {
		// authentic but unparseable; ack so the sender stops retrying
		p.log.Warnw("dropping malformed webhook payload", "err", err)
		return nil
	}

	evt := &model.WebhookEvent{
		ProviderEventID: env.ID,
		EventType:       env.Type,
		Payload:         string(body),
		SignatureValid:  true,
		Status:          model.WebhookPending,
	}
	inserted, err := p.repo.InsertWebhookEvent(ctx, evt)
	if err != nil {
		return err
	}
	if !inserted {
		p.log.Infow("duplicate webhook delivery", "event_id", env.ID)
		return nil
	}

	select {
	case p.queue <- evt.ID:
	default:
		// row stays pending; the periodic sweep picks it up
		p.log.Warnw("webhook queue full, leaving event pending", "event_id", env.ID)
	}
	return nil
}

// RequeuePending re-enqueues stored pending events, e.g. after a restart.
func (p *Processor) RequeuePending(ctx context.Context) error {
	var rows []model.WebhookEvent
	if err := p.repo.DB(ctx).
		Where("status = ?", model.WebhookPending).
		Order("id").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		select {
		case p.queue <- row.ID:
		default:
			return nil
		}
	}
	return nil
}

func (p *Processor) process(ctx context.Context, id uint64) {
	evt, err := p.repo.GetWebhookEvent(ctx, id)
	if err != nil {
		p.log.Errorw("load webhook event", "id", id, "err", err)
		return
	}
	if evt.Status != model.WebhookPending {
		// the sweep can enqueue an id the worker already settled
		return
	}

	handler, ok := p.handlers[evt.EventType]
	if !ok {
		// unrecognized category is not a processing failure
		p.log.Infow("ignoring unknown webhook type", "event_type", evt.EventType, "event_id", evt.ProviderEventID)
		if err := p.repo.MarkWebhookEvent(ctx, id, model.WebhookIgnored, evt.Attempts, ""); err != nil {
			p.log.Errorw("mark webhook ignored", "id", id, "err", err)
		}
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(evt.Payload), &env); err != nil {
		p.markFailed(ctx, id, evt.Attempts, err)
		return
	}

	backoff := p.cfg.BaseBackoff
	attempts := evt.Attempts
	for attempts < p.cfg.MaxAttempts {
		attempts++
		err = handler(ctx, env)
		if err == nil {
			if markErr := p.repo.MarkWebhookEvent(ctx, id, model.WebhookProcessed, attempts, ""); markErr != nil {
				p.log.Errorw("mark webhook processed", "id", id, "err", markErr)
			}
			return
		}
		if !retryable(err) {
			break
		}
		p.log.Warnw("webhook apply retry",
			"event_id", env.ID, "event_type", env.Type, "attempt", attempts, "err", err)
		select {
		case <-ctx.Done():
			// leave pending with the attempt count recorded
			_ = p.repo.MarkWebhookEvent(ctx, id, model.WebhookPending, attempts, err.Error())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err == nil {
		// loop never ran: the stored attempt count was already exhausted
		err = fmt.Errorf("retry attempts exhausted (%d)", attempts)
	}
	p.markFailed(ctx, id, attempts, err)
}

func (p *Processor) markFailed(ctx context.Context, id uint64, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	p.log.Errorw("webhook application failed", "id", id, "attempts", attempts, "err", cause)
	if err := p.repo.MarkWebhookEvent(ctx, id, model.WebhookFailed, attempts, msg); err != nil {
		p.log.Errorw("mark webhook failed", "id", id, "err", err)
	}
}

// retryable: contention resolves on its own; NotFound covers out-of-order
// delivery where the event referencing a card arrives before its issue.
func retryable(err error) bool {
	return errors.Is(err, ledger.ErrContention) || errors.Is(err, ledger.ErrNotFound)
}
