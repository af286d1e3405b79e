package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cardforge/giftcard-ledger/internal/model"
)

// Notifier delivers operator-facing notifications. Implementations are
// injected at construction time; delivery failure never rolls back the
// ledger mutation that triggered it.
type Notifier interface {
	AlertRaised(ctx context.Context, alert *model.FraudAlert) error
	TransactionRecorded(ctx context.Context, t *model.Transaction) error
}

// KafkaNotifier publishes notifications to the alert topic for the
// email/WebSocket dispatchers downstream.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaNotifier(w *kafka.Writer, log *zap.SugaredLogger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, log: log}
}

func (n *KafkaNotifier) AlertRaised(ctx context.Context, alert *model.FraudAlert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"kind":         "fraud_alert",
		"alert_id":     alert.ID,
		"gift_card_id": alert.GiftCardID,
		"alert_type":   alert.AlertType,
		"severity":     alert.Severity,
		"description":  alert.Description,
		"created_at":   alert.CreatedAt,
	})
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte("fraud_alert"),
		Value: payload,
	})
}

func (n *KafkaNotifier) TransactionRecorded(ctx context.Context, t *model.Transaction) error {
	payload, err := json.Marshal(map[string]interface{}{
		"kind":           "transaction",
		"transaction_id": t.ID,
		"gift_card_id":   t.GiftCardID,
		"type":           t.Type,
		"amount":         t.Amount.StringFixed(2),
		"balance_after":  t.BalanceAfter.StringFixed(2),
		"created_at":     t.CreatedAt,
	})
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte("transaction"),
		Value: payload,
	})
}

// Noop is used in tests and when no dispatcher is configured.
type Noop struct{}

func (Noop) AlertRaised(context.Context, *model.FraudAlert) error         { return nil }
func (Noop) TransactionRecorded(context.Context, *model.Transaction) error { return nil }
