package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cardforge/giftcard-ledger/internal/config"
	"github.com/cardforge/giftcard-ledger/internal/fraud"
	"github.com/cardforge/giftcard-ledger/internal/ledger"
	"github.com/cardforge/giftcard-ledger/internal/logger"
	"github.com/cardforge/giftcard-ledger/internal/model"
	"github.com/cardforge/giftcard-ledger/internal/notify"
	"github.com/cardforge/giftcard-ledger/internal/repo"
	httptransport "github.com/cardforge/giftcard-ledger/internal/transport/http"
	"github.com/cardforge/giftcard-ledger/internal/webhook"
	"github.com/shopspring/decimal"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.GiftCard{}, &model.Transaction{}, &model.FraudAlert{},
		&model.WebhookEvent{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writers: durable ledger events via outbox, alerts direct
	eventWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.EventTopic,
		Balancer: &kafka.LeastBytes{},
	}
	alertWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.AlertTopic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, fraud engine, notifier, ledger service
	repository := repo.NewRepository(gdb, rdb, eventWriter, log)

	fraudCfg, err := fraudConfig(cfg.Fraud)
	if err != nil {
		log.Fatalf("fraud config: %v", err)
	}
	engine := fraud.NewEngine(fraudCfg)

	notifier := notify.NewKafkaNotifier(alertWriter, log)

	minAmt, maxAmt, err := cfg.Ledger.Bounds()
	if err != nil {
		log.Fatalf("ledger config: %v", err)
	}
	svc := ledger.NewService(repository, engine, notifier, log, ledger.Config{
		MinIssueAmount: minAmt,
		MaxIssueAmount: maxAmt,
		OpTimeout:      cfg.Ledger.OpTimeout(),
	})

	// 7. webhook processor with the full handler registry
	proc := webhook.NewProcessor(webhook.Config{
		Secret:          cfg.Webhook.Secret,
		QueueSize:       cfg.Webhook.QueueSize,
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		BaseBackoff:     time.Duration(cfg.Webhook.BaseBackoffMS) * time.Millisecond,
		RequeueInterval: time.Duration(cfg.Webhook.RequeueIntervalSeconds) * time.Second,
	}, repository, log)
	webhook.RegisterLedgerHandlers(proc, svc, repository, log)
	proc.Start(context.Background())
	if err := proc.RequeuePending(context.Background()); err != nil {
		log.Warnf("requeue pending webhooks: %v", err)
	}

	// 8. gin router
	router := httptransport.NewRouter(svc, proc, cfg.RateLimit, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("giftcard-ledger listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func fraudConfig(fc config.FraudConfig) (fraud.Config, error) {
	minAmt, err := decimal.NewFromString(fc.VelocityMinAmount)
	if err != nil {
		return fraud.Config{}, fmt.Errorf("velocity_min_amount: %w", err)
	}
	large, err := decimal.NewFromString(fc.LargeRedemptionAmount)
	if err != nil {
		return fraud.Config{}, fmt.Errorf("large_redemption_amount: %w", err)
	}
	return fraud.Config{
		VelocityWindow:    time.Duration(fc.VelocityWindowMinutes) * time.Minute,
		VelocityCount:     fc.VelocityCount,
		VelocityMinAmount: minAmt,
		LargeRedemption:   large,
	}, nil
}
