package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cardforge/giftcard-ledger/internal/config"
	"github.com/cardforge/giftcard-ledger/internal/ledger"
	"github.com/cardforge/giftcard-ledger/internal/webhook"
)

func NewRouter(svc *ledger.Service, proc *webhook.Processor, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	RegisterHandlers(r, svc, proc, RateLimitMiddleware(rl.RPS, rl.Burst))
	return r
}
