package api

import (
	"time"

	"dive_service/internal/events"
	"dive_service/internal/game"
	"dive_service/internal/metrics"
	"dive_service/internal/session"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const AdminTokenHeader = "X-Admin-Token"

type Handler struct {
	Sessions   *session.Manager
	Wallets    *wallet.Service
	Vault      *vault.Ledger
	Configs    game.ConfigRepository
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	AdminToken string
	Origins    []string

	// Heartbeat is the keep-alive period of event streams.
	Heartbeat time.Duration
}

func NewRouter(h *Handler) *gin.Engine {
	if h.Heartbeat <= 0 {
		h.Heartbeat = 15 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.Log))
	r.Use(requestMetrics(h.Metrics))
	r.Use(cors(h.Origins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "success",
			"message": "dive service is running",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))

	r.GET("/config", h.getConfig)
	r.GET("/vault", h.getVault)

	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.startSession)
		sessions.GET("/:id", h.getSession)
		sessions.POST("/:id/dive", h.dive)
		sessions.POST("/:id/cashout", h.cashOut)
	}

	r.GET("/wallets/:player_id", h.getWallet)
	r.GET("/wallets/:player_id/transactions", h.getWalletTransactions)
	r.POST("/wallets/transaction", h.processTransaction)

	r.GET("/players/:player_id/session", h.getActiveSession)
	r.GET("/players/:player_id/events", h.streamEvents)

	admin := r.Group("/admin")
	admin.Use(adminOnly(h.AdminToken))
	{
		admin.POST("/vault/deposit", h.adminVaultDeposit)
		admin.POST("/vault/withdraw", h.adminVaultWithdraw)
		admin.POST("/vault/reconcile", h.adminVaultReconcile)
		admin.POST("/vault/lock", h.adminVaultLock)
		admin.GET("/vault/entries", h.adminVaultEntries)
		admin.POST("/sessions/:id/expire", h.adminExpireSession)
		admin.POST("/config", h.adminPublishConfig)
	}

	return r
}
