package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"dive_service/internal/config"
	"dive_service/internal/game"
	"dive_service/internal/session"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type lockRequest struct {
	Locked *bool `json:"locked" binding:"required"`
}

type configResponse struct {
	Config                game.GameConfig `json:"config"`
	ReservationMultiplier float64         `json:"reservation_multiplier"`
	Odds                  []game.Odds     `json:"odds"`
}

func (h *Handler) startSession(c *gin.Context) {
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.Sessions.StartSession(c.Request.Context(), req.PlayerID, req.BetAmount)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id":      s.SessionID,
		"status":          s.Status,
		"current_stake":   s.CurrentStake,
		"reserved_amount": s.ReservedAmount,
		"config_version":  s.ConfigVersion,
	})
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) getActiveSession(c *gin.Context) {
	s, err := h.Sessions.ActiveFor(c.Request.Context(), c.Param("player_id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) dive(c *gin.Context) {
	res, err := h.Sessions.Dive(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) cashOut(c *gin.Context) {
	var req session.CashOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Sessions.CashOut(c.Request.Context(), c.Param("id"), req.ClaimedAmount)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getWallet(c *gin.Context) {
	w, err := h.Wallets.GetBalance(c.Request.Context(), c.Param("player_id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) getWalletTransactions(c *gin.Context) {
	txs, err := h.Wallets.History(c.Request.Context(), c.Param("player_id"), queryLimit(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) processTransaction(c *gin.Context) {
	var req wallet.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.Wallets.ProcessTransaction(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getVault(c *gin.Context) {
	st, err := h.Vault.Status(c.Request.Context(), h.Sessions.VaultID())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) getConfig(c *gin.Context) {
	cfg, err := h.Configs.Latest(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	odds := make([]game.Odds, 0, cfg.MaxRounds)
	for round := 1; round <= cfg.MaxRounds; round++ {
		odds = append(odds, game.OddsFor(round, *cfg))
	}
	c.JSON(http.StatusOK, configResponse{
		Config:                *cfg,
		ReservationMultiplier: cfg.ReservationMultiplier(),
		Odds:                  odds,
	})
}

// streamEvents relays the player's session events as server-sent events
// until the client goes away.
func (h *Handler) streamEvents(c *gin.Context) {
	playerID := c.Param("player_id")
	ch := h.Hub.Subscribe(playerID)
	defer h.Hub.Unsubscribe(playerID, ch)

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"player_id": playerID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		}
	})
}

func (h *Handler) adminVaultDeposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.Vault.Deposit(c.Request.Context(), nil, h.Sessions.VaultID(), "", game.Money(req.Amount))
	if err != nil {
		abort(c, err)
		return
	}
	h.Log.Info("vault funded", zap.String("vault_id", v.VaultID), zap.String("amount", req.Amount.String()))
	h.vaultStatus(c)
}

func (h *Handler) adminVaultWithdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.Vault.Withdraw(c.Request.Context(), nil, h.Sessions.VaultID(), game.Money(req.Amount))
	if err != nil {
		abort(c, err)
		return
	}
	h.Log.Info("vault withdrawal", zap.String("vault_id", v.VaultID), zap.String("amount", req.Amount.String()))
	h.vaultStatus(c)
}

func (h *Handler) adminVaultReconcile(c *gin.Context) {
	report, err := h.Sessions.Reconcile(c.Request.Context())
	if err != nil {
		if errors.Is(err, vault.ErrVaultInvariantViolated) && report != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
			return
		}
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) adminVaultLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.Vault.SetLocked(c.Request.Context(), h.Sessions.VaultID(), *req.Locked); err != nil {
		abort(c, err)
		return
	}
	h.vaultStatus(c)
}

func (h *Handler) adminVaultEntries(c *gin.Context) {
	entries, err := h.Vault.Entries(c.Request.Context(), h.Sessions.VaultID(), queryLimit(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) adminExpireSession(c *gin.Context) {
	s, err := h.Sessions.Expire(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// adminPublishConfig publishes the current config with the keys of the body
// applied. The body uses the YAML game config format; JSON parses the same
// way.
func (h *Handler) adminPublishConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	current, err := h.Configs.Latest(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	cfg, err := config.OverlayGameConfig(*current, body)
	if err != nil {
		if errors.Is(err, game.ErrInvalidConfig) {
			abort(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	published, err := h.Configs.Publish(c.Request.Context(), cfg)
	if err != nil {
		abort(c, err)
		return
	}
	h.Log.Info("game config published", zap.Int("version", published.Version))
	c.JSON(http.StatusCreated, published)
}

func (h *Handler) vaultStatus(c *gin.Context) {
	st, err := h.Vault.Status(c.Request.Context(), h.Sessions.VaultID())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
