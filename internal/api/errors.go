package api

import (
	"errors"
	"net/http"

	"dive_service/internal/game"
	"dive_service/internal/session"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/gin-gonic/gin"
)

var statusByError = []struct {
	err    error
	status int
}{
	{wallet.ErrBetTooSmall, http.StatusBadRequest},
	{wallet.ErrBetTooLarge, http.StatusBadRequest},
	{wallet.ErrInvalidAmount, http.StatusBadRequest},
	{wallet.ErrInvalidTransactionType, http.StatusBadRequest},
	{vault.ErrInvalidAmount, http.StatusBadRequest},
	{vault.ErrOverflow, http.StatusBadRequest},
	{game.ErrInvalidConfig, http.StatusBadRequest},
	{session.ErrInvalidPlayer, http.StatusBadRequest},

	{wallet.ErrInsufficientBalance, http.StatusPaymentRequired},

	{session.ErrSessionNotFound, http.StatusNotFound},
	{wallet.ErrWalletNotFound, http.StatusNotFound},
	{vault.ErrVaultNotFound, http.StatusNotFound},
	{game.ErrConfigNotFound, http.StatusNotFound},

	{session.ErrSessionAlreadyActive, http.StatusConflict},
	{session.ErrSessionBusy, http.StatusConflict},
	{session.ErrSessionNotActive, http.StatusConflict},
	{session.ErrMaxRoundsReached, http.StatusConflict},
	{wallet.ErrOptimisticLock, http.StatusConflict},
	{wallet.ErrDuplicateReference, http.StatusConflict},
	{vault.ErrOptimisticLock, http.StatusConflict},

	{session.ErrStakeMismatch, http.StatusUnprocessableEntity},

	{vault.ErrInsufficientVaultFunds, http.StatusServiceUnavailable},
	{vault.ErrVaultLocked, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// abort writes err with its mapped status. Integrity and unknown errors are
// not echoed to the client.
func abort(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
