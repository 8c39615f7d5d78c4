package wallet

import (
	"context"
	"errors"
	"time"

	"dive_service/internal/game"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond

	DefaultCurrency = "EUR"
)

var (
	ErrBetTooSmall            = errors.New("bet below minimum")
	ErrBetTooLarge            = errors.New("bet above maximum")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
)

type WalletService interface {
	GetBalance(ctx context.Context, playerId string) (*Wallet, error)
	ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error)
	Lock(ctx context.Context, tx *gorm.DB, playerId string) (*Wallet, error)
	ValidateAndDebit(ctx context.Context, tx *gorm.DB, playerId string, amount decimal.Decimal, cfg game.GameConfig, referenceId string) (*Transaction, error)
	Credit(ctx context.Context, tx *gorm.DB, playerId string, amount decimal.Decimal, referenceId string) (*Transaction, error)
}

type Service struct {
	repo WalletRepository
	log  *zap.Logger
}

func NewService(repo WalletRepository, log *zap.Logger) *Service {
	return &Service{repo: repo, log: log}
}

func (s *Service) GetBalance(ctx context.Context, playerId string) (*Wallet, error) {
	return s.repo.GetBalance(ctx, playerId)
}

func (s *Service) History(ctx context.Context, playerId string, limit int) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, playerId, limit)
}

// ValidateBet checks amount against the config's bet limits.
func ValidateBet(amount decimal.Decimal, cfg game.GameConfig) error {
	amount = game.Money(amount)
	if amount.LessThan(cfg.MinBet) {
		return ErrBetTooSmall
	}
	if amount.GreaterThan(cfg.MaxBet) {
		return ErrBetTooLarge
	}
	return nil
}

// Lock takes the wallet row lock inside tx. A player without a wallet has
// nothing to bet with.
func (s *Service) Lock(ctx context.Context, tx *gorm.DB, playerId string) (*Wallet, error) {
	w, err := s.repo.GetForUpdate(ctx, tx, playerId)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	return w, nil
}

// ValidateAndDebit checks the bet against the config limits and the wallet,
// then takes it as a "bet" transaction. tx must already hold the wallet row
// lock when called from a session start.
func (s *Service) ValidateAndDebit(ctx context.Context, tx *gorm.DB, playerId string, amount decimal.Decimal, cfg game.GameConfig, referenceId string) (*Transaction, error) {
	amount = game.Money(amount)
	if err := ValidateBet(amount, cfg); err != nil {
		return nil, err
	}

	var w *Wallet
	var err error
	if tx != nil {
		w, err = s.repo.GetForUpdate(ctx, tx, playerId)
	} else {
		w, err = s.repo.GetBalance(ctx, playerId)
	}
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	t := &Transaction{
		WalletID:        w.WalletID,
		PlayerID:        playerId,
		TransactionType: TypeBet,
		Amount:          amount,
		ReferenceID:     referenceId,
	}
	if err := s.repo.Debit(ctx, tx, t); err != nil {
		return nil, err
	}
	s.log.Debug("bet debited",
		zap.String("player_id", playerId),
		zap.String("amount", amount.String()),
		zap.String("reference_id", referenceId))
	return t, nil
}

// Credit pays a win into the player's wallet.
func (s *Service) Credit(ctx context.Context, tx *gorm.DB, playerId string, amount decimal.Decimal, referenceId string) (*Transaction, error) {
	amount = game.Money(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var w *Wallet
	var err error
	if tx != nil {
		w, err = s.repo.GetForUpdate(ctx, tx, playerId)
	} else {
		w, err = s.repo.GetBalance(ctx, playerId)
	}
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		WalletID:        w.WalletID,
		PlayerID:        playerId,
		TransactionType: TypeWin,
		Amount:          amount,
		ReferenceID:     referenceId,
	}
	if err := s.repo.Credit(ctx, tx, t); err != nil {
		return nil, err
	}
	s.log.Debug("win credited",
		zap.String("player_id", playerId),
		zap.String("amount", amount.String()),
		zap.String("reference_id", referenceId))
	return t, nil
}

// ProcessTransaction moves external money in or out of a wallet. Bets and
// wins only flow through sessions.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error) {
	if req.TransactionType != TypeDeposit && req.TransactionType != TypeWithdrawal {
		return nil, ErrInvalidTransactionType
	}
	req.Amount = game.Money(req.Amount)
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	//idempotency check
	existingTx, err := s.repo.GetTransactionByReference(ctx, req.ReferenceID, req.TransactionType)
	if err != nil {
		return nil, err
	}
	if existingTx != nil {
		return &TransactionResponse{
			TransactionID: existingTx.TransactionID,
			Balance:       existingTx.BalanceAfter,
			Status:        existingTx.Status,
		}, nil
	}

	wallet, err := s.repo.GetBalance(ctx, req.PlayerID)
	if err != nil {
		if !errors.Is(err, ErrWalletNotFound) {
			return nil, err
		}
		if req.TransactionType == TypeWithdrawal {
			return nil, ErrInsufficientBalance
		}
		wallet, err = s.repo.CreateWallet(ctx, req.PlayerID, DefaultCurrency)
		if err != nil {
			// lost a creation race; the other request's wallet is fine
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, err
			}
			if wallet, err = s.repo.GetBalance(ctx, req.PlayerID); err != nil {
				return nil, err
			}
		}
	}

	for i := 0; i < MaxRetries; i++ {
		tx := &Transaction{
			WalletID:        wallet.WalletID,
			PlayerID:        req.PlayerID,
			TransactionType: req.TransactionType,
			Amount:          req.Amount,
			ReferenceID:     req.ReferenceID,
		}
		if req.TransactionType == TypeDeposit {
			err = s.repo.Credit(ctx, nil, tx)
		} else {
			err = s.repo.Debit(ctx, nil, tx)
		}
		if err == nil {
			s.log.Info("wallet transaction processed",
				zap.String("player_id", req.PlayerID),
				zap.String("type", req.TransactionType),
				zap.String("amount", req.Amount.String()),
				zap.String("balance", tx.BalanceAfter.String()))
			return &TransactionResponse{
				TransactionID: tx.TransactionID,
				Balance:       tx.BalanceAfter,
				Status:        tx.Status,
			}, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		if errors.Is(err, ErrDuplicateReference) {
			// a concurrent request with the same reference won
			if existing, lookupErr := s.repo.GetTransactionByReference(ctx, req.ReferenceID, req.TransactionType); lookupErr == nil && existing != nil {
				return &TransactionResponse{
					TransactionID: existing.TransactionID,
					Balance:       existing.BalanceAfter,
					Status:        existing.Status,
				}, nil
			}
		}
		return nil, err
	}
	return nil, err
}
