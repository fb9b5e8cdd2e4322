// Package withdrawal orchestrates external fund movement. Outbound requests
// reserve funds at creation and release or burn the reservation depending on
// how the chain send resolves; inbound deposits are credited exactly once per
// chain transaction hash.
package withdrawal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/juryim/betcore/internal/config"
	"github.com/juryim/betcore/internal/ledger"
	"github.com/juryim/betcore/internal/notification"
	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/metrics"
	"github.com/juryim/betcore/pkg/models"
)

// Chain is the external blockchain capability. Implementations wrap node RPC
// clients per network; transient failures must be returned as *errs.ChainError
// so the orchestrator retries instead of failing the request.
type Chain interface {
	Send(ctx context.Context, network, address string, amount decimal.Decimal) (txHash string, err error)
	GetConfirmations(ctx context.Context, network, txHash string) (int, error)
}

// Service orchestrates withdrawal requests and deposit crediting.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   *ledger.Service
	chain    Chain
	notifier notification.Notifier
	cfg      config.WithdrawalConfig
}

// NewService creates a withdrawal service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, chain Chain, notifier notification.Notifier, cfg config.WithdrawalConfig) (*Service, error) {
	return &Service{
		logger:   logger,
		db:       db,
		ledger:   ledgerSvc,
		chain:    chain,
		notifier: notifier,
		cfg:      cfg,
	}, nil
}

// CalculateFee computes the withdrawal fee: percentage of the amount floored
// to 8 decimals, never below the configured minimum.
func (s *Service) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(s.cfg.FeePercentage).Div(decimal.NewFromInt(100)).Truncate(8)
	if fee.LessThan(s.cfg.MinFee) {
		return s.cfg.MinFee
	}
	return fee
}

// CreateWithdrawal validates the request against the network minimum, reserves
// amount+fee on the account and records a pending request, all-or-nothing.
func (s *Service) CreateWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, address, network string) (*models.WithdrawalRequest, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	network = strings.ToUpper(network)
	min, ok := s.cfg.NetworkMinimums[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if amount.LessThan(min) {
		return nil, fmt.Errorf("%w: %s minimum is %s", errs.ErrInvalidAmount, network, min)
	}
	if address == "" {
		return nil, fmt.Errorf("withdrawal address is required")
	}

	account, err := s.ledger.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	fee := s.CalculateFee(amount)
	now := time.Now()
	request := &models.WithdrawalRequest{
		ID:        uuid.New(),
		AccountID: account.ID,
		Amount:    amount,
		Fee:       fee,
		Address:   address,
		Network:   network,
		Status:    models.WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The reservation writes no transaction row; the single withdrawal
		// row is written when the frozen funds actually leave at completion.
		ok, err := s.ledger.FreezeTx(tx, userID, amount.Add(fee))
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrInsufficientFunds
		}
		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("failed to create withdrawal request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal requested",
		zap.String("request_id", request.ID.String()),
		zap.String("network", network),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()))
	return request, nil
}

// GetWithdrawal returns one request by id.
func (s *Service) GetWithdrawal(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	var request models.WithdrawalRequest
	if err := s.db.WithContext(ctx).Where("id = ?", requestID).First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find withdrawal request: %w", err)
	}
	return &request, nil
}

// GetWithdrawals returns a user's withdrawal history, newest first.
func (s *Service) GetWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.WithdrawalRequest, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	var requests []*models.WithdrawalRequest
	if err := s.db.WithContext(ctx).Where("account_id = ?", account.ID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to find withdrawal requests: %w", err)
	}
	return requests, nil
}

// ProcessWithdrawal pushes one pending request through the chain. The
// pending->processing flip is guarded so concurrent workers cannot double-send.
// Chain errors are retried with backoff up to the configured limit; when
// retries are exhausted the request stays in processing for reconciliation.
// A definitive send failure releases the reservation and fails the request; a
// successful send burns the reservation and completes it.
func (s *Service) ProcessWithdrawal(ctx context.Context, requestID uuid.UUID) error {
	request, err := s.GetWithdrawal(ctx, requestID)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.WithdrawalRequest{}).
		Where("id = ? AND status = ?", request.ID, models.WithdrawalPending).
		Updates(map[string]interface{}{
			"status":     models.WithdrawalProcessing,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to start processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrInvalidGameState
	}

	var txHash string
	var sendErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		txHash, sendErr = s.chain.Send(ctx, request.Network, request.Address, request.Amount)
		if sendErr == nil {
			break
		}
		if !errs.IsRetryable(sendErr) {
			break
		}
		s.logger.Warn("chain send failed, retrying",
			zap.String("request_id", request.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(sendErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryBackoff << uint(attempt)):
		}
	}

	if sendErr != nil {
		if errs.IsRetryable(sendErr) {
			// Funds stay reserved; ReconcileStuck picks the request up later.
			s.logger.Error("chain send retries exhausted",
				zap.String("request_id", request.ID.String()), zap.Error(sendErr))
			return sendErr
		}
		return s.failWithdrawal(ctx, request, sendErr.Error())
	}
	return s.completeWithdrawal(ctx, request, txHash)
}

func (s *Service) completeWithdrawal(ctx context.Context, request *models.WithdrawalRequest, txHash string) error {
	account, err := s.accountOwner(ctx, request.AccountID)
	if err != nil {
		return err
	}
	now := time.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WithdrawalRequest{}).
			Where("id = ? AND status = ?", request.ID, models.WithdrawalProcessing).
			Updates(map[string]interface{}{
				"status":           models.WithdrawalCompleted,
				"transaction_hash": txHash,
				"updated_at":       now,
				"completed_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to complete withdrawal: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidGameState
		}

		_, err := s.ledger.DebitFrozenTx(tx, account.UserID, request.Amount, request.Fee, request.ID.String())
		return err
	})
	if err != nil {
		return err
	}

	metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalCompleted).Inc()
	s.notifier.Notify(ctx, account.UserID, notification.EventWithdrawalCompleted, map[string]interface{}{
		"request_id": request.ID.String(),
		"network":    request.Network,
		"amount":     request.Amount.String(),
		"tx_hash":    txHash,
	})
	s.logger.Info("withdrawal completed",
		zap.String("request_id", request.ID.String()),
		zap.String("tx_hash", txHash))
	return nil
}

func (s *Service) failWithdrawal(ctx context.Context, request *models.WithdrawalRequest, reason string) error {
	account, err := s.accountOwner(ctx, request.AccountID)
	if err != nil {
		return err
	}
	now := time.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WithdrawalRequest{}).
			Where("id = ? AND status IN ?", request.ID, []string{models.WithdrawalPending, models.WithdrawalProcessing}).
			Updates(map[string]interface{}{
				"status":      models.WithdrawalFailed,
				"admin_notes": reason,
				"updated_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to fail withdrawal: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidGameState
		}

		ok, err := s.ledger.UnfreezeTx(tx, account.UserID, request.Amount.Add(request.Fee))
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrInsufficientFunds
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalFailed).Inc()
	s.notifier.Notify(ctx, account.UserID, notification.EventWithdrawalFailed, map[string]interface{}{
		"request_id": request.ID.String(),
		"reason":     reason,
	})
	s.logger.Warn("withdrawal failed, reservation released",
		zap.String("request_id", request.ID.String()),
		zap.String("reason", reason))
	return nil
}

// ProcessPending drives every pending request through ProcessWithdrawal.
// Returns the number of requests that reached completed.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	var requests []*models.WithdrawalRequest
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.WithdrawalPending).
		Order("created_at ASC").Find(&requests).Error; err != nil {
		return 0, fmt.Errorf("failed to find pending withdrawals: %w", err)
	}

	processed := 0
	for _, request := range requests {
		if err := s.ProcessWithdrawal(ctx, request.ID); err != nil {
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			s.logger.Error("failed to process withdrawal",
				zap.String("request_id", request.ID.String()), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// ReconcileStuck inspects processing requests older than the processing
// timeout. A request with a confirmed chain transaction is completed; one
// with no transaction hash is failed and refunded.
func (s *Service) ReconcileStuck(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.ProcessingTimeout)

	var requests []*models.WithdrawalRequest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.WithdrawalProcessing, cutoff).
		Find(&requests).Error; err != nil {
		return 0, fmt.Errorf("failed to find stuck withdrawals: %w", err)
	}

	reconciled := 0
	for _, request := range requests {
		var err error
		resolved := true
		if request.TransactionHash == "" {
			err = s.failWithdrawal(ctx, request, "no chain transaction after processing timeout")
		} else {
			var confirmations int
			confirmations, err = s.chain.GetConfirmations(ctx, request.Network, request.TransactionHash)
			if err == nil {
				if confirmations >= s.cfg.ConfirmationThreshold {
					err = s.completeWithdrawal(ctx, request, request.TransactionHash)
				} else {
					// Sent but not yet confirmed; leave it for the next sweep.
					resolved = false
				}
			}
		}
		if err != nil {
			s.logger.Error("failed to reconcile withdrawal",
				zap.String("request_id", request.ID.String()), zap.Error(err))
			continue
		}
		if resolved {
			reconciled++
		}
	}
	return reconciled, nil
}

// CancelStale cancels pending requests older than the stale age and releases
// their reservations.
func (s *Service) CancelStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.StaleAge)

	var requests []*models.WithdrawalRequest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.WithdrawalPending, cutoff).
		Find(&requests).Error; err != nil {
		return 0, fmt.Errorf("failed to find stale withdrawals: %w", err)
	}

	cancelled := 0
	for _, request := range requests {
		account, err := s.accountOwner(ctx, request.AccountID)
		if err != nil {
			s.logger.Error("failed to resolve withdrawal account",
				zap.String("request_id", request.ID.String()), zap.Error(err))
			continue
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.WithdrawalRequest{}).
				Where("id = ? AND status = ?", request.ID, models.WithdrawalPending).
				Updates(map[string]interface{}{
					"status":      models.WithdrawalCancelled,
					"admin_notes": "cancelled as stale",
					"updated_at":  time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to cancel withdrawal: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errs.ErrInvalidGameState
			}
			ok, err := s.ledger.UnfreezeTx(tx, account.UserID, request.Amount.Add(request.Fee))
			if err != nil {
				return err
			}
			if !ok {
				return errs.ErrInsufficientFunds
			}
			return nil
		})
		if err != nil {
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			s.logger.Error("failed to cancel stale withdrawal",
				zap.String("request_id", request.ID.String()), zap.Error(err))
			continue
		}
		metrics.WithdrawalsProcessed.WithLabelValues(models.WithdrawalCancelled).Inc()
		cancelled++
	}
	return cancelled, nil
}

// GetOrCreateDepositAddress returns the account's receiving address for a
// network, deriving one on first use.
func (s *Service) GetOrCreateDepositAddress(ctx context.Context, userID uuid.UUID, network string) (*models.DepositAddress, error) {
	network = strings.ToUpper(network)
	if _, ok := s.cfg.NetworkMinimums[network]; !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	account, err := s.ledger.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	var addr models.DepositAddress
	err = s.db.WithContext(ctx).
		Where("account_id = ? AND network = ?", account.ID, network).
		First(&addr).Error
	if err == nil {
		return &addr, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find deposit address: %w", err)
	}

	addr = models.DepositAddress{
		ID:        uuid.New(),
		AccountID: account.ID,
		Network:   network,
		Address:   deriveAddress(account.ID, network),
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&addr).Error; err != nil {
		// Lost a creation race; the composite unique index guarantees one row.
		var existing models.DepositAddress
		if ferr := s.db.WithContext(ctx).
			Where("account_id = ? AND network = ?", account.ID, network).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create deposit address: %w", err)
	}
	return &addr, nil
}

// deriveAddress produces a deterministic pseudo-address. Production wiring
// replaces this with per-network key derivation behind the Chain capability.
func deriveAddress(accountID uuid.UUID, network string) string {
	sum := sha256.Sum256([]byte(accountID.String() + "_" + network))
	return strings.ToLower(network) + "1" + hex.EncodeToString(sum[:16])
}

// RecordDeposit registers an observed inbound chain transaction. Duplicate
// hashes return the existing record unchanged.
func (s *Service) RecordDeposit(ctx context.Context, userID uuid.UUID, network, txHash string, amount decimal.Decimal, confirmations int) (*models.Deposit, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	account, err := s.ledger.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	deposit := &models.Deposit{
		ID:            uuid.New(),
		AccountID:     account.ID,
		Network:       strings.ToUpper(network),
		Amount:        amount,
		TxHash:        txHash,
		Confirmations: confirmations,
		Status:        models.DepositPending,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(deposit).Error; err != nil {
		var existing models.Deposit
		if ferr := s.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	if confirmations >= s.cfg.ConfirmationThreshold {
		if err := s.creditDeposit(ctx, account.UserID, deposit); err != nil {
			return nil, err
		}
	}
	return deposit, nil
}

// CheckDepositConfirmations refreshes confirmation counts for pending deposits
// and credits those that crossed the threshold. Returns the number credited.
func (s *Service) CheckDepositConfirmations(ctx context.Context) (int, error) {
	var deposits []*models.Deposit
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.DepositPending).
		Find(&deposits).Error; err != nil {
		return 0, fmt.Errorf("failed to find pending deposits: %w", err)
	}

	credited := 0
	for _, deposit := range deposits {
		confirmations, err := s.chain.GetConfirmations(ctx, deposit.Network, deposit.TxHash)
		if err != nil {
			s.logger.Warn("failed to check deposit confirmations",
				zap.String("tx_hash", deposit.TxHash), zap.Error(err))
			continue
		}
		if confirmations != deposit.Confirmations {
			s.db.WithContext(ctx).Model(&models.Deposit{}).
				Where("id = ?", deposit.ID).
				Update("confirmations", confirmations)
			deposit.Confirmations = confirmations
		}
		if confirmations < s.cfg.ConfirmationThreshold {
			continue
		}

		account, err := s.accountOwner(ctx, deposit.AccountID)
		if err != nil {
			s.logger.Error("failed to resolve deposit account",
				zap.String("tx_hash", deposit.TxHash), zap.Error(err))
			continue
		}
		if err := s.creditDeposit(ctx, account.UserID, deposit); err != nil {
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			s.logger.Error("failed to credit deposit",
				zap.String("tx_hash", deposit.TxHash), zap.Error(err))
			continue
		}
		credited++
	}
	return credited, nil
}

// creditDeposit flips the deposit to credited and credits the account in one
// database transaction. The guarded status flip makes the credit at-most-once
// even when two checkers race over the same deposit, and a failed credit
// rolls the flip back so the deposit stays pending for the next sweep.
func (s *Service) creditDeposit(ctx context.Context, userID uuid.UUID, deposit *models.Deposit) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Deposit{}).
			Where("id = ? AND status = ?", deposit.ID, models.DepositPending).
			Updates(map[string]interface{}{
				"status":      models.DepositCredited,
				"credited_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark deposit credited: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidGameState
		}

		_, err := s.ledger.CreditTx(tx, userID, deposit.Amount, models.TxDeposit, deposit.TxHash, "")
		return err
	})
	if err != nil {
		return err
	}

	deposit.Status = models.DepositCredited
	deposit.CreditedAt = &now

	s.notifier.Notify(ctx, userID, notification.EventDepositCredited, map[string]interface{}{
		"tx_hash": deposit.TxHash,
		"network": deposit.Network,
		"amount":  deposit.Amount.String(),
	})
	return nil
}

func (s *Service) accountOwner(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}
