// Package ledger is the sole mutator of account balances. Every movement of
// funds in or out of an account is recorded exactly once in the immutable
// transaction log: a Reserve pre-books the outflow with its audit row, a
// plain Freeze shifts money between available and frozen with no row until
// the funds actually leave. Once reservations settle, the log (amounts minus
// fees) sums to available+frozen. Concurrent operations on the same account
// serialize through guarded conditional updates inside database transactions.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/metrics"
	"github.com/juryim/betcore/pkg/models"
)

// Balance is the spendable/reserved breakdown returned to collaborators.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Total     decimal.Decimal `json:"total"`
}

var creditTypes = map[string]bool{
	models.TxDeposit:    true,
	models.TxBetWin:     true,
	models.TxRefund:     true,
	models.TxAdjustment: true,
}

var debitTypes = map[string]bool{
	models.TxWithdrawal: true,
	models.TxBetLoss:    true,
	models.TxFee:        true,
	models.TxAdjustment: true,
}

// Service implements Ledger on a gorm database.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{logger: logger, db: db}, nil
}

// GetOrCreateAccount returns the account for a user, creating it on first use.
func (s *Service) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	return s.getOrCreate(s.db.WithContext(ctx), userID)
}

func (s *Service) getOrCreate(tx *gorm.DB, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := tx.Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	account = models.Account{
		ID:             uuid.New(),
		UserID:         userID,
		Balance:        decimal.Zero,
		FrozenBalance:  decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := tx.Create(&account).Error; err != nil {
		// Lost a creation race; the unique index on user_id guarantees one row.
		var existing models.Account
		if ferr := tx.Where("user_id = ?", userID).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &account, nil
}

// GetAccount returns the account for a user.
func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// GetBalance returns the available/frozen/total breakdown for a user.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	account, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Available: account.Balance,
		Frozen:    account.FrozenBalance,
		Total:     account.Balance.Add(account.FrozenBalance),
	}, nil
}

// GetAccountTransactions returns the transaction log for a user, newest first.
func (s *Service) GetAccountTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("account_id = ?", account.ID).Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var transactions []*models.Transaction
	if err := s.db.WithContext(ctx).Where("account_id = ?", account.ID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&transactions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find transactions: %w", err)
	}
	return transactions, count, nil
}

// Credit increases the available balance and records a completed transaction.
// Deposits also increase the lifetime total_deposited counter.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	var transaction *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transaction, err = s.CreditTx(tx, userID, amount, txType, referenceID, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// CreditTx is Credit running inside an existing database transaction, for
// callers that pair the credit with their own guarded status flip (deposit
// crediting).
func (s *Service) CreditTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	if !creditTypes[txType] {
		return nil, fmt.Errorf("unsupported credit type %q", txType)
	}

	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"balance":    gorm.Expr("balance + ?", amount),
		"updated_at": time.Now(),
	}
	if txType == models.TxDeposit {
		updates["total_deposited"] = gorm.Expr("total_deposited + ?", amount)
	}
	if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	transaction, err := createTransaction(tx, account.ID, txType, amount, decimal.Zero, referenceID, metadata)
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

// Debit decreases the available balance, failing with ErrInsufficientFunds
// when the balance cannot cover the amount. Withdrawals also increase
// total_withdrawn.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	if !debitTypes[txType] {
		return nil, fmt.Errorf("unsupported debit type %q", txType)
	}

	var transaction *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.getOrCreate(tx, userID)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		}
		if txType == models.TxWithdrawal {
			updates["total_withdrawn"] = gorm.Expr("total_withdrawn + ?", amount)
		}
		// The balance guard in the WHERE clause is what makes two concurrent
		// debits on one account safe: only one can pass when funds cover one.
		res := tx.Model(&models.Account{}).
			Where("id = ? AND balance >= ?", account.ID, amount).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to debit account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInsufficientFunds
		}

		transaction, err = createTransaction(tx, account.ID, txType, amount.Neg(), decimal.Zero, referenceID, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

// Freeze moves amount from available to frozen. Returns false without error
// when the available balance cannot cover the amount; the caller decides.
// No transaction row is written: a freeze is a reservation, not a movement of
// funds in or out of the account.
func (s *Service) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	ok := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = s.FreezeTx(tx, userID, amount)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// FreezeTx is Freeze running inside an existing database transaction, for
// callers that pair the reservation with their own request row.
func (s *Service) FreezeTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return false, errs.ErrInvalidAmount
	}
	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return false, err
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND balance >= ?", account.ID, amount).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - ?", amount),
			"frozen_balance": gorm.Expr("frozen_balance + ?", amount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to freeze funds: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Unfreeze moves amount from frozen back to available. Returns false when the
// frozen balance cannot cover the amount.
func (s *Service) Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	ok := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = s.UnfreezeTx(tx, userID, amount)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// UnfreezeTx is Unfreeze running inside an existing database transaction.
func (s *Service) UnfreezeTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return false, errs.ErrInvalidAmount
	}
	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return false, err
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND frozen_balance >= ?", account.ID, amount).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance + ?", amount),
			"frozen_balance": gorm.Expr("frozen_balance - ?", amount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to unfreeze funds: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Reserve atomically moves amount from available to frozen and records a
// completed transaction of the given type. Used by bet placement and
// withdrawal creation so the reservation and its audit row commit together.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}

	var transaction *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transaction, err = s.reserveTx(tx, userID, amount, txType, referenceID, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

// ReserveTx is Reserve running inside an existing database transaction, for
// callers that must commit the reservation together with their own rows
// (bet placement, withdrawal creation).
func (s *Service) ReserveTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	transaction, err := s.reserveTx(tx, userID, amount, txType, referenceID, metadata)
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

func (s *Service) reserveTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, txType, referenceID, metadata string) (*models.Transaction, error) {
	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return nil, err
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND balance >= ?", account.ID, amount).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - ?", amount),
			"frozen_balance": gorm.Expr("frozen_balance + ?", amount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reserve funds: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrInsufficientFunds
	}

	return createTransaction(tx, account.ID, txType, amount.Neg(), decimal.Zero, referenceID, metadata)
}

// ReleaseAndCredit atomically reduces the frozen balance by releaseAmount and
// increases the available balance by creditAmount, recording the credited
// amount. A win releases the stake reservation and credits more than was
// frozen; a loss releases with zero credit (the house keeps the reservation).
func (s *Service) ReleaseAndCredit(ctx context.Context, userID uuid.UUID, releaseAmount, creditAmount decimal.Decimal, txType, referenceID string) (*models.Transaction, error) {
	if releaseAmount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	if creditAmount.IsNegative() {
		return nil, errs.ErrInvalidAmount
	}

	var transaction *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.releaseAndCreditTx(tx, userID, releaseAmount, creditAmount, txType, referenceID, &transaction)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

// ReleaseAndCreditTx is ReleaseAndCredit running inside an existing database
// transaction, for callers that must pair the movement with their own guarded
// status flip (per-bet settlement).
func (s *Service) ReleaseAndCreditTx(tx *gorm.DB, userID uuid.UUID, releaseAmount, creditAmount decimal.Decimal, txType, referenceID string) (*models.Transaction, error) {
	if releaseAmount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}
	var transaction *models.Transaction
	if err := s.releaseAndCreditTx(tx, userID, releaseAmount, creditAmount, txType, referenceID, &transaction); err != nil {
		return nil, err
	}
	metrics.LedgerTransactions.WithLabelValues(txType).Inc()
	return transaction, nil
}

func (s *Service) releaseAndCreditTx(tx *gorm.DB, userID uuid.UUID, releaseAmount, creditAmount decimal.Decimal, txType, referenceID string, out **models.Transaction) error {
	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return err
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND frozen_balance >= ?", account.ID, releaseAmount).
		Updates(map[string]interface{}{
			"frozen_balance": gorm.Expr("frozen_balance - ?", releaseAmount),
			"balance":        gorm.Expr("balance + ?", creditAmount),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release funds: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrInsufficientFunds
	}

	// The reservation row already booked the outflow at placement, so the
	// settlement row records only what returns to available. A loss records
	// zero; recording the burn again would double-count the reservation and
	// break the log-sum-equals-balances property.
	transaction, err := createTransaction(tx, account.ID, txType, creditAmount, decimal.Zero, referenceID, "")
	if err != nil {
		return err
	}
	*out = transaction
	return nil
}

// DebitFrozen removes amount+fee from the frozen balance without crediting
// anything back: the funds leave the system. Records a completed withdrawal
// transaction and bumps total_withdrawn by the withdrawn amount.
func (s *Service) DebitFrozen(ctx context.Context, userID uuid.UUID, amount, fee decimal.Decimal, referenceID string) (*models.Transaction, error) {
	var transaction *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transaction, err = s.DebitFrozenTx(tx, userID, amount, fee, referenceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// DebitFrozenTx is DebitFrozen running inside an existing database
// transaction, for callers that pair the burn with their own guarded status
// flip (withdrawal completion).
func (s *Service) DebitFrozenTx(tx *gorm.DB, userID uuid.UUID, amount, fee decimal.Decimal, referenceID string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) || fee.IsNegative() {
		return nil, errs.ErrInvalidAmount
	}
	total := amount.Add(fee)

	account, err := s.getOrCreate(tx, userID)
	if err != nil {
		return nil, err
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND frozen_balance >= ?", account.ID, total).
		Updates(map[string]interface{}{
			"frozen_balance":  gorm.Expr("frozen_balance - ?", total),
			"total_withdrawn": gorm.Expr("total_withdrawn + ?", amount),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to debit frozen funds: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrInsufficientFunds
	}

	transaction, err := createTransaction(tx, account.ID, models.TxWithdrawal, amount.Neg(), fee, referenceID, "")
	if err != nil {
		return nil, err
	}
	metrics.LedgerTransactions.WithLabelValues(models.TxWithdrawal).Inc()
	return transaction, nil
}

func createTransaction(tx *gorm.DB, accountID uuid.UUID, txType string, amount, fee decimal.Decimal, referenceID, metadata string) (*models.Transaction, error) {
	now := time.Now()
	if metadata == "" {
		metadata = "{}"
	}
	transaction := &models.Transaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Type:        txType,
		Amount:      amount,
		Fee:         fee,
		Status:      models.TxStatusCompleted,
		ReferenceID: referenceID,
		Metadata:    metadata,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := tx.Create(transaction).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return transaction, nil
}
