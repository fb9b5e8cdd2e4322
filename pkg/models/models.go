package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types recorded by the ledger.
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
	TxBetPlace   = "bet_place"
	TxBetWin     = "bet_win"
	TxBetLoss    = "bet_loss"
	TxFee        = "fee"
	TxRefund     = "refund"
	TxAdjustment = "adjustment"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// Game types.
const (
	GameDice     = "dice"
	GameCoin     = "coin"
	GameRoulette = "roulette"
)

// Game statuses. Transitions are monotonic: pending -> active -> completed|cancelled.
const (
	GameStatusPending   = "pending"
	GameStatusActive    = "active"
	GameStatusCompleted = "completed"
	GameStatusCancelled = "cancelled"
)

// Bet statuses. "placed" is the only non-terminal state.
const (
	BetStatusPlaced    = "placed"
	BetStatusWon       = "won"
	BetStatusLost      = "lost"
	BetStatusRefunded  = "refunded"
	BetStatusCancelled = "cancelled"
)

// Withdrawal request statuses.
const (
	WithdrawalPending    = "pending"
	WithdrawalProcessing = "processing"
	WithdrawalCompleted  = "completed"
	WithdrawalFailed     = "failed"
	WithdrawalCancelled  = "cancelled"
)

// Deposit statuses.
const (
	DepositPending  = "pending"
	DepositCredited = "credited"
)

// Account holds a user's spendable and reserved funds. One account per user,
// created lazily on the first financial operation and never deleted. Both
// balances stay >= 0; every mutation goes through the ledger service.
type Account struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex"`
	Balance        decimal.Decimal `json:"balance" gorm:"type:decimal(18,8)"`
	FrozenBalance  decimal.Decimal `json:"frozen_balance" gorm:"type:decimal(18,8)"`
	TotalDeposited decimal.Decimal `json:"total_deposited" gorm:"type:decimal(18,8)"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" gorm:"type:decimal(18,8)"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is one immutable ledger movement. Completed rows are never
// edited; corrections are new offsetting rows.
type Transaction struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID   uuid.UUID       `json:"account_id" gorm:"type:uuid;index"`
	Type        string          `json:"type"` // deposit, withdrawal, bet_place, bet_win, bet_loss, fee, refund, adjustment
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(18,8)"`
	Fee         decimal.Decimal `json:"fee" gorm:"type:decimal(18,8)"`
	Status      string          `json:"status"` // pending, completed, failed, cancelled
	ReferenceID string          `json:"reference_id" gorm:"index"`
	Description string          `json:"description"`
	Metadata    string          `json:"metadata" gorm:"type:text"` // JSON
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// Game is one betting round. Result is set exactly when status is completed.
type Game struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	GameType         string          `json:"game_type"` // dice, coin, roulette
	Status           string          `json:"status" gorm:"index"`
	MinimumSingleBet decimal.Decimal `json:"minimum_single_bet" gorm:"type:decimal(18,8)"`
	MaximumSingleBet decimal.Decimal `json:"maximum_single_bet" gorm:"type:decimal(18,8)"`
	FeePercentage    decimal.Decimal `json:"fee_percentage" gorm:"type:decimal(5,2)"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time" gorm:"index"`
	TotalPool        decimal.Decimal `json:"total_pool" gorm:"type:decimal(18,8)"`
	Result           string          `json:"result" gorm:"type:text"` // JSON outcome, empty until completed
	CreatedBy        uuid.UUID       `json:"created_by" gorm:"type:uuid"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Bet is one wager. Amount+FeeAmount is moved into the account's frozen
// balance at placement and released exactly once at settlement.
type Bet struct {
	ID         uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid"`
	GameID     uuid.UUID           `json:"game_id" gorm:"type:uuid;index"`
	UserID     uuid.UUID           `json:"user_id" gorm:"type:uuid;index"`
	Amount     decimal.Decimal     `json:"amount" gorm:"type:decimal(18,8)"`
	FeeAmount  decimal.Decimal     `json:"fee_amount" gorm:"type:decimal(18,8)"`
	BetData    string              `json:"bet_data" gorm:"type:text"` // JSON, e.g. {"number":6}
	Status     string              `json:"status" gorm:"index"`      // placed, won, lost, refunded, cancelled
	WinAmount  decimal.NullDecimal `json:"win_amount" gorm:"type:decimal(18,8)"`
	PlacedAt   time.Time           `json:"placed_at" gorm:"index"`
	ResultTime *time.Time          `json:"result_time"`
}

// WithdrawalRequest tracks an external fund movement. A frozen-balance
// reservation of Amount+Fee exists from creation until a terminal status.
type WithdrawalRequest struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID       uuid.UUID       `json:"account_id" gorm:"type:uuid;index"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(18,8)"`
	Fee             decimal.Decimal `json:"fee" gorm:"type:decimal(18,8)"`
	Address         string          `json:"address"`
	Network         string          `json:"network"`
	Status          string          `json:"status" gorm:"index"` // pending, processing, completed, failed, cancelled
	TransactionHash string          `json:"transaction_hash"`
	AdminNotes      string          `json:"admin_notes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
}

// DepositAddress is a per-network receiving address for an account.
type DepositAddress struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID uuid.UUID  `json:"account_id" gorm:"type:uuid;index:idx_deposit_account_network,unique"`
	Network   string     `json:"network" gorm:"index:idx_deposit_account_network,unique"`
	Address   string     `json:"address" gorm:"uniqueIndex"`
	Label     string     `json:"label"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used"`
}

// Deposit is an observed inbound chain transaction. TxHash is unique so a
// confirmed deposit is credited at most once.
type Deposit struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID     uuid.UUID       `json:"account_id" gorm:"type:uuid;index"`
	Network       string          `json:"network"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(18,8)"`
	TxHash        string          `json:"tx_hash" gorm:"uniqueIndex"`
	Confirmations int             `json:"confirmations"`
	Status        string          `json:"status"` // pending, credited
	CreatedAt     time.Time       `json:"created_at"`
	CreditedAt    *time.Time      `json:"credited_at"`
}
