// Package gaming owns game and bet records: creation, placement, status
// transitions and queries. Fund movements always go through the ledger so a
// bet is never free-floating money.
package gaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
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

const statsCacheTTL = 30 * time.Second

// Service implements game and bet bookkeeping.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   *ledger.Service
	notifier notification.Notifier
	cfg      config.GamblingConfig
	cache    *redis.Client // optional, nil disables stats caching
}

// NewService creates a new gaming service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, notifier notification.Notifier, cfg config.GamblingConfig, cache *redis.Client) (*Service, error) {
	return &Service{
		logger:   logger,
		db:       db,
		ledger:   ledgerSvc,
		notifier: notifier,
		cfg:      cfg,
		cache:    cache,
	}, nil
}

// CreateGameParams are the inputs for a new betting round.
type CreateGameParams struct {
	Title            string
	Description      string
	GameType         string
	MinimumSingleBet decimal.Decimal
	MaximumSingleBet decimal.Decimal
	FeePercentage    decimal.Decimal
	StartTime        time.Time
	EndTime          time.Time
	CreatedBy        uuid.UUID
}

// CreateGame validates and stores a new game. Games starting in the past are
// created active, future games pending.
func (s *Service) CreateGame(ctx context.Context, params CreateGameParams) (*models.Game, error) {
	if _, ok := winMultipliers[params.GameType]; !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidGameType, params.GameType)
	}

	duration := params.EndTime.Sub(params.StartTime)
	if duration < s.cfg.MinGameDuration || duration > s.cfg.MaxGameDuration {
		return nil, errs.ErrGameDuration
	}

	fee := params.FeePercentage
	if fee.IsZero() {
		fee = s.cfg.DefaultFeePercentage
	}
	if fee.LessThan(s.cfg.MinFeePercentage) || fee.GreaterThan(s.cfg.MaxFeePercentage) {
		return nil, errs.ErrFeeLimit
	}

	minBet := params.MinimumSingleBet
	if minBet.IsZero() {
		minBet = s.cfg.MinBetAmount
	}
	maxBet := params.MaximumSingleBet
	if maxBet.IsZero() {
		maxBet = s.cfg.MaxBetAmount
	}
	if minBet.LessThanOrEqual(decimal.Zero) || maxBet.LessThan(minBet) {
		return nil, errs.ErrBetLimit
	}

	status := models.GameStatusPending
	now := time.Now()
	if !params.StartTime.After(now) {
		status = models.GameStatusActive
	}

	game := &models.Game{
		ID:               uuid.New(),
		Title:            params.Title,
		Description:      params.Description,
		GameType:         params.GameType,
		Status:           status,
		MinimumSingleBet: minBet,
		MaximumSingleBet: maxBet,
		FeePercentage:    fee,
		StartTime:        params.StartTime,
		EndTime:          params.EndTime,
		TotalPool:        decimal.Zero,
		CreatedBy:        params.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(game).Error; err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return game, nil
}

// GetGame returns a game by id.
func (s *Service) GetGame(ctx context.Context, gameID uuid.UUID) (*models.Game, error) {
	var game models.Game
	if err := s.db.WithContext(ctx).Where("id = ?", gameID).First(&game).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find game: %w", err)
	}
	return &game, nil
}

// GameResult is the public view of a game's settlement state.
type GameResult struct {
	Status    string          `json:"status"`
	Result    *Outcome        `json:"result,omitempty"`
	TotalPool decimal.Decimal `json:"total_pool"`
}

// GetGameResult returns status, outcome (if completed) and pool for a game.
func (s *Service) GetGameResult(ctx context.Context, gameID uuid.UUID) (*GameResult, error) {
	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	result := &GameResult{Status: game.Status, TotalPool: game.TotalPool}
	if game.Result != "" {
		var outcome Outcome
		if err := json.Unmarshal([]byte(game.Result), &outcome); err != nil {
			return nil, fmt.Errorf("failed to decode game result: %w", err)
		}
		result.Result = &outcome
	}
	return result, nil
}

// ActiveDueGames returns active games whose end time has passed, for the
// settlement scheduler.
func (s *Service) ActiveDueGames(ctx context.Context, now time.Time) ([]*models.Game, error) {
	var games []*models.Game
	if err := s.db.WithContext(ctx).
		Where("status = ? AND end_time <= ?", models.GameStatusActive, now).
		Order("end_time ASC").Find(&games).Error; err != nil {
		return nil, fmt.Errorf("failed to find due games: %w", err)
	}
	return games, nil
}

// CalculateFee computes the placement fee: percentage of the amount, floored
// to 8 decimals, never below the configured minimum fee.
func CalculateFee(amount, feePercentage, minFee decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(feePercentage).Div(decimal.NewFromInt(100)).Truncate(8)
	if fee.LessThan(minFee) {
		return minFee
	}
	return fee
}

// PlaceBet validates a wager, reserves amount+fee on the user's account and
// creates the bet, all-or-nothing. The reservation stays frozen until
// settlement releases it.
func (s *Service) PlaceBet(ctx context.Context, gameID, userID uuid.UUID, amount decimal.Decimal, data *BetData) (*models.Bet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errs.ErrInvalidAmount
	}

	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if game.Status != models.GameStatusActive || now.Before(game.StartTime) || !now.Before(game.EndTime) {
		return nil, errs.ErrGameClosed
	}
	if amount.LessThan(game.MinimumSingleBet) || amount.GreaterThan(game.MaximumSingleBet) {
		return nil, errs.ErrBetLimit
	}
	if err := ValidateBetData(game.GameType, data); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bet data: %w", err)
	}

	fee := CalculateFee(amount, game.FeePercentage, s.cfg.MinFee)
	bet := &models.Bet{
		ID:        uuid.New(),
		GameID:    game.ID,
		UserID:    userID,
		Amount:    amount,
		FeeAmount: fee,
		BetData:   string(raw),
		Status:    models.BetStatusPlaced,
		PlacedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.ReserveTx(tx, userID, amount.Add(fee), models.TxBetPlace, bet.ID.String(), ""); err != nil {
			return err
		}
		if err := tx.Create(bet).Error; err != nil {
			return fmt.Errorf("failed to create bet: %w", err)
		}
		// Guarded pool bump doubles as a recheck that the game is still open.
		res := tx.Model(&models.Game{}).
			Where("id = ? AND status = ?", game.ID, models.GameStatusActive).
			Updates(map[string]interface{}{
				"total_pool": gorm.Expr("total_pool + ?", amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update game pool: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrGameClosed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(game.GameType).Inc()
	s.notifier.Notify(ctx, userID, notification.EventBetPlaced, map[string]interface{}{
		"bet_id":  bet.ID.String(),
		"game_id": game.ID.String(),
		"amount":  amount.String(),
		"fee":     fee.String(),
	})
	return bet, nil
}

// PlacedBets returns all unsettled bets of a game in placement order.
func (s *Service) PlacedBets(ctx context.Context, gameID uuid.UUID) ([]*models.Bet, error) {
	var bets []*models.Bet
	if err := s.db.WithContext(ctx).
		Where("game_id = ? AND status = ?", gameID, models.BetStatusPlaced).
		Order("placed_at ASC").Find(&bets).Error; err != nil {
		return nil, fmt.Errorf("failed to find placed bets: %w", err)
	}
	return bets, nil
}

// UserBets returns a user's bet history, newest first.
func (s *Service) UserBets(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Bet, error) {
	var bets []*models.Bet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("placed_at DESC").Limit(limit).Offset(offset).Find(&bets).Error; err != nil {
		return nil, fmt.Errorf("failed to find user bets: %w", err)
	}
	return bets, nil
}

// FinalizeBet settles one bet exactly once: the guarded placed->terminal flip
// and the paired fund release commit in a single database transaction.
// Winners get win_amount credited on top of the released reservation; the
// house keeps the reservation of losers. A bet already settled returns
// ErrInvalidGameState and moves no money.
func (s *Service) FinalizeBet(ctx context.Context, bet *models.Bet, won bool, winAmount decimal.Decimal) error {
	status := models.BetStatusLost
	txType := models.TxBetLoss
	credit := decimal.Zero
	if won {
		status = models.BetStatusWon
		txType = models.TxBetWin
		credit = winAmount
	}
	release := bet.Amount.Add(bet.FeeAmount)
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":      status,
			"result_time": now,
		}
		if won {
			updates["win_amount"] = winAmount
		}
		res := tx.Model(&models.Bet{}).
			Where("id = ? AND status = ?", bet.ID, models.BetStatusPlaced).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to finalize bet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidGameState
		}

		_, err := s.ledger.ReleaseAndCreditTx(tx, bet.UserID, release, credit, txType, bet.ID.String())
		return err
	})
	if err != nil {
		return err
	}

	metrics.BetsSettled.WithLabelValues(status).Inc()
	s.notifier.Notify(ctx, bet.UserID, notification.EventBetResult, map[string]interface{}{
		"bet_id":     bet.ID.String(),
		"game_id":    bet.GameID.String(),
		"status":     status,
		"win_amount": credit.String(),
	})
	return nil
}

// RefundBet returns the full reservation (amount+fee) to the user's available
// balance and moves the bet to the given terminal status (refunded, or
// cancelled when the whole game was cancelled). Idempotent-guarded like
// FinalizeBet.
func (s *Service) RefundBet(ctx context.Context, bet *models.Bet, toStatus string) error {
	if toStatus != models.BetStatusRefunded && toStatus != models.BetStatusCancelled {
		return errs.ErrInvalidGameState
	}
	release := bet.Amount.Add(bet.FeeAmount)
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bet{}).
			Where("id = ? AND status = ?", bet.ID, models.BetStatusPlaced).
			Updates(map[string]interface{}{
				"status":      toStatus,
				"result_time": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to refund bet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidGameState
		}

		_, err := s.ledger.ReleaseAndCreditTx(tx, bet.UserID, release, release, models.TxRefund, bet.ID.String())
		return err
	})
	if err != nil {
		return err
	}

	metrics.BetsSettled.WithLabelValues(toStatus).Inc()
	return nil
}

// GameStats is an aggregate view over a game's bets.
type GameStats struct {
	TotalBets     int64           `json:"total_bets"`
	UniquePlayers int64           `json:"unique_players"`
	AverageBet    decimal.Decimal `json:"average_bet"`
	TotalPool     decimal.Decimal `json:"total_pool"`
	FeeCollected  decimal.Decimal `json:"fee_collected"`
}

// GetGameStats aggregates bet statistics for a game, with a short-lived
// cache when Redis is configured.
func (s *Service) GetGameStats(ctx context.Context, gameID uuid.UUID) (*GameStats, error) {
	cacheKey := "game_stats_" + gameID.String()
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var stats GameStats
			if err := json.Unmarshal([]byte(raw), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	stats := &GameStats{TotalPool: game.TotalPool, AverageBet: decimal.Zero, FeeCollected: decimal.Zero}
	if err := s.db.WithContext(ctx).Model(&models.Bet{}).
		Where("game_id = ?", gameID).Count(&stats.TotalBets).Error; err != nil {
		return nil, fmt.Errorf("failed to count bets: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Bet{}).
		Where("game_id = ?", gameID).Distinct("user_id").Count(&stats.UniquePlayers).Error; err != nil {
		return nil, fmt.Errorf("failed to count players: %w", err)
	}
	var feeSum struct{ Total decimal.Decimal }
	if err := s.db.WithContext(ctx).Model(&models.Bet{}).
		Select("COALESCE(SUM(fee_amount), 0) AS total").
		Where("game_id = ?", gameID).Scan(&feeSum).Error; err != nil {
		return nil, fmt.Errorf("failed to sum fees: %w", err)
	}
	stats.FeeCollected = feeSum.Total
	if stats.TotalBets > 0 {
		stats.AverageBet = game.TotalPool.Div(decimal.NewFromInt(stats.TotalBets)).Truncate(8)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			s.cache.Set(ctx, cacheKey, raw, statsCacheTTL)
		}
	}
	return stats, nil
}

// CleanupOldGames removes settled games (and their bets) whose end time is
// older than the retention window. Returns the number of games removed.
func (s *Service) CleanupOldGames(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.RetentionWindow)

	var games []*models.Game
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND end_time < ?", []string{models.GameStatusCompleted, models.GameStatusCancelled}, cutoff).
		Find(&games).Error; err != nil {
		return 0, fmt.Errorf("failed to find old games: %w", err)
	}

	var removed int64
	for _, game := range games {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("game_id = ?", game.ID).Delete(&models.Bet{}).Error; err != nil {
				return fmt.Errorf("failed to delete bets: %w", err)
			}
			if err := tx.Where("id = ?", game.ID).Delete(&models.Game{}).Error; err != nil {
				return fmt.Errorf("failed to delete game: %w", err)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("failed to clean up game",
				zap.String("game_id", game.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
