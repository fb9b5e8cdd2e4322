// Package settlement closes games: it generates the outcome, flips the game
// to a terminal status exactly once and settles every bet of the round.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/juryim/betcore/internal/gaming"
	"github.com/juryim/betcore/internal/ledger"
	"github.com/juryim/betcore/internal/notification"
	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/metrics"
	"github.com/juryim/betcore/pkg/models"
)

// Engine drives game completion and cancellation.
type Engine struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   *ledger.Service
	gaming   *gaming.Service
	notifier notification.Notifier
}

// NewEngine creates a settlement engine.
func NewEngine(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, gamingSvc *gaming.Service, notifier notification.Notifier) (*Engine, error) {
	return &Engine{
		logger:   logger,
		db:       db,
		ledger:   ledgerSvc,
		gaming:   gamingSvc,
		notifier: notifier,
	}, nil
}

// Summary reports what one settlement run did.
type Summary struct {
	GameID  uuid.UUID
	Outcome *gaming.Outcome
	Settled int
	Won     int
	Failed  int
}

// CompleteGame settles one game. The active->completed flip is a guarded
// conditional update, so when two schedulers race over the same game only one
// performs the settlement and the other gets ErrInvalidGameState. Bets settle
// in placement order, each in its own database transaction; a failing bet is
// logged and skipped so the rest of the round still settles, and the skipped
// bet stays in placed status for a later retry.
func (e *Engine) CompleteGame(ctx context.Context, gameID uuid.UUID, seed string) (*Summary, error) {
	start := time.Now()

	game, err := e.gaming.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if seed == "" {
		seed = game.ID.String() + "_" + strconv.FormatInt(game.EndTime.Unix(), 10)
	}

	outcome, err := gaming.GenerateOutcome(game.GameType, seed)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}

	res := e.db.WithContext(ctx).Model(&models.Game{}).
		Where("id = ? AND status = ?", game.ID, models.GameStatusActive).
		Updates(map[string]interface{}{
			"status":     models.GameStatusCompleted,
			"result":     string(raw),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to complete game: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrInvalidGameState
	}
	metrics.GamesCompleted.WithLabelValues(models.GameStatusCompleted).Inc()

	summary := &Summary{GameID: game.ID, Outcome: outcome}
	bets, err := e.gaming.PlacedBets(ctx, game.ID)
	if err != nil {
		return summary, err
	}

	for _, bet := range bets {
		won, _, err := e.settleBet(ctx, game.GameType, bet, outcome)
		if err != nil {
			// Already-settled bets are not failures, just lost races.
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			summary.Failed++
			metrics.SettlementErrors.Inc()
			e.logger.Error("failed to settle bet",
				zap.String("game_id", game.ID.String()),
				zap.String("bet_id", bet.ID.String()),
				zap.Error(err))
			continue
		}
		summary.Settled++
		if won {
			summary.Won++
		}
	}

	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	e.notifier.Notify(ctx, game.CreatedBy, notification.EventGameCompleted, map[string]interface{}{
		"game_id": game.ID.String(),
		"outcome": outcome,
		"settled": summary.Settled,
		"failed":  summary.Failed,
	})
	e.logger.Info("game settled",
		zap.String("game_id", game.ID.String()),
		zap.String("game_type", game.GameType),
		zap.Int("settled", summary.Settled),
		zap.Int("won", summary.Won),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", time.Since(start)))
	return summary, nil
}

// settleBet evaluates one bet against the outcome and finalizes it. Returns
// whether the bet won and the credited win amount.
func (e *Engine) settleBet(ctx context.Context, gameType string, bet *models.Bet, outcome *gaming.Outcome) (bool, decimal.Decimal, error) {
	data, err := gaming.ParseBetData(bet.BetData)
	if err != nil {
		return false, decimal.Zero, err
	}

	won := gaming.Wins(data, outcome, gameType)
	winAmount := decimal.Zero
	if won {
		winAmount = gaming.WinAmount(bet.Amount, gameType)
	}
	if err := e.gaming.FinalizeBet(ctx, bet, won, winAmount); err != nil {
		return won, winAmount, err
	}
	return won, winAmount, nil
}

// CancelGame voids a pending or active game and refunds every placed bet in
// full, reservation fee included.
func (e *Engine) CancelGame(ctx context.Context, gameID uuid.UUID, reason string) (*Summary, error) {
	game, err := e.gaming.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	res := e.db.WithContext(ctx).Model(&models.Game{}).
		Where("id = ? AND status IN ?", game.ID, []string{models.GameStatusPending, models.GameStatusActive}).
		Updates(map[string]interface{}{
			"status":     models.GameStatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to cancel game: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.ErrInvalidGameState
	}
	metrics.GamesCompleted.WithLabelValues(models.GameStatusCancelled).Inc()

	summary := &Summary{GameID: game.ID}
	bets, err := e.gaming.PlacedBets(ctx, game.ID)
	if err != nil {
		return summary, err
	}
	for _, bet := range bets {
		if err := e.gaming.RefundBet(ctx, bet, models.BetStatusCancelled); err != nil {
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			summary.Failed++
			metrics.SettlementErrors.Inc()
			e.logger.Error("failed to refund bet",
				zap.String("game_id", game.ID.String()),
				zap.String("bet_id", bet.ID.String()),
				zap.Error(err))
			continue
		}
		summary.Settled++
	}

	e.notifier.Notify(ctx, game.CreatedBy, notification.EventGameCancelled, map[string]interface{}{
		"game_id":  game.ID.String(),
		"reason":   reason,
		"refunded": summary.Settled,
	})
	e.logger.Info("game cancelled",
		zap.String("game_id", game.ID.String()),
		zap.String("reason", reason),
		zap.Int("refunded", summary.Settled))
	return summary, nil
}

// ProcessDueGames settles every active game whose end time has passed.
// Returns the number of games settled; individual failures are logged and do
// not stop the batch.
func (e *Engine) ProcessDueGames(ctx context.Context, now time.Time) (int, error) {
	games, err := e.gaming.ActiveDueGames(ctx, now)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, game := range games {
		if _, err := e.CompleteGame(ctx, game.ID, ""); err != nil {
			if errs.Is(err, errs.ErrInvalidGameState) {
				continue
			}
			e.logger.Error("failed to process due game",
				zap.String("game_id", game.ID.String()), zap.Error(err))
			continue
		}
		completed++
	}
	return completed, nil
}
