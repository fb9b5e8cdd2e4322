package gaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/juryim/betcore/internal/config"
	"github.com/juryim/betcore/internal/ledger"
	"github.com/juryim/betcore/internal/notification"
	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Account{}, &models.Transaction{}, &models.Game{}, &models.Bet{},
	))
	return db
}

func testConfig() config.GamblingConfig {
	return config.GamblingConfig{
		MinBetAmount:         decimal.RequireFromString("0.00000001"),
		MaxBetAmount:         decimal.RequireFromString("1000"),
		MinFee:               decimal.RequireFromString("0.00000001"),
		MinFeePercentage:     decimal.RequireFromString("0.1"),
		MaxFeePercentage:     decimal.RequireFromString("10"),
		DefaultFeePercentage: decimal.RequireFromString("2"),
		MinGameDuration:      5 * time.Minute,
		MaxGameDuration:      24 * time.Hour,
		RetentionWindow:      30 * 24 * time.Hour,
	}
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	db     *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := zap.NewNop()

	ledgerSvc, err := ledger.NewService(log, db)
	require.NoError(t, err)

	svc, err := NewService(log, db, ledgerSvc, notification.NewLogNotifier(log), testConfig(), nil)
	require.NoError(t, err)

	return &fixture{svc: svc, ledger: ledgerSvc, db: db}
}

func (f *fixture) fund(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), userID, decimal.RequireFromString(amount), models.TxDeposit, "", "")
	require.NoError(t, err)
}

func (f *fixture) activeGame(t *testing.T, gameType string) *models.Game {
	t.Helper()
	game, err := f.svc.CreateGame(context.Background(), CreateGameParams{
		Title:     "round",
		GameType:  gameType,
		StartTime: time.Now().Add(-time.Minute),
		EndTime:   time.Now().Add(time.Hour),
		CreatedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, models.GameStatusActive, game.Status)
	return game
}

func TestCreateGameDefaultsAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	game := f.activeGame(t, models.GameDice)
	assert.True(t, game.FeePercentage.Equal(decimal.RequireFromString("2")))
	assert.True(t, game.MinimumSingleBet.Equal(decimal.RequireFromString("0.00000001")))
	assert.True(t, game.TotalPool.IsZero())

	// Future games are created pending.
	pending, err := f.svc.CreateGame(ctx, CreateGameParams{
		Title:     "later",
		GameType:  models.GameCoin,
		StartTime: time.Now().Add(time.Hour),
		EndTime:   time.Now().Add(2 * time.Hour),
		CreatedBy: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.GameStatusPending, pending.Status)

	_, err = f.svc.CreateGame(ctx, CreateGameParams{
		Title:     "too short",
		GameType:  models.GameDice,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Minute),
	})
	assert.ErrorIs(t, err, errs.ErrGameDuration)

	_, err = f.svc.CreateGame(ctx, CreateGameParams{
		Title:     "too long",
		GameType:  models.GameDice,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(25 * time.Hour),
	})
	assert.ErrorIs(t, err, errs.ErrGameDuration)

	_, err = f.svc.CreateGame(ctx, CreateGameParams{
		Title:         "greedy",
		GameType:      models.GameDice,
		FeePercentage: decimal.RequireFromString("11"),
		StartTime:     time.Now(),
		EndTime:       time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, errs.ErrFeeLimit)

	_, err = f.svc.CreateGame(ctx, CreateGameParams{
		Title:     "unknown",
		GameType:  "slots",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, errs.ErrInvalidGameType)
}

func TestPlaceBetReservesStakePlusFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusPlaced, bet.Status)
	assert.True(t, bet.FeeAmount.Equal(decimal.RequireFromString("0.2")))

	// 100 - 10 - 0.2 available, 10.2 frozen.
	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("89.8")), "available is %s", balance.Available)
	assert.True(t, balance.Frozen.Equal(decimal.RequireFromString("10.2")))

	refreshed, err := f.svc.GetGame(ctx, game.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.TotalPool.Equal(decimal.RequireFromString("10")))
}

func TestPlaceBetRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6

	_, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.Zero, &BetData{Number: &six})
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	seven := 7
	_, err = f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &seven})
	assert.ErrorIs(t, err, errs.ErrInvalidBetData)

	_, err = f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("1001"), &BetData{Number: &six})
	assert.ErrorIs(t, err, errs.ErrBetLimit)

	_, err = f.svc.PlaceBet(ctx, uuid.New(), userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPlaceBetInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "10")

	game := f.activeGame(t, models.GameDice)
	six := 6

	// Stake alone fits but stake+fee does not.
	_, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	// Nothing moved, no bet row left behind.
	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("10")))
	assert.True(t, balance.Frozen.IsZero())

	var count int64
	require.NoError(t, f.db.Model(&models.Bet{}).Where("game_id = ?", game.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceBetOnClosedGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	require.NoError(t, f.db.Model(&models.Game{}).Where("id = ?", game.ID).
		Update("status", models.GameStatusCompleted).Error)

	six := 6
	_, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	assert.ErrorIs(t, err, errs.ErrGameClosed)
}

func TestFinalizeBetWin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	require.NoError(t, err)

	winAmount := WinAmount(bet.Amount, models.GameDice)
	require.NoError(t, f.svc.FinalizeBet(ctx, bet, true, winAmount))

	// 89.8 available + 55 win; the 10.2 reservation is consumed.
	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("144.8")), "available is %s", balance.Available)
	assert.True(t, balance.Frozen.IsZero())

	var stored models.Bet
	require.NoError(t, f.db.Where("id = ?", bet.ID).First(&stored).Error)
	assert.Equal(t, models.BetStatusWon, stored.Status)
	require.True(t, stored.WinAmount.Valid)
	assert.True(t, stored.WinAmount.Decimal.Equal(winAmount))
	require.NotNil(t, stored.ResultTime)
}

func TestFinalizeBetLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameCoin)
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Side: "heads"})
	require.NoError(t, err)

	require.NoError(t, f.svc.FinalizeBet(ctx, bet, false, decimal.Zero))

	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("89.8")))
	assert.True(t, balance.Frozen.IsZero())

	var stored models.Bet
	require.NoError(t, f.db.Where("id = ?", bet.ID).First(&stored).Error)
	assert.Equal(t, models.BetStatusLost, stored.Status)
	assert.False(t, stored.WinAmount.Valid)
}

func TestFinalizeBetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameCoin)
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Side: "heads"})
	require.NoError(t, err)

	require.NoError(t, f.svc.FinalizeBet(ctx, bet, true, decimal.RequireFromString("19")))
	err = f.svc.FinalizeBet(ctx, bet, true, decimal.RequireFromString("19"))
	assert.ErrorIs(t, err, errs.ErrInvalidGameState)

	// The double finalize must not credit twice.
	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("108.8")), "available is %s", balance.Available)
}

func TestRefundBetRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	require.NoError(t, err)

	require.NoError(t, f.svc.RefundBet(ctx, bet, models.BetStatusRefunded))

	// Stake and fee both come back.
	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("100")), "available is %s", balance.Available)
	assert.True(t, balance.Frozen.IsZero())

	err = f.svc.RefundBet(ctx, bet, models.BetStatusRefunded)
	assert.ErrorIs(t, err, errs.ErrInvalidGameState)

	err = f.svc.RefundBet(ctx, bet, models.BetStatusWon)
	assert.ErrorIs(t, err, errs.ErrInvalidGameState)
}

// txSumMinusFees folds the transaction log into the net movement it records:
// sum of amounts minus sum of fee columns.
func txSumMinusFees(t *testing.T, f *fixture, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	transactions, _, err := f.ledger.GetAccountTransactions(context.Background(), userID, 100, 0)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range transactions {
		sum = sum.Add(tx.Amount).Sub(tx.Fee)
	}
	return sum
}

func TestTransactionLogMatchesBalancesAfterSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	game := f.activeGame(t, models.GameCoin)

	// Loss: deposit 100, stake 10 + fee 0.2 reserved, reservation burned.
	loser := uuid.New()
	f.fund(t, loser, "100")
	lost, err := f.svc.PlaceBet(ctx, game.ID, loser, decimal.RequireFromString("10"), &BetData{Side: "heads"})
	require.NoError(t, err)
	require.NoError(t, f.svc.FinalizeBet(ctx, lost, false, decimal.Zero))

	balance, err := f.ledger.GetBalance(ctx, loser)
	require.NoError(t, err)
	sum := txSumMinusFees(t, f, loser)
	assert.True(t, sum.Equal(balance.Total), "tx sum %s != available+frozen %s", sum, balance.Total)

	// Win: same conservation through the credit path.
	winner := uuid.New()
	f.fund(t, winner, "100")
	won, err := f.svc.PlaceBet(ctx, game.ID, winner, decimal.RequireFromString("10"), &BetData{Side: "tails"})
	require.NoError(t, err)
	require.NoError(t, f.svc.FinalizeBet(ctx, won, true, WinAmount(won.Amount, models.GameCoin)))

	balance, err = f.ledger.GetBalance(ctx, winner)
	require.NoError(t, err)
	sum = txSumMinusFees(t, f, winner)
	assert.True(t, sum.Equal(balance.Total), "tx sum %s != available+frozen %s", sum, balance.Total)

	// Refund: the reservation row and the refund row cancel out.
	refunded := uuid.New()
	f.fund(t, refunded, "100")
	bet, err := f.svc.PlaceBet(ctx, game.ID, refunded, decimal.RequireFromString("10"), &BetData{Side: "heads"})
	require.NoError(t, err)
	require.NoError(t, f.svc.RefundBet(ctx, bet, models.BetStatusRefunded))

	balance, err = f.ledger.GetBalance(ctx, refunded)
	require.NoError(t, err)
	sum = txSumMinusFees(t, f, refunded)
	assert.True(t, sum.Equal(balance.Total), "tx sum %s != available+frozen %s", sum, balance.Total)
}

func TestConcurrentPlaceBetsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6

	// Each placement reserves 15 + 0.3 fee; 100 covers exactly six of them.
	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("15"), &BetData{Number: &six})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	placed := 0
	for err := range results {
		if err == nil {
			placed++
		} else {
			assert.ErrorIs(t, err, errs.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 6, placed)

	balance, err := f.ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("8.2")), "available is %s", balance.Available)
	assert.True(t, balance.Frozen.Equal(decimal.RequireFromString("91.8")))
	assert.False(t, balance.Available.IsNegative())

	refreshed, err := f.svc.GetGame(ctx, game.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.TotalPool.Equal(decimal.RequireFromString("90")), "pool is %s", refreshed.TotalPool)

	var betCount int64
	require.NoError(t, f.db.Model(&models.Bet{}).Where("game_id = ?", game.ID).Count(&betCount).Error)
	assert.EqualValues(t, 6, betCount)
}

func TestActiveDueGames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	game := f.activeGame(t, models.GameDice)
	due, err := f.svc.ActiveDueGames(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, f.db.Model(&models.Game{}).Where("id = ?", game.ID).
		Update("end_time", time.Now().Add(-time.Minute)).Error)

	due, err = f.svc.ActiveDueGames(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, game.ID, due[0].ID)
}

func TestGetGameStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	game := f.activeGame(t, models.GameDice)
	six := 6
	for i := 0; i < 3; i++ {
		userID := uuid.New()
		f.fund(t, userID, "100")
		_, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
		require.NoError(t, err)
	}

	stats, err := f.svc.GetGameStats(ctx, game.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalBets)
	assert.EqualValues(t, 3, stats.UniquePlayers)
	assert.True(t, stats.TotalPool.Equal(decimal.RequireFromString("30")))
	assert.True(t, stats.AverageBet.Equal(decimal.RequireFromString("10")))
	assert.True(t, stats.FeeCollected.Equal(decimal.RequireFromString("0.6")), "fees are %s", stats.FeeCollected)
}

func TestCleanupOldGames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.fund(t, userID, "100")

	game := f.activeGame(t, models.GameDice)
	six := 6
	bet, err := f.svc.PlaceBet(ctx, game.ID, userID, decimal.RequireFromString("10"), &BetData{Number: &six})
	require.NoError(t, err)
	require.NoError(t, f.svc.FinalizeBet(ctx, bet, false, decimal.Zero))

	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, f.db.Model(&models.Game{}).Where("id = ?", game.ID).
		Updates(map[string]interface{}{"status": models.GameStatusCompleted, "end_time": old}).Error)

	// A fresh completed game must survive the sweep.
	fresh := f.activeGame(t, models.GameCoin)
	require.NoError(t, f.db.Model(&models.Game{}).Where("id = ?", fresh.ID).
		Update("status", models.GameStatusCompleted).Error)

	removed, err := f.svc.CleanupOldGames(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = f.svc.GetGame(ctx, game.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.svc.GetGame(ctx, fresh.ID)
	assert.NoError(t, err)

	var betCount int64
	require.NoError(t, f.db.Model(&models.Bet{}).Where("game_id = ?", game.ID).Count(&betCount).Error)
	assert.Zero(t, betCount)
}
