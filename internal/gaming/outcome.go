package gaming

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/models"
)

// Outcome is the result payload of a completed game.
type Outcome struct {
	Number *int   `json:"number,omitempty"` // dice, roulette
	Side   string `json:"side,omitempty"`   // coin
}

// Fixed payout multipliers per game type, house-edge adjusted.
var winMultipliers = map[string]decimal.Decimal{
	models.GameDice:     decimal.RequireFromString("5.5"), // 6x fair
	models.GameCoin:     decimal.RequireFromString("1.9"), // 2x fair
	models.GameRoulette: decimal.RequireFromString("35"),  // 36x fair
}

var coinSides = []string{"heads", "tails"}

// GenerateOutcome derives a reproducible outcome for a game type from a seed.
// The same seed and game type always produce the same outcome, which makes
// settlement auditable and testable. An empty seed falls back to the current
// time at nanosecond resolution.
func GenerateOutcome(gameType, seed string) (*Outcome, error) {
	if seed == "" {
		seed = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	sum := sha256.Sum256([]byte(seed + "_" + gameType))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	switch gameType {
	case models.GameDice:
		n := 1 + rng.Intn(6)
		return &Outcome{Number: &n}, nil
	case models.GameCoin:
		return &Outcome{Side: coinSides[rng.Intn(2)]}, nil
	case models.GameRoulette:
		n := rng.Intn(37)
		return &Outcome{Number: &n}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidGameType, gameType)
	}
}

// Wins reports whether a bet beats the outcome: an equality check on the
// field relevant to the game type.
func Wins(data *BetData, outcome *Outcome, gameType string) bool {
	switch gameType {
	case models.GameDice, models.GameRoulette:
		return data.Number != nil && outcome.Number != nil && *data.Number == *outcome.Number
	case models.GameCoin:
		return data.Side != "" && data.Side == outcome.Side
	default:
		return false
	}
}

// Multiplier returns the fixed payout multiplier for a game type, or zero for
// an unknown type.
func Multiplier(gameType string) decimal.Decimal {
	if m, ok := winMultipliers[gameType]; ok {
		return m
	}
	return decimal.Zero
}

// WinAmount computes multiplier x amount truncated (never rounded up) to
// 8 decimal places.
func WinAmount(amount decimal.Decimal, gameType string) decimal.Decimal {
	return amount.Mul(Multiplier(gameType)).Truncate(8)
}
