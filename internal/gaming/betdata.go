package gaming

import (
	"encoding/json"
	"fmt"

	"github.com/juryim/betcore/pkg/errs"
	"github.com/juryim/betcore/pkg/models"
)

// BetData is the game-type-specific wager payload.
type BetData struct {
	Number *int   `json:"number,omitempty"` // dice: 1-6, roulette: 0-36
	Side   string `json:"side,omitempty"`   // coin: heads|tails
}

// ParseBetData decodes a stored bet_data payload.
func ParseBetData(raw string) (*BetData, error) {
	var data BetData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidBetData, err)
	}
	return &data, nil
}

// ValidateBetData checks the payload shape against the game type.
func ValidateBetData(gameType string, data *BetData) error {
	switch gameType {
	case models.GameDice:
		if data.Number == nil || *data.Number < 1 || *data.Number > 6 {
			return errs.ErrInvalidBetData
		}
	case models.GameCoin:
		if data.Side != "heads" && data.Side != "tails" {
			return errs.ErrInvalidBetData
		}
	case models.GameRoulette:
		if data.Number == nil || *data.Number < 0 || *data.Number > 36 {
			return errs.ErrInvalidBetData
		}
	default:
		return fmt.Errorf("%w: %s", errs.ErrInvalidGameType, gameType)
	}
	return nil
}
