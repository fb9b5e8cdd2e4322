// Package notification defines the fire-and-forget notification boundary.
// Delivery (email, websocket, push) is an external collaborator; the core
// only emits events and never lets a delivery failure abort a financial
// operation.
package notification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the core.
const (
	EventBetPlaced           = "bet_placed"
	EventBetResult           = "bet_result"
	EventGameCompleted       = "game_completed"
	EventGameCancelled       = "game_cancelled"
	EventWithdrawalCompleted = "withdrawal_completed"
	EventWithdrawalFailed    = "withdrawal_failed"
	EventDepositCredited     = "deposit_credited"
)

// Notifier delivers an event to a user. Implementations must not block the
// caller on delivery; errors are the implementation's problem to report.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType string, payload map[string]interface{})
}

// LogNotifier is the default Notifier: it records events in the log. Real
// delivery backends replace it in production wiring.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID uuid.UUID, eventType string, payload map[string]interface{}) {
	n.logger.Info("notification",
		zap.String("user_id", userID.String()),
		zap.String("event", eventType),
		zap.Any("payload", payload),
	)
}
