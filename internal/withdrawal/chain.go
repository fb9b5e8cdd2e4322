package withdrawal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DevChain is a Chain for local development and integration environments. It
// accepts every send, fabricates a deterministic transaction hash and reports
// confirmations growing with the age of the send.
type DevChain struct {
	logger *zap.Logger

	mu    sync.Mutex
	sends map[string]time.Time
}

// NewDevChain creates a development chain stub.
func NewDevChain(logger *zap.Logger) *DevChain {
	return &DevChain{
		logger: logger,
		sends:  make(map[string]time.Time),
	}
}

func (c *DevChain) Send(ctx context.Context, network, address string, amount decimal.Decimal) (string, error) {
	sum := sha256.Sum256([]byte(network + "_" + address + "_" + amount.String() + "_" + strconv.FormatInt(time.Now().UnixNano(), 10)))
	txHash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	c.sends[txHash] = time.Now()
	c.mu.Unlock()

	c.logger.Info("dev chain send",
		zap.String("network", network),
		zap.String("address", address),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// GetConfirmations reports one confirmation per elapsed second since the
// send, so requests confirm quickly without being instant.
func (c *DevChain) GetConfirmations(ctx context.Context, network, txHash string) (int, error) {
	c.mu.Lock()
	sentAt, ok := c.sends[txHash]
	c.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return int(time.Since(sentAt) / time.Second), nil
}
