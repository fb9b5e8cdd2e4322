package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BetsPlaced counts bets accepted per game type
var BetsPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "betcore_bets_placed_total",
		Help: "Total number of bets placed",
	},
	[]string{"game_type"},
)

// BetsSettled counts settled bets by outcome (won/lost/refunded)
var BetsSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "betcore_bets_settled_total",
		Help: "Total number of bets settled",
	},
	[]string{"outcome"},
)

// SettlementErrors counts per-bet settlement failures left for retry
var SettlementErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "betcore_settlement_errors_total",
		Help: "Total number of per-bet settlement failures",
	},
)

// GamesCompleted counts games flipped to a terminal status
var GamesCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "betcore_games_completed_total",
		Help: "Total number of games completed or cancelled",
	},
	[]string{"status"},
)

// LedgerTransactions counts ledger transaction rows written by type
var LedgerTransactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "betcore_ledger_transactions_total",
		Help: "Total number of ledger transactions recorded",
	},
	[]string{"type"},
)

// WithdrawalsProcessed counts withdrawal requests reaching a terminal status
var WithdrawalsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "betcore_withdrawals_processed_total",
		Help: "Total number of withdrawal requests processed",
	},
	[]string{"status"},
)

// SettlementLatency records latency distribution for full game settlement
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "betcore_game_settlement_latency_seconds",
		Help:    "Latency in seconds to settle all bets of a game",
		Buckets: prometheus.DefBuckets,
	},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "betcore_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "betcore_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(BetsPlaced, BetsSettled, SettlementErrors, GamesCompleted)
	prometheus.MustRegister(LedgerTransactions, WithdrawalsProcessed, SettlementLatency)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
