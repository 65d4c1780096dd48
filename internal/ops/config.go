package ops

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/strategy"
)

// Duration reads "30s" style strings or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		v, err := time.ParseDuration(unquoted)
		if err != nil {
			return errors.Wrapf(err, "duration %s", s)
		}
		*d = Duration(v)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "duration %s", s)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig mirrors the config file layout. YAML files use the same keys.
type FileConfig struct {
	Registry   RegistryConfig   `json:"registry"`
	Risk       RiskConfig       `json:"risk"`
	Router     RouterConfig     `json:"router"`
	Health     HealthConfig     `json:"health"`
	Bus        BusConfig        `json:"bus"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Reconcile  ReconcileConfig  `json:"reconcile"`
	Ledger     LedgerConfig     `json:"ledger"`
	Control    ControlConfig    `json:"control"`
	Strategies StrategiesConfig `json:"strategies"`
	Feeds      FeedsConfig      `json:"feeds"`
	HTTP       HTTPConfig       `json:"http"`
	Profiling  ProfilingConfig  `json:"profiling"`
}

// RegistryConfig defines venues and symbols.
type RegistryConfig struct {
	Venues  []VenueConfig  `json:"venues"`
	Symbols []SymbolConfig `json:"symbols"`
}

// VenueKind selects the venue client implementation.
type VenueKind string

const (
	VenuePaper VenueKind = "paper"
	VenueREST  VenueKind = "rest"
)

// VenueConfig describes one venue.
type VenueConfig struct {
	Name        string          `json:"name"`
	Kind        VenueKind       `json:"kind"`
	FeeBps      decimal.Decimal `json:"fee_bps"`
	InitialCash decimal.Decimal `json:"initial_cash"`
	BaseURL     string          `json:"base_url"`
	APIKey      string          `json:"api_key"`
	Secret      string          `json:"secret"`
	Timeout     Duration        `json:"timeout"`
	Chaos       *ChaosConfig    `json:"chaos"`
}

// ChaosConfig wraps a venue with fault injection.
type ChaosConfig struct {
	Seed          int64    `json:"seed"`
	ErrorRate     float64  `json:"error_rate"`
	DropRate      float64  `json:"drop_rate"`
	DuplicateRate float64  `json:"duplicate_rate"`
	MaxDelay      Duration `json:"max_delay"`
}

// SymbolConfig describes one symbol.
type SymbolConfig struct {
	Name        string          `json:"name"`
	Venue       string          `json:"venue"`
	LotStep     decimal.Decimal `json:"lot_step"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// RiskConfig holds the admission limits.
type RiskConfig struct {
	ExposureCapUSDPerSymbol decimal.Decimal `json:"exposure_cap_usd_per_symbol"`
	ExposureCapUSDTotal     decimal.Decimal `json:"exposure_cap_usd_total"`
	EquityDrawdownPctMax    decimal.Decimal `json:"equity_drawdown_pct_max"`
	VenueErrorRateMax       float64         `json:"venue_error_rate_max"`
	CooldownWindow          Duration        `json:"cooldown_window"`
	LeverageCap             decimal.Decimal `json:"leverage_cap"`
	MinNotionalUSD          decimal.Decimal `json:"min_notional_usd"`
}

// RouterConfig tunes venue calls.
type RouterConfig struct {
	CallTimeout Duration `json:"call_timeout"`
	MaxAttempts int      `json:"max_attempts"`
	BackoffMin  Duration `json:"backoff_min"`
	BackoffMax  Duration `json:"backoff_max"`
}

// HealthConfig tunes the venue circuit breakers.
type HealthConfig struct {
	Window           Duration `json:"window"`
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	OpenTimeout      Duration `json:"open_timeout"`
}

// BusConfig sizes subscriber lanes.
type BusConfig struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
}

// PipelineConfig sizes the admission shards.
type PipelineConfig struct {
	Shards     int `json:"shards"`
	InboxDepth int `json:"inbox_depth"`
}

// ReconcileConfig tunes reconciliation.
type ReconcileConfig struct {
	Interval          Duration        `json:"interval"`
	DriftEpsilonUSD   decimal.Decimal `json:"drift_epsilon_usd"`
	DriftHardUSD      decimal.Decimal `json:"drift_hard_usd"`
	UnknownAlertAfter Duration        `json:"unknown_alert_after"`
}

// LedgerStore selects the journal backend.
type LedgerStore string

const (
	StoreWAL      LedgerStore = "wal"
	StorePostgres LedgerStore = "postgres"
	StoreSQLite   LedgerStore = "sqlite"
	StoreMemory   LedgerStore = "memory"
)

// LedgerConfig selects the journal and seeds capital.
type LedgerConfig struct {
	Store          LedgerStore     `json:"store"`
	WALDir         string          `json:"wal_dir"`
	WALNoSync      bool            `json:"wal_no_sync"`
	SQLitePath     string          `json:"sqlite_path"`
	Postgres       PostgresConfig  `json:"postgres"`
	InitialCash    decimal.Decimal `json:"initial_cash"`
	InitialVenue   string          `json:"initial_venue"`
	Epsilon        decimal.Decimal `json:"epsilon"`
	DrawdownWindow Duration        `json:"drawdown_window"`
}

// PostgresConfig is the SQL journal connection.
type PostgresConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`

	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

// ControlConfig tunes the control plane.
type ControlConfig struct {
	IdempotencyTTL Duration `json:"idempotency_ttl"`
}

// StrategiesConfig lists strategy instances.
type StrategiesConfig struct {
	Trend  []strategy.TrendConfig `json:"trend"`
	Events []strategy.EventConfig `json:"events"`
}

// FeedsConfig lists market and external feeds.
type FeedsConfig struct {
	Ticks          []TickFeedConfig      `json:"ticks"`
	Synthetic      []SyntheticFeedConfig `json:"synthetic"`
	ExternalSocket string                `json:"external_socket"`
}

// TickFeedConfig is one websocket tick source.
type TickFeedConfig struct {
	URL         string   `json:"url"`
	Venue       string   `json:"venue"`
	Symbols     []string `json:"symbols"`
	ReadTimeout Duration `json:"read_timeout"`
}

// SyntheticFeedConfig is a random-walk tick source.
type SyntheticFeedConfig struct {
	Venue      string          `json:"venue"`
	Symbols    []string        `json:"symbols"`
	StartPrice decimal.Decimal `json:"start_price"`
	Volatility float64         `json:"volatility"`
	Drift      float64         `json:"drift"`
	Interval   Duration        `json:"interval"`
	Seed       int64           `json:"seed"`
}

// HTTPConfig is the operator HTTP surface.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress   string `json:"server_address"`
	ApplicationName string `json:"application_name"`
}
