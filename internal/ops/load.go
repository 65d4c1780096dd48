package ops

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradecore/internal/control"
	"tradecore/internal/core"
	"tradecore/internal/feed"
	"tradecore/internal/ledger"
	"tradecore/internal/order"
	"tradecore/internal/reconcile"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/strategy"
	"tradecore/internal/venue"
	"tradecore/internal/venue/chaos"
	"tradecore/pkg/conn"
	"tradecore/pkg/exception"
)

const defaultHTTPAddr = ":8080"

// LedgerSpec selects the journal backend and the accounting settings.
type LedgerSpec struct {
	Store      LedgerStore
	WAL        recorder.Config
	SQL        conn.Option
	Accounting ledger.Config
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry       *schema.Registry
	Venues         []VenueConfig
	Limits         risk.Limits
	Router         order.Config
	Health         venue.HealthConfig
	Bus            BusConfig
	Pipeline       core.Config
	Reconcile      reconcile.Config
	Ledger         LedgerSpec
	Control        control.Config
	Trend          []strategy.TrendConfig
	Events         []strategy.EventConfig
	Ticks          []feed.TickConfig
	Synthetic      []feed.SyntheticConfig
	ExternalSocket string
	HTTPAddr       string
	Profiling      ProfilingConfig
}

// Load reads a JSON or YAML config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "parse config %s", path)
	}
	return Resolve(cfg)
}

// Parse decodes raw config bytes. ext selects YAML for ".yaml" and ".yml";
// anything else is read as JSON.
func Parse(data []byte, ext string) (FileConfig, error) {
	var cfg FileConfig
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return FileConfig{}, errors.Wrap(err, "yaml")
		}
		// YAML is normalized to JSON so both formats share one set of tags and
		// the same Duration and decimal decoding.
		raw, err := sonic.ConfigStd.Marshal(doc)
		if err != nil {
			return FileConfig{}, errors.Wrap(err, "normalize yaml")
		}
		data = raw
	}
	if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, errors.Wrap(err, "json")
	}
	return cfg, nil
}

// Resolve validates cfg and converts it into package configs.
func Resolve(cfg FileConfig) (Loaded, error) {
	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	for _, v := range cfg.Registry.Venues {
		switch v.Kind {
		case VenuePaper, "":
		case VenueREST:
			if v.BaseURL == "" {
				return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "venue %s: rest venue needs base_url", v.Name)
			}
		default:
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "venue %s: unknown kind %q", v.Name, v.Kind)
		}
		if v.Chaos != nil {
			if err := v.Chaos.Resolve().Validate(); err != nil {
				return Loaded{}, errors.Wrapf(err, "venue %s chaos", v.Name)
			}
		}
	}

	ledgerSpec, err := resolveLedger(cfg.Ledger, registry)
	if err != nil {
		return Loaded{}, err
	}

	for _, t := range cfg.Strategies.Trend {
		if err := t.Validate(); err != nil {
			return Loaded{}, err
		}
		if t.Venue == "" {
			if _, ok := registry.VenueOf(t.Symbol); !ok {
				return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "trend strategy: symbol %s needs a venue (listed on %d)", t.Symbol, len(registry.Listings(t.Symbol)))
			}
		} else if _, ok := registry.Symbol(t.Venue, t.Symbol); !ok {
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "trend strategy: symbol not found: %s on %s", t.Symbol, t.Venue)
		}
	}
	for _, e := range cfg.Strategies.Events {
		if err := e.Validate(); err != nil {
			return Loaded{}, err
		}
	}

	ticks := make([]feed.TickConfig, 0, len(cfg.Feeds.Ticks))
	for _, t := range cfg.Feeds.Ticks {
		if t.URL == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "tick feed: url is empty")
		}
		if t.Venue != "" && !registry.HasVenue(t.Venue) {
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "tick feed: venue not found: %s", t.Venue)
		}
		ticks = append(ticks, feed.TickConfig{
			URL:         t.URL,
			Venue:       t.Venue,
			Symbols:     t.Symbols,
			ReadTimeout: t.ReadTimeout.Std(),
		})
	}

	synthetic := make([]feed.SyntheticConfig, 0, len(cfg.Feeds.Synthetic))
	for _, sc := range cfg.Feeds.Synthetic {
		if len(sc.Symbols) == 0 || !sc.StartPrice.IsPositive() {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "synthetic feed: needs symbols and a positive start_price")
		}
		synthetic = append(synthetic, feed.SyntheticConfig{
			Venue:      sc.Venue,
			Symbols:    sc.Symbols,
			StartPrice: sc.StartPrice,
			Volatility: sc.Volatility,
			Drift:      sc.Drift,
			Interval:   sc.Interval.Std(),
			Seed:       sc.Seed,
		})
	}

	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = defaultHTTPAddr
	}

	return Loaded{
		Registry: registry,
		Venues:   cfg.Registry.Venues,
		Limits: risk.Limits{
			ExposureCapUSDPerSymbol: cfg.Risk.ExposureCapUSDPerSymbol,
			ExposureCapUSDTotal:     cfg.Risk.ExposureCapUSDTotal,
			EquityDrawdownPctMax:    cfg.Risk.EquityDrawdownPctMax,
			VenueErrorRateMax:       cfg.Risk.VenueErrorRateMax,
			CooldownWindow:          cfg.Risk.CooldownWindow.Std(),
			LeverageCap:             cfg.Risk.LeverageCap,
			MinNotionalUSD:          cfg.Risk.MinNotionalUSD,
		},
		Router: resolveRouter(cfg.Router),
		Health: venue.HealthConfig{
			Window:           cfg.Health.Window.Std(),
			FailureThreshold: cfg.Health.FailureThreshold,
			SuccessThreshold: cfg.Health.SuccessThreshold,
			OpenTimeout:      cfg.Health.OpenTimeout.Std(),
		},
		Bus: cfg.Bus,
		Pipeline: core.Config{
			Shards:     cfg.Pipeline.Shards,
			InboxDepth: cfg.Pipeline.InboxDepth,
		},
		Reconcile: reconcile.Config{
			Interval:          cfg.Reconcile.Interval.Std(),
			DriftEpsilonUSD:   cfg.Reconcile.DriftEpsilonUSD,
			DriftHardUSD:      cfg.Reconcile.DriftHardUSD,
			UnknownAlertAfter: cfg.Reconcile.UnknownAlertAfter.Std(),
		},
		Ledger:         ledgerSpec,
		Control:        control.Config{IdempotencyTTL: cfg.Control.IdempotencyTTL.Std()},
		Trend:          cfg.Strategies.Trend,
		Events:         cfg.Strategies.Events,
		Ticks:          ticks,
		Synthetic:      synthetic,
		ExternalSocket: cfg.Feeds.ExternalSocket,
		HTTPAddr:       addr,
		Profiling:      cfg.Profiling,
	}, nil
}

// Resolve converts the file form into the chaos venue config.
func (c ChaosConfig) Resolve() chaos.Config {
	return chaos.Config{
		Seed:          c.Seed,
		ErrorRate:     c.ErrorRate,
		DropRate:      c.DropRate,
		DuplicateRate: c.DuplicateRate,
		MaxDelay:      c.MaxDelay.Std(),
	}
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	if len(cfg.Venues) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "registry: no venues")
	}
	reg := schema.NewRegistry()
	for _, v := range cfg.Venues {
		if err := reg.AddVenue(v.Name); err != nil {
			return nil, errors.Wrap(err, "registry")
		}
	}
	for _, sym := range cfg.Symbols {
		err := reg.AddSymbol(schema.Symbol{
			Name:        sym.Name,
			Venue:       sym.Venue,
			LotStep:     sym.LotStep,
			MinNotional: sym.MinNotional,
		})
		if err != nil {
			return nil, errors.Wrap(err, "registry")
		}
	}
	return reg, nil
}

func resolveRouter(cfg RouterConfig) order.Config {
	out := order.Config{
		CallTimeout: cfg.CallTimeout.Std(),
		MaxAttempts: cfg.MaxAttempts,
	}
	if cfg.BackoffMin > 0 || cfg.BackoffMax > 0 {
		out.Backoff = order.DefaultBackoff()
		if cfg.BackoffMin > 0 {
			out.Backoff.Min = cfg.BackoffMin.Std()
		}
		if cfg.BackoffMax > 0 {
			out.Backoff.Max = cfg.BackoffMax.Std()
		}
	}
	return out
}

func resolveLedger(cfg LedgerConfig, reg *schema.Registry) (LedgerSpec, error) {
	spec := LedgerSpec{
		Store: cfg.Store,
		Accounting: ledger.Config{
			InitialCash:    cfg.InitialCash,
			InitialVenue:   cfg.InitialVenue,
			Epsilon:        cfg.Epsilon,
			DrawdownWindow: cfg.DrawdownWindow.Std(),
		},
	}
	if spec.Store == "" {
		spec.Store = StoreWAL
	}
	if cfg.InitialCash.IsNegative() {
		return LedgerSpec{}, errors.Wrap(exception.ErrInvalidArgument, "ledger: initial_cash must be >= 0")
	}
	if cfg.InitialCash.IsPositive() {
		if spec.Accounting.InitialVenue == "" {
			spec.Accounting.InitialVenue = reg.Venues()[0]
		}
		if !reg.HasVenue(spec.Accounting.InitialVenue) {
			return LedgerSpec{}, errors.Wrapf(exception.ErrInvalidArgument, "ledger: initial venue not found: %s", spec.Accounting.InitialVenue)
		}
	}

	switch spec.Store {
	case StoreWAL:
		if cfg.WALDir == "" {
			return LedgerSpec{}, errors.Wrap(exception.ErrInvalidArgument, "ledger: wal_dir is empty")
		}
		spec.WAL = recorder.DefaultConfig(cfg.WALDir)
		spec.WAL.NoSync = cfg.WALNoSync
	case StoreSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		spec.SQL = conn.Option{Driver: conn.DriverSQLite, Path: path}
	case StorePostgres:
		pg := cfg.Postgres
		spec.SQL = conn.Option{
			Driver:     conn.DriverPostgres,
			Host:       pg.Host,
			Port:       pg.Port,
			User:       pg.User,
			Password:   pg.Password,
			Database:   pg.Database,
			SSLMode:    pg.SSLMode,
			ConnString: pg.DSN,

			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime.Std(),
		}
		if pg.DSN == "" && pg.Database == "" {
			return LedgerSpec{}, errors.Wrap(exception.ErrInvalidArgument, "ledger: postgres needs dsn or database")
		}
	case StoreMemory:
	default:
		return LedgerSpec{}, errors.Wrapf(exception.ErrInvalidArgument, "ledger: unknown store %q", spec.Store)
	}
	return spec, nil
}

// OpenJournal opens the journal backend named by spec.
func OpenJournal(ctx context.Context, spec LedgerSpec) (ledger.Journal, error) {
	switch spec.Store {
	case StoreWAL, "":
		j, err := ledger.OpenWAL(ctx, spec.WAL)
		if err != nil {
			return nil, err
		}
		return j, nil
	case StoreSQLite, StorePostgres:
		client, err := conn.New(spec.SQL)
		if err != nil {
			return nil, err
		}
		j, err := ledger.NewSQLJournal(ctx, client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return j, nil
	case StoreMemory:
		return ledger.NewMemoryJournal(), nil
	default:
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "unknown ledger store %q", spec.Store)
	}
}
