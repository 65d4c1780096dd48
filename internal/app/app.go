package app

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/api"
	"tradecore/internal/bus"
	"tradecore/internal/control"
	"tradecore/internal/core"
	"tradecore/internal/feed"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/order"
	"tradecore/internal/reconcile"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/strategy"
	"tradecore/internal/venue"
)

const (
	idempotencyCleanupInterval = 10 * time.Minute
	httpShutdownTimeout        = 5 * time.Second
)

// App is one assembled trading core: ledger, venues, control plane, risk
// gate, router, pipeline, strategies and the reconciliation loop, all wired
// to a single bus.
type App struct {
	Loaded     ops.Loaded
	Ledger     *ledger.Ledger
	Venues     ops.Venues
	Metrics    *obs.Metrics
	Health     *venue.Health
	Fabric     *bus.Fabric
	Plane      *control.Plane
	Limits     *risk.LimitStore
	Router     *order.Router
	Pipeline   *core.Pipeline
	Reconcile  *reconcile.Loop
	Strategies []strategy.Strategy
	Handler    *gin.Engine
}

// RunOptions selects which long-running parts Run starts besides the
// pipeline and the reconciliation loop.
type RunOptions struct {
	// ConfigPath enables limit hot reload when ReloadPeriod > 0.
	ConfigPath   string
	ReloadPeriod time.Duration
	ServeHTTP    bool
	// SkipFeeds leaves tick streams, synthetic feeds and the external event
	// socket stopped.
	SkipFeeds bool
}

// New opens the ledger and assembles every component. The caller owns the
// returned App and must Close it.
func New(ctx context.Context, loaded ops.Loaded) (*App, error) {
	journal, err := ops.OpenJournal(ctx, loaded.Ledger)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	l, err := ledger.Open(ctx, journal, loaded.Ledger.Accounting)
	if err != nil {
		_ = journal.Close()
		return nil, errors.Wrap(err, "open ledger")
	}

	a := &App{Loaded: loaded, Ledger: l}
	if err := a.assemble(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) assemble(ctx context.Context) error {
	loaded := a.Loaded
	if err := ops.SeedCapital(ctx, a.Ledger, loaded.Venues, time.Now()); err != nil {
		return err
	}

	venues, err := ops.BuildVenues(loaded.Venues, loaded.Registry)
	if err != nil {
		return err
	}
	a.Venues = venues
	a.Metrics = obs.NewMetrics()
	a.Health = venue.NewHealth(loaded.Health)
	a.Fabric = bus.NewFabric(context.WithoutCancel(ctx), a.Metrics)

	a.Plane = control.NewPlane(loaded.Control, a.Ledger, a.Ledger, a.Metrics)
	a.Plane.Restore(a.Ledger.Audit())

	a.Limits = risk.NewLimitStore(loaded.Limits)
	gate := risk.NewGate(a.Limits, a.Metrics)
	a.Router = order.NewRouter(loaded.Router, a.Ledger, venues.Set, a.Health, a.Metrics, a.Fabric)
	a.Pipeline = core.NewPipeline(loaded.Pipeline, loaded.Registry, gate, a.Ledger, a.Plane, a.Health, a.Router, a.Metrics)
	a.Plane.SetAdmitter(a.Pipeline)

	if err := a.subscribeMarks(); err != nil {
		return err
	}
	if a.Strategies, err = buildStrategies(loaded); err != nil {
		return err
	}
	if err := strategy.Attach(a.Fabric, a.Pipeline, a.Strategies...); err != nil {
		return err
	}

	a.Reconcile = reconcile.NewLoop(loaded.Reconcile, a.Ledger, venues.Set, a.Plane, a.Metrics, a.Fabric)
	a.Handler = api.NewRouter(a.Plane, a.Ledger, a.Metrics)
	return nil
}

// Run starts the pipeline, the reconciliation loop and the parts selected by
// opt, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context, opt RunOptions) error {
	var feeds []func(context.Context) error
	if !opt.SkipFeeds {
		var err error
		if feeds, err = a.feeds(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Pipeline.Run(ctx) })
	g.Go(func() error { return a.Reconcile.Run(ctx) })
	g.Go(func() error {
		cleanupIdempotency(ctx, a.Plane)
		return nil
	})

	for _, run := range feeds {
		g.Go(func() error { return run(ctx) })
	}

	if opt.ConfigPath != "" && opt.ReloadPeriod > 0 {
		g.Go(func() error {
			ops.Watch(ctx, opt.ConfigPath, opt.ReloadPeriod, func(next ops.Loaded) {
				ops.SwapLimits(a.Limits, next)
			})
			return nil
		})
	}

	var srv *http.Server
	if opt.ServeHTTP {
		srv = &http.Server{
			Addr:              a.Loaded.HTTPAddr,
			Handler:           a.Handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logs.Infof("app: http on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Pipeline.Close()
		if srv == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logs.Infof("app: %s v%d, %d venues, %d symbols, %d strategies",
		a.Plane.Status(), a.Plane.State().Version, len(a.Venues.Set.Names()), len(a.Loaded.Registry.Symbols()), len(a.Strategies))
	return g.Wait()
}

func (a *App) feeds() ([]func(context.Context) error, error) {
	var runs []func(context.Context) error
	for _, cfg := range a.Loaded.Ticks {
		stream, err := feed.NewTickStream(cfg, a.Fabric)
		if err != nil {
			return nil, err
		}
		runs = append(runs, stream.Run)
	}
	for _, cfg := range a.Loaded.Synthetic {
		synth, err := feed.NewSynthetic(cfg, a.Fabric)
		if err != nil {
			return nil, err
		}
		runs = append(runs, synth.Run)
	}
	if a.Loaded.ExternalSocket != "" {
		ext, err := feed.NewExternal(a.Loaded.ExternalSocket, a.Fabric)
		if err != nil {
			return nil, err
		}
		runs = append(runs, ext.Run)
	}
	return runs, nil
}

// Close stops the bus and closes the ledger.
func (a *App) Close() error {
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.Fabric != nil {
		a.Fabric.Close()
	}
	if a.Ledger == nil {
		return nil
	}
	if err := a.Ledger.Close(); err != nil {
		return errors.Wrap(err, "close ledger")
	}
	return nil
}

// subscribeMarks keeps ledger valuation and paper venue marks on the latest
// tick.
func (a *App) subscribeMarks() error {
	handler := func(_ context.Context, e bus.Event) error {
		tick, ok := e.Payload.(schema.Tick)
		if !ok {
			return errors.Errorf("marks: unexpected payload %T", e.Payload)
		}
		if !tick.Price.IsPositive() {
			return nil
		}
		a.Ledger.MarkPrice(tick.Venue, tick.Symbol, tick.Price)
		if p, ok := a.Venues.Paper[tick.Venue]; ok {
			p.SetMark(tick.Symbol, tick.Price)
			return nil
		}
		if tick.Venue == "" {
			for _, p := range a.Venues.Paper {
				p.SetMark(tick.Symbol, tick.Price)
			}
		}
		return nil
	}
	return a.Fabric.Subscribe(schema.TopicMarketTick, "marks", handler, bus.SubscribeOptions{
		Workers:    a.Loaded.Bus.Workers,
		QueueDepth: a.Loaded.Bus.QueueDepth,
	})
}

func buildStrategies(loaded ops.Loaded) ([]strategy.Strategy, error) {
	out := make([]strategy.Strategy, 0, len(loaded.Trend)+len(loaded.Events))
	for _, cfg := range loaded.Trend {
		s, err := strategy.NewTrendFollower(cfg, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	for _, cfg := range loaded.Events {
		s, err := strategy.NewEventReactive(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func cleanupIdempotency(ctx context.Context, plane *control.Plane) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			plane.Cleanup()
		}
	}
}
