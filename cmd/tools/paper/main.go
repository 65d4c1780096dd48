package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tradecore/internal/app"
	"tradecore/internal/feed"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
)

type options struct {
	configPath  string
	duration    time.Duration
	keepStore   bool
	addr        string
	startPrice  decimal.Decimal
	volatility  float64
	tickEvery   time.Duration
	seed        int64
	withSockets bool
}

// summary is printed when the session ends.
type summary struct {
	Duration string          `json:"duration"`
	Status   string          `json:"status"`
	Ledger   ledger.Snapshot `json:"ledger"`
	Metrics  obs.Snapshot    `json:"metrics"`
	Verify   string          `json:"verify"`
}

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Trader config")
	duration := flag.Duration("duration", 30*time.Second, "Session length")
	keepStore := flag.Bool("keep-store", false, "Use the configured ledger store instead of an in-memory journal")
	addr := flag.String("addr", "", "Serve the HTTP API on this address during the session")
	startPrice := flag.String("start-price", "100", "Start price of generated feeds for symbols without one")
	volatility := flag.Float64("volatility", 0.001, "Per-tick volatility of generated feeds")
	tickEvery := flag.Duration("tick-every", 100*time.Millisecond, "Tick interval of generated feeds")
	seed := flag.Int64("seed", 0, "Seed of generated feeds (0=now)")
	withSockets := flag.Bool("with-sockets", false, "Keep configured websocket tick streams and the event socket")
	flag.Parse()

	price, err := decimal.NewFromString(*startPrice)
	if err != nil {
		logs.Errorf("paper: start-price: %+v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sys.Shutdown()
		cancel()
	}()

	err = run(ctx, os.Stdout, options{
		configPath:  *configPath,
		duration:    *duration,
		keepStore:   *keepStore,
		addr:        *addr,
		startPrice:  price,
		volatility:  *volatility,
		tickEvery:   *tickEvery,
		seed:        *seed,
		withSockets: *withSockets,
	})
	if err != nil {
		logs.Errorf("paper: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opt options) error {
	loaded, err := ops.Load(opt.configPath)
	if err != nil {
		return err
	}
	paperSession(&loaded, opt)

	a, err := app.New(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logs.Errorf("paper: close: %+v", err)
		}
	}()

	logs.Infof("paper: session for %s on %d venues", opt.duration, len(loaded.Venues))
	started := time.Now()
	sessionCtx, cancel := context.WithTimeout(ctx, opt.duration)
	defer cancel()
	if err := a.Run(sessionCtx, app.RunOptions{ServeHTTP: opt.addr != ""}); err != nil {
		return err
	}

	report := a.Reconcile.RunOnce(context.WithoutCancel(ctx))
	verify := "ok"
	if err := a.Ledger.Verify(); err != nil {
		verify = err.Error()
	}
	s := summary{
		Duration: time.Since(started).Round(time.Millisecond).String(),
		Status:   string(a.Plane.Status()),
		Ledger:   a.Ledger.Snapshot(),
		Metrics:  a.Metrics.Snapshot(),
		Verify:   verify,
	}
	raw, err := sonic.ConfigStd.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}
	fmt.Fprintln(out, string(raw))
	fmt.Fprintf(out, "reconcile: ledger=%s resolved=%d unresolved=%d\n", report.Ledger, len(report.Resolved), len(report.Unresolved))
	return nil
}

// paperSession turns every venue into a paper venue, swaps external feeds for
// generated ones and, unless told otherwise, journals in memory.
func paperSession(loaded *ops.Loaded, opt options) {
	for i := range loaded.Venues {
		loaded.Venues[i].Kind = ops.VenuePaper
		loaded.Venues[i].BaseURL = ""
	}
	if !opt.keepStore {
		loaded.Ledger.Store = ops.StoreMemory
	}
	if opt.addr != "" {
		loaded.HTTPAddr = opt.addr
	}
	if !opt.withSockets {
		loaded.Ticks = nil
		loaded.ExternalSocket = ""
	}

	fed := make(map[string]bool)
	for _, s := range loaded.Synthetic {
		for _, sym := range s.Symbols {
			fed[s.Venue+"/"+sym] = true
		}
	}
	missing := make(map[string][]string)
	order := make([]string, 0)
	for _, sym := range loaded.Registry.Symbols() {
		if fed[sym.Venue+"/"+sym.Name] {
			continue
		}
		if _, ok := missing[sym.Venue]; !ok {
			order = append(order, sym.Venue)
		}
		missing[sym.Venue] = append(missing[sym.Venue], sym.Name)
	}
	for i, venue := range order {
		seed := opt.seed
		if seed != 0 {
			seed += int64(i)
		}
		loaded.Synthetic = append(loaded.Synthetic, feed.SyntheticConfig{
			Venue:      venue,
			Symbols:    missing[venue],
			StartPrice: opt.startPrice,
			Volatility: opt.volatility,
			Interval:   opt.tickEvery,
			Seed:       seed,
		})
	}
}
