package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/app"
	"tradecore/internal/bus"
	"tradecore/internal/feed"
	"tradecore/internal/ledger"
	"tradecore/internal/ops"
	"tradecore/internal/reconcile"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const primeTimeout = 5 * time.Second

type options struct {
	configPath string
	intents    int
	notional   decimal.Decimal
	startPrice decimal.Decimal
	seed       int64
	errorRate  float64
	dropRate   float64
	dupRate    float64
	maxDelay   time.Duration
	rounds     int
}

// drillResult is what one drill observed.
type drillResult struct {
	Admitted       int
	Rejected       map[string]int
	Failed         int
	Orders         map[schema.OrderStatus]int
	PendingUnknown int
	Rounds         int
	Last           reconcile.Report
	Verify         error
}

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Trader config")
	intents := flag.Int("intents", 200, "Number of intents to submit")
	notional := flag.String("notional", "50", "Notional of each intent")
	startPrice := flag.String("start-price", "100", "Start price of the generated marks")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	errorRate := flag.Float64("error-rate", 0.05, "Venue error probability [0-1]")
	dropRate := flag.Float64("drop-rate", 0.05, "Venue response drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0.02, "Venue duplicate fill probability [0-1]")
	maxDelay := flag.Duration("max-delay", 20*time.Millisecond, "Max venue response delay")
	rounds := flag.Int("rounds", 5, "Reconcile rounds to resolve pending orders")
	flag.Parse()

	opt := options{
		configPath: *configPath,
		intents:    *intents,
		seed:       *seed,
		errorRate:  *errorRate,
		dropRate:   *dropRate,
		dupRate:    *dupRate,
		maxDelay:   *maxDelay,
		rounds:     *rounds,
	}
	var err error
	if opt.notional, err = decimal.NewFromString(*notional); err != nil {
		logs.Errorf("chaos: notional: %+v", err)
		os.Exit(1)
	}
	if opt.startPrice, err = decimal.NewFromString(*startPrice); err != nil {
		logs.Errorf("chaos: start-price: %+v", err)
		os.Exit(1)
	}
	if opt.seed == 0 {
		opt.seed = time.Now().UnixNano()
	}

	res, err := run(context.Background(), opt)
	if err != nil {
		logs.Errorf("chaos: %+v", err)
		os.Exit(1)
	}
	report(os.Stdout, opt, res)
	if res.Verify != nil || res.PendingUnknown > 0 {
		os.Exit(2)
	}
}

func run(ctx context.Context, opt options) (drillResult, error) {
	if opt.intents <= 0 {
		return drillResult{}, errors.Wrap(exception.ErrInvalidArgument, "intents must be > 0")
	}
	loaded, err := ops.Load(opt.configPath)
	if err != nil {
		return drillResult{}, err
	}
	drill(&loaded, opt)

	a, err := app.New(ctx, loaded)
	if err != nil {
		return drillResult{}, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logs.Errorf("chaos: close: %+v", err)
		}
	}()

	symbols := loaded.Registry.Symbols()
	if len(symbols) == 0 {
		return drillResult{}, errors.Wrap(exception.ErrInvalidArgument, "no symbols configured")
	}
	walks, venues, err := markWalks(symbols, opt)
	if err != nil {
		return drillResult{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.Run(runCtx, app.RunOptions{SkipFeeds: true}) })

	if err := primeMarks(runCtx, a, walks, len(symbols)); err != nil {
		stop()
		_ = g.Wait()
		return drillResult{}, err
	}

	res := drillResult{Rejected: make(map[string]int), Orders: make(map[schema.OrderStatus]int)}
	rng := rand.New(rand.NewSource(opt.seed))
	for i := range opt.intents {
		venue := venues[rng.Intn(len(venues))]
		tick := walks[venue].Next()
		if err := a.Fabric.Publish(bus.Event{Topic: schema.TopicMarketTick, Key: tick.Symbol, Payload: tick}); err != nil {
			stop()
			_ = g.Wait()
			return res, errors.Wrap(err, "publish mark")
		}
		// marks are applied asynchronously; the intent carries its own price
		side := schema.SideBuy
		if rng.Intn(2) == 1 {
			side = schema.SideSell
		}
		adm, err := a.Pipeline.Admit(runCtx, schema.TradeIntent{
			ID:         fmt.Sprintf("drill-%d-%s", i, uuid.NewString()[:8]),
			StrategyID: "chaos-drill",
			Symbol:     tick.Symbol,
			Venue:      venue,
			Side:       side,
			Notional:   opt.notional,
			PriceHint:  tick.Price,
		})
		switch {
		case err != nil:
			res.Failed++
		case adm.Decision.Admitted():
			res.Admitted++
		default:
			res.Rejected[string(adm.Decision.Reason)]++
		}
	}

	for res.Rounds < opt.rounds {
		res.Rounds++
		res.Last = a.Reconcile.RunOnce(runCtx)
		if a.Ledger.Snapshot().PendingUnknown == 0 {
			break
		}
	}

	stop()
	if err := g.Wait(); err != nil {
		return res, err
	}

	for _, o := range a.Ledger.Orders(ledger.Query{}) {
		res.Orders[o.Status]++
	}
	res.PendingUnknown = a.Ledger.Snapshot().PendingUnknown
	res.Verify = a.Ledger.Verify()
	return res, nil
}

// drill forces every venue to a chaos-wrapped paper venue and removes
// everything that would slow admission down or reach outside the process.
func drill(loaded *ops.Loaded, opt options) {
	for i := range loaded.Venues {
		loaded.Venues[i].Kind = ops.VenuePaper
		loaded.Venues[i].BaseURL = ""
		loaded.Venues[i].Chaos = &ops.ChaosConfig{
			Seed:          opt.seed + int64(i),
			ErrorRate:     opt.errorRate,
			DropRate:      opt.dropRate,
			DuplicateRate: opt.dupRate,
			MaxDelay:      ops.Duration(opt.maxDelay),
		}
	}
	loaded.Ledger.Store = ops.StoreMemory
	loaded.Limits.CooldownWindow = 0
	loaded.Trend = nil
	loaded.Events = nil
	loaded.Ticks = nil
	loaded.Synthetic = nil
	loaded.ExternalSocket = ""
}

func markWalks(symbols []schema.Symbol, opt options) (map[string]*feed.Synthetic, []string, error) {
	byVenue := make(map[string][]string)
	for _, sym := range symbols {
		byVenue[sym.Venue] = append(byVenue[sym.Venue], sym.Name)
	}
	venues := make([]string, 0, len(byVenue))
	walks := make(map[string]*feed.Synthetic, len(byVenue))
	for venue, names := range byVenue {
		walk, err := feed.NewSynthetic(feed.SyntheticConfig{
			Venue:      venue,
			Symbols:    names,
			StartPrice: opt.startPrice,
			Volatility: 0.001,
			Seed:       opt.seed,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		walks[venue] = walk
		venues = append(venues, venue)
	}
	sort.Strings(venues)
	return walks, venues, nil
}

// primeMarks publishes one tick per symbol and waits until the ledger has
// seen all of them.
func primeMarks(ctx context.Context, a *app.App, walks map[string]*feed.Synthetic, symbols int) error {
	for _, walk := range walks {
		for range walk.Symbols() {
			tick := walk.Next()
			if err := a.Fabric.Publish(bus.Event{Topic: schema.TopicMarketTick, Key: tick.Symbol, Payload: tick}); err != nil {
				return errors.Wrap(err, "publish mark")
			}
		}
	}
	deadline := time.NewTimer(primeTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for markCount(a.Ledger.Snapshot()) < symbols {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("marks not applied in time")
		case <-poll.C:
		}
	}
	return nil
}

func report(out io.Writer, opt options, res drillResult) {
	fmt.Fprintf(out, "drill: seed=%d intents=%d admitted=%d failed=%d\n", opt.seed, opt.intents, res.Admitted, res.Failed)
	for _, reason := range sortedKeys(res.Rejected) {
		fmt.Fprintf(out, "  rejected %-28s %d\n", reason, res.Rejected[reason])
	}
	statuses := make(map[string]int, len(res.Orders))
	for status, n := range res.Orders {
		statuses[string(status)] = n
	}
	for _, status := range sortedKeys(statuses) {
		fmt.Fprintf(out, "  orders   %-28s %d\n", status, statuses[status])
	}
	fmt.Fprintf(out, "reconcile: rounds=%d resolved=%d unresolved=%d stale=%d paused=%v\n",
		res.Rounds, len(res.Last.Resolved), len(res.Last.Unresolved), len(res.Last.Stale), res.Last.Paused)
	for _, vr := range res.Last.Venues {
		fmt.Fprintf(out, "  venue %s %s drift=%s\n", vr.Venue, vr.Outcome, vr.DriftUSD.StringFixed(2))
	}
	fmt.Fprintf(out, "pending_unknown=%d\n", res.PendingUnknown)
	if res.Verify != nil {
		fmt.Fprintf(out, "verify: %v\n", res.Verify)
		return
	}
	fmt.Fprintln(out, "verify: ok")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func markCount(snap ledger.Snapshot) int {
	n := 0
	for _, bySymbol := range snap.Marks {
		n += len(bySymbol)
	}
	return n
}
