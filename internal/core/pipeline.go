package core

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/control"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
	"tradecore/pkg/exception"
)

const (
	defaultShards     = 4
	defaultInboxDepth = 256
)

// RiskViewer values the ledger for one venue and symbol.
type RiskViewer interface {
	RiskView(venue, symbol string) ledger.RiskView
}

// Submitter routes admitted intents.
type Submitter interface {
	Submit(ctx context.Context, a order.Admitted) (order.Handle, error)
}

// StatusSource reports the current trading status.
type StatusSource interface {
	Status() schema.TradingStatus
}

// Config sizes the pipeline.
type Config struct {
	Shards     int
	InboxDepth int
	Clock      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.InboxDepth <= 0 {
		c.InboxDepth = defaultInboxDepth
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type job struct {
	ctx    context.Context
	intent schema.TradeIntent
	reply  chan result
}

type result struct {
	admission control.Admission
	err       error
}

// Pipeline evaluates and routes intents. Intents of one symbol are handled
// one at a time in arrival order; different symbols proceed in parallel.
type Pipeline struct {
	cfg      Config
	registry *schema.Registry
	gate     *risk.Gate
	ledger   RiskViewer
	status   StatusSource
	health   *venue.Health
	router   Submitter
	metrics  *obs.Metrics

	inboxes []chan job
	closed  atomic.Bool
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewPipeline creates a pipeline. registry, health and metrics may be nil;
// a nil registry accepts any symbol on the intent's venue.
func NewPipeline(cfg Config, registry *schema.Registry, gate *risk.Gate, l RiskViewer, status StatusSource, health *venue.Health, router Submitter, metrics *obs.Metrics) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		ledger:   l,
		status:   status,
		health:   health,
		router:   router,
		metrics:  metrics,
		inboxes:  make([]chan job, cfg.Shards),
		done:     make(chan struct{}),
	}
	for i := range p.inboxes {
		p.inboxes[i] = make(chan job, cfg.InboxDepth)
	}
	return p
}

// Run starts the shard workers and blocks until ctx is done or Close is
// called.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	var wg sync.WaitGroup
	for _, inbox := range p.inboxes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, inbox)
		}()
	}
	select {
	case <-ctx.Done():
	case <-p.done:
	}
	p.closed.Store(true)
	wg.Wait()
	return nil
}

// Close stops accepting intents and stops the workers.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

func (p *Pipeline) work(ctx context.Context, inbox chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case j := <-inbox:
			jobCtx := j.ctx
			if jobCtx == nil {
				jobCtx = ctx
			}
			adm, err := p.process(jobCtx, j.intent)
			if j.reply != nil {
				j.reply <- result{admission: adm, err: err}
				continue
			}
			if err != nil {
				logs.Errorf("core: intent %s (%s %s) failed: %+v", j.intent.ID, j.intent.Symbol, j.intent.Side, err)
			}
		}
	}
}

func (p *Pipeline) shard(intent schema.TradeIntent) chan job {
	if len(p.inboxes) == 1 {
		return p.inboxes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(intent.Venue))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(intent.Symbol))
	return p.inboxes[h.Sum32()%uint32(len(p.inboxes))]
}

// Emit queues intent without waiting. It fails with ErrPipelineShardBusy
// when the shard inbox of the intent's venue and symbol is full.
func (p *Pipeline) Emit(intent schema.TradeIntent) error {
	if p.closed.Load() {
		return exception.ErrPipelineClosed
	}
	intent = p.normalize(intent)
	select {
	case p.shard(intent) <- job{intent: intent}:
		return nil
	default:
		return errors.Wrapf(exception.ErrPipelineShardBusy, "symbol %s", intent.Symbol)
	}
}

// Admit runs intent through the gate and router on its shard and waits for
// the outcome.
func (p *Pipeline) Admit(ctx context.Context, intent schema.TradeIntent) (control.Admission, error) {
	if p.closed.Load() {
		return control.Admission{}, exception.ErrPipelineClosed
	}
	intent = p.normalize(intent)
	reply := make(chan result, 1)
	select {
	case p.shard(intent) <- job{ctx: ctx, intent: intent, reply: reply}:
	case <-ctx.Done():
		return control.Admission{}, ctx.Err()
	case <-p.done:
		return control.Admission{}, exception.ErrPipelineClosed
	}
	select {
	case r := <-reply:
		return r.admission, r.err
	case <-ctx.Done():
		return control.Admission{}, ctx.Err()
	case <-p.done:
		return control.Admission{}, exception.ErrPipelineClosed
	}
}

func (p *Pipeline) normalize(intent schema.TradeIntent) schema.TradeIntent {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = p.cfg.Clock()
	}
	if intent.Venue == "" {
		if venueName, ok := p.registry.VenueOf(intent.Symbol); ok {
			intent.Venue = venueName
		}
	}
	return intent
}

func (p *Pipeline) process(ctx context.Context, intent schema.TradeIntent) (control.Admission, error) {
	sym, ok := p.symbol(intent)
	if !ok {
		dec := risk.Decision{
			Action:        risk.ActionReject,
			Reason:        risk.ReasonInvalidIntent,
			Rule:          risk.RuleIntentShape,
			LimitsVersion: p.gate.Limits().Version,
			Detail:        "unknown symbol " + intent.Symbol + " on venue " + intent.Venue,
		}
		p.metrics.IncAdmission(dec.Outcome())
		logs.Infof("core: intent %s rejected: %s", intent.ID, dec.Detail)
		return control.Admission{Decision: dec}, nil
	}

	dec := p.gate.Evaluate(intent, p.View(intent, sym))
	if !dec.Admitted() {
		logs.Infof("core: intent %s %s %s %s rejected: %s (%s limit %s observed %s)",
			intent.ID, intent.StrategyID, intent.Side, intent.Symbol, dec.Reason, dec.Rule, dec.Limit, dec.Observed)
		return control.Admission{Decision: dec}, nil
	}

	handle, err := p.router.Submit(ctx, order.Admitted{Intent: intent, Decision: dec})
	if err != nil {
		return control.Admission{Decision: dec, Handle: handle}, errors.Wrapf(err, "route intent %s", intent.ID)
	}
	return control.Admission{Decision: dec, Handle: handle}, nil
}

func (p *Pipeline) symbol(intent schema.TradeIntent) (schema.Symbol, bool) {
	if p.registry == nil {
		return schema.Symbol{Name: intent.Symbol, Venue: intent.Venue}, intent.Venue != ""
	}
	return p.registry.Symbol(intent.Venue, intent.Symbol)
}

// View pins the state an intent is evaluated against.
func (p *Pipeline) View(intent schema.TradeIntent, sym schema.Symbol) risk.StateView {
	rv := p.ledger.RiskView(sym.Venue, sym.Name)
	healthy, rate := p.health.Status(sym.Venue)
	status := schema.StatusRunning
	if p.status != nil {
		status = p.status.Status()
	}

	return risk.StateView{
		Status:         status,
		VenueHealthy:   healthy,
		VenueErrorRate: rate,
		Symbol:         sym,
		Position:       rv.Position.Quantity,
		MarkPrice:      rv.Mark,
		SymbolExposure: rv.Exposure,
		TotalExposure:  rv.GrossExposure,
		Equity:         rv.Equity,
		PeakEquity:     decimal.Max(rv.PeakEquity, rv.Equity),
		LastTradeAt:    rv.LastFill,
		Now:            p.cfg.Clock(),
	}
}
