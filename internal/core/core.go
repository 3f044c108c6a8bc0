// Package core assembles the trading system: exchange adapter, portfolio
// ledger, analysts, fusion, strategist, sentinel, executor, scheduler and
// persistence, with an explicit init, run, stop lifecycle.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/analyst"
	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/executor"
	"github.com/southquant/tradecore/internal/fusion"
	"github.com/southquant/tradecore/internal/llm"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
	"github.com/southquant/tradecore/internal/regime"
	"github.com/southquant/tradecore/internal/risk"
	"github.com/southquant/tradecore/internal/scheduler"
	"github.com/southquant/tradecore/internal/store"
	"github.com/southquant/tradecore/internal/strategist"
)

const (
	candleIntervalMin = 15
	candleWindow      = 100
	bookDepth         = 10
	regimeCacheTTL    = 5 * time.Minute
	analystTimeout    = 15 * time.Second
	stopLossInterval  = 30 * time.Second
)

// Option overrides one wiring decision, mainly for tests and embedding.
type Option func(*Core)

// WithAdapter injects a prebuilt exchange adapter instead of the one the
// configuration selects.
func WithAdapter(a exchange.Adapter) Option {
	return func(c *Core) { c.adapter = a }
}

// WithStore injects a prebuilt persistence layer.
func WithStore(s *store.Store) Option {
	return func(c *Core) { c.store = s }
}

// Core is the explicit handle over the whole trading system.
type Core struct {
	cfg *config.Config
	log zerolog.Logger

	adapter    exchange.Adapter
	candles    *market.CandleCache
	redisCache *market.RedisCandleCache
	redis      *redis.Client
	ledger     *portfolio.Ledger
	fanout     *portfolio.Fanout
	snapCache  *portfolio.SnapshotCache
	eventBus   *bus.Bus
	natsBridge *bus.NATSBridge
	natsServer *natsserver.Server
	store      *store.Store
	writer     *store.AsyncWriter
	breakers   *risk.BreakerSet
	sentinel   *risk.Sentinel
	ioBreakers *risk.IOBreakerManager
	stopMon    *risk.StopLossMonitor
	runner     *analyst.Runner
	weights    *fusion.WeightTable
	engine     *fusion.Engine
	detector   *regime.Detector
	strat      strategist.Strategist
	tracker    *llm.Tracker
	exec       *executor.Executor
	sched      *scheduler.Scheduler

	// Settable external feeds, live in simulation and tests.
	Sentiment *analyst.StaticSentimentSource
	Onchain   *analyst.StaticExternalSource
	Macro     *analyst.StaticExternalSource

	pairs []market.Pair

	mu         sync.Mutex
	lastRecord *CycleRecord
	fatalErr   error
	cancel     context.CancelFunc
}

// New builds and wires the system from configuration. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Core, error) {
	initMetrics()

	c := &Core{
		cfg:       cfg,
		log:       logger,
		candles:   market.NewCandleCache(candleWindow * 2),
		eventBus:  bus.New(config.NewLogger("bus")),
		tracker:   llm.NewTracker(),
		Sentiment: analyst.NewStaticSentimentSource(),
		Onchain:   analyst.NewStaticExternalSource(),
		Macro:     analyst.NewStaticExternalSource(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, raw := range cfg.Trading.Pairs {
		pair, err := market.ParsePair(raw)
		if err != nil {
			return nil, fmt.Errorf("core: pair %q: %w", raw, err)
		}
		c.pairs = append(c.pairs, pair)
	}

	if c.adapter == nil {
		adapter, err := buildAdapter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.adapter = adapter
	}

	c.ledger = portfolio.NewLedger(cfg.Trading.QuoteCurrency, cfg.Trading.InitialCapital,
		cfg.Trading.SnapshotHistory, config.NewLogger("ledger"))
	c.fanout = portfolio.NewFanout(cfg.Fanout.Enabled, cfg.Fanout.SubscriberBuffer,
		cfg.Fanout.SlowConsumerThreshold, config.NewLogger("fanout"))

	if err := c.initStore(ctx); err != nil {
		return nil, err
	}
	if err := c.initNATS(); err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.redisCache = market.NewRedisCandleCache(c.redis, time.Duration(cfg.Trading.CycleIntervalMinutes)*time.Minute)
		c.snapCache = portfolio.NewSnapshotCache(c.redis, 2*time.Duration(cfg.Trading.CycleIntervalMinutes)*time.Minute)
	}

	var breakerStore risk.StateStore
	if c.store != nil {
		breakerStore = c.store
	}
	c.breakers = risk.NewBreakerSet(cfg.Breakers, c.eventBus, breakerStore, config.NewLogger("breakers"))
	if err := c.breakers.Restore(ctx); err != nil {
		return nil, fmt.Errorf("core: restore breaker state: %w", err)
	}
	c.sentinel = risk.NewSentinel(cfg.Risk, c.breakers, c.ledger, config.NewLogger("sentinel"))
	c.ioBreakers = risk.NewIOBreakerManager(nil, nil, nil)

	c.runner = analyst.NewRunner(c.buildAnalysts(), analystTimeout, config.NewLogger("analysts"))
	c.weights = fusion.NewWeightTable(c.loadWeights(ctx))
	c.engine = fusion.NewEngine(c.weights, cfg.Fusion.DisagreementPenalty, config.NewLogger("fusion"))
	c.detector = regime.NewDetector(regimeCacheTTL, config.NewLogger("regime"))

	if err := c.initStrategist(); err != nil {
		return nil, err
	}

	c.exec = executor.New(c.adapter, c.ledger, c.eventBus, c.ioBreakers.Exchange(),
		cfg.Execution, config.NewLogger("executor"))
	c.stopMon = risk.NewStopLossMonitor(c.ledger, c.adapter, c.eventBus, c.handleStopLossBreach,
		stopLossInterval, config.NewLogger("stoploss"))
	c.sched = scheduler.New(cfg.Trading.CycleInterval(), c.runCycle,
		cfg.Trading.RunWhenPausedOnCritical, c.eventBus, config.NewLogger("scheduler"))

	if err := c.reconcileOrders(ctx); err != nil {
		return nil, fmt.Errorf("core: order reconciliation: %w", err)
	}

	c.log.Info().
		Str("exchange", cfg.Exchange.Kind).
		Str("stage", cfg.Trading.Stage).
		Str("strategist", cfg.Strategist.Mode).
		Strs("pairs", cfg.Trading.Pairs).
		Msg("Core initialized")
	return c, nil
}

func buildAdapter(ctx context.Context, cfg *config.Config) (exchange.Adapter, error) {
	switch cfg.Exchange.Kind {
	case "real":
		return exchange.NewBinanceAdapter(ctx, exchange.BinanceConfig{
			APIKey:    cfg.Exchange.APIKey,
			SecretKey: cfg.Exchange.SecretKey,
			Testnet:   cfg.Exchange.Testnet,
		}, config.NewLogger("binance"))

	case "simulation":
		// Unauthenticated Binance client for market data; fills are
		// synthesized locally.
		data, err := exchange.NewBinanceAdapter(ctx, exchange.BinanceConfig{}, config.NewLogger("binance"))
		if err != nil {
			return nil, err
		}
		return exchange.NewSimAdapter(data, feeModel(cfg.Exchange.Fees),
			cfg.Trading.QuoteCurrency, cfg.Trading.InitialCapital, config.NewLogger("sim")), nil

	case "mock":
		return exchange.NewMockAdapter(), nil
	}
	return nil, fmt.Errorf("core: unknown exchange kind %q", cfg.Exchange.Kind)
}

func feeModel(fc config.FeeConfig) exchange.FeeModel {
	model := exchange.DefaultFeeModel()
	if fc.Maker > 0 {
		model.Maker = fc.Maker
	}
	if fc.Taker > 0 {
		model.Taker = fc.Taker
	}
	if fc.BaseSlippage > 0 {
		model.BaseSlippage = fc.BaseSlippage
	}
	if fc.MarketImpact > 0 {
		model.MarketImpact = fc.MarketImpact
	}
	if fc.MaxSlippage > 0 {
		model.MaxSlippage = fc.MaxSlippage
	}
	return model
}

func (c *Core) initStore(ctx context.Context) error {
	if c.store == nil {
		if !c.cfg.Database.Enabled {
			return nil
		}
		st, err := store.New(ctx, c.cfg.Database, config.NewLogger("store"))
		if err != nil {
			return fmt.Errorf("core: connect store: %w", err)
		}
		c.store = st
	}
	if err := c.store.Migrate(ctx); err != nil {
		return err
	}

	c.writer = store.NewAsyncWriter(c.cfg.Database.WriteBuffer,
		time.Duration(c.cfg.Database.WriteDeadlineMS)*time.Millisecond,
		c.eventBus, config.NewLogger("store"))

	positions, available, err := c.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("core: load positions: %w", err)
	}
	if len(positions) > 0 || available > 0 {
		for _, pos := range positions {
			c.ledger.RestorePosition(pos)
		}
		c.log.Info().Int("positions", len(positions)).Msg("Portfolio restored from snapshot")
	}
	return nil
}

func (c *Core) initNATS() error {
	if !c.cfg.NATS.Enabled {
		return nil
	}
	url := c.cfg.NATS.URL
	if c.cfg.NATS.Embedded {
		srv, err := bus.StartEmbeddedServer(-1)
		if err != nil {
			return fmt.Errorf("core: embedded nats: %w", err)
		}
		c.natsServer = srv
		url = srv.ClientURL()
	}
	bridge, err := bus.NewNATSBridge(url, c.eventBus, config.NewLogger("nats"))
	if err != nil {
		return fmt.Errorf("core: nats bridge: %w", err)
	}
	c.natsBridge = bridge
	return nil
}

// buildAnalysts selects the analyst set for the configured stage:
// stage1 trades on market structure alone, stage2 adds on-chain flows,
// stage3 adds the macro feed.
func (c *Core) buildAnalysts() []analyst.Analyst {
	analysts := []analyst.Analyst{
		analyst.NewTechnical(config.NewAnalystLogger("technical")),
		analyst.NewSentiment(c.Sentiment, 0.3, time.Hour, config.NewAnalystLogger("sentiment")),
		analyst.NewOrderbook(bookDepth, config.NewAnalystLogger("orderbook")),
	}
	switch c.cfg.Trading.Stage {
	case "stage2":
		analysts = append(analysts, analyst.NewOnchain(c.Onchain, 6*time.Hour, config.NewAnalystLogger("onchain")))
	case "stage3":
		analysts = append(analysts,
			analyst.NewOnchain(c.Onchain, 6*time.Hour, config.NewAnalystLogger("onchain")),
			analyst.NewMacro(c.Macro, 6*time.Hour, config.NewAnalystLogger("macro")))
	}
	return analysts
}

// loadWeights starts from the configured weight table and overlays any
// rows persisted by accuracy recomputation.
func (c *Core) loadWeights(ctx context.Context) map[string]map[string]float64 {
	merged := make(map[string]map[string]float64, len(c.cfg.Fusion.Weights))
	for regimeKey, row := range c.cfg.Fusion.Weights {
		merged[regimeKey] = make(map[string]float64, len(row))
		for name, w := range row {
			merged[regimeKey][name] = w
		}
	}
	if c.store == nil {
		return merged
	}

	saved, err := c.store.LoadWeights(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Persisted analyst weights unavailable, using config")
		return merged
	}
	for regimeKey, row := range saved {
		if merged[regimeKey] == nil {
			merged[regimeKey] = make(map[string]float64, len(row))
		}
		for name, w := range row {
			merged[regimeKey][name] = w
		}
	}
	return merged
}

func (c *Core) initStrategist() error {
	params := strategist.Params{
		MinConfidence:  c.cfg.Risk.MinConfidence,
		ThresholdBuy:   c.cfg.Strategist.ThresholdBuy,
		ThresholdSell:  c.cfg.Strategist.ThresholdSell,
		BaseSizeQuote:  c.cfg.Strategist.BaseSizeQuote,
		MinSizeQuote:   c.cfg.Strategist.MinSizeQuote,
		MaxPositionPct: c.cfg.Risk.MaxPositionPct,
	}
	rules := strategist.NewRules(params, config.NewLogger("strategist"))

	switch c.cfg.Strategist.Mode {
	case "rules":
		c.strat = rules
	case "llm", "hybrid":
		client := llm.NewClient(llm.ClientConfig{
			Endpoint:    c.cfg.LLM.Endpoint,
			APIKey:      c.cfg.LLM.APIKey,
			Model:       c.cfg.LLM.Model,
			Temperature: c.cfg.LLM.Temperature,
			MaxTokens:   c.cfg.LLM.MaxTokens,
			Timeout:     c.cfg.LLM.Timeout(),
		})
		llmStrat := strategist.NewLLM(client, c.tracker, rules, c.cfg.LLM.Timeout(),
			c.cfg.Strategist.DailyBudgetUSD, config.NewLogger("strategist"))
		if c.cfg.Strategist.Mode == "llm" {
			c.strat = llmStrat
		} else {
			c.strat = strategist.NewHybrid(rules, llmStrat, config.NewLogger("strategist"))
		}
	default:
		return fmt.Errorf("core: unknown strategist mode %q", c.cfg.Strategist.Mode)
	}
	return nil
}

// Run blocks until the context is cancelled or Stop is called. It returns
// the fatal error when the run ended in an emergency stop.
func (c *Core) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	var wg sync.WaitGroup
	if c.writer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.writer.Run(runCtx)
		}()
	}
	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.persistEvents(runCtx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.stopMon.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.watchCriticalEvents(runCtx)
	}()

	c.sched.Run(runCtx)
	cancel()
	wg.Wait()
	c.closeTransports()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// persistEvents writes every bus event through the async queue.
func (c *Core) persistEvents(ctx context.Context) {
	events, cancel := c.eventBus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if evt.Type == bus.EventWriteDropped {
				continue
			}
			e := evt
			c.writer.Submit("event", func(ctx context.Context) error {
				return c.store.SaveEvent(ctx, e)
			})
		}
	}
}

// watchCriticalEvents nudges the scheduler after a breaker trip so the
// next cycle re-evaluates positions immediately.
func (c *Core) watchCriticalEvents(ctx context.Context) {
	events, cancel := c.eventBus.Subscribe(16, bus.EventBreakerTripped)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			c.sched.ReactiveTrigger("breaker_tripped")
		}
	}
}

func (c *Core) closeTransports() {
	if c.natsBridge != nil {
		c.natsBridge.Close()
	}
	if c.natsServer != nil {
		c.natsServer.Shutdown()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if c.store != nil {
		c.store.Close()
	}
}

// TriggerCycle requests an immediate cycle.
func (c *Core) TriggerCycle() { c.sched.Trigger() }

// Pause blocks scheduled cycles.
func (c *Core) Pause() { c.sched.Pause() }

// Resume unblocks scheduled cycles.
func (c *Core) Resume() { c.sched.Resume() }

// Stop shuts the system down cleanly.
func (c *Core) Stop() {
	c.sched.Stop()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

// EmergencyStop freezes trading immediately and records the cause as the
// run's fatal error.
func (c *Core) EmergencyStop(reason string) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = fmt.Errorf("emergency stop: %s", reason)
	}
	c.mu.Unlock()
	c.sched.EmergencyStop(reason)
	c.Stop()
}

// ReloadPartial applies a runtime update to the reloadable config
// subset and rewires the components that captured those values.
func (c *Core) ReloadPartial(u config.PartialUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cfg.ReloadPartial(u); err != nil {
		return err
	}

	c.weights.SetAll(c.cfg.Fusion.Weights)
	c.engine = fusion.NewEngine(c.weights, c.cfg.Fusion.DisagreementPenalty, config.NewLogger("fusion"))
	c.sentinel = risk.NewSentinel(c.cfg.Risk, c.breakers, c.ledger, config.NewLogger("sentinel"))
	c.breakers.UpdateConfig(c.cfg.Breakers)
	if err := c.initStrategist(); err != nil {
		return err
	}

	c.log.Info().Msg("Runtime configuration reloaded")
	return nil
}

// Status reports the scheduler view plus portfolio headline numbers.
func (c *Core) Status() scheduler.Status {
	return c.sched.Status()
}

// PortfolioSnapshot returns the current portfolio without recording it
// into history.
func (c *Core) PortfolioSnapshot() portfolio.Snapshot {
	return c.ledger.View()
}

// RecentTrades returns the last n realized trades.
func (c *Core) RecentTrades(n int) []portfolio.RealizedTrade {
	return c.ledger.RecentRealized(n)
}

// BreakerStates returns the domain breaker family.
func (c *Core) BreakerStates() []risk.BreakerState {
	return c.breakers.States()
}

// Performance summarizes progress against the configured capital targets.
func (c *Core) Performance() map[string]float64 {
	snap := c.ledger.View()
	return map[string]float64{
		"initial_capital": c.cfg.Trading.InitialCapital,
		"target_capital":  c.cfg.Trading.TargetCapital,
		"total_value":     snap.TotalValue,
		"realized_pnl":    c.ledger.RealizedPnLSince(time.Time{}),
		"total_fees":      c.ledger.TotalFees(),
		"llm_spend_usd":   c.tracker.DailySpend(),
	}
}

// SubscribePortfolio registers a live portfolio listener.
func (c *Core) SubscribePortfolio() (<-chan portfolio.Snapshot, func()) {
	return c.fanout.Subscribe()
}

// LastCycle returns the record of the most recent cycle, if any.
func (c *Core) LastCycle() *CycleRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecord
}

