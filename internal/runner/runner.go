package runner

import (
	"context"
	"fmt"
	"time"

	"lot_bot/internal/exit"
	"lot_bot/internal/gateway"
	"lot_bot/internal/locks"
	"lot_bot/internal/models"
	"lot_bot/internal/modules/config"
	healthsvc "lot_bot/internal/modules/health/service"
	"lot_bot/internal/notify"
	"lot_bot/internal/persist"
	"lot_bot/internal/quotes"
	"lot_bot/internal/reconcile"
	"lot_bot/internal/retry"
	"lot_bot/internal/risk"
	"lot_bot/internal/store"
	"lot_bot/pkg/db"
	"lot_bot/pkg/logger"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Runner owns the engine wiring and the long-running loops: the tick loop
// feeding the risk engine, the confirmation loop feeding reconciliation, the
// single persistence consumer and the TTL janitor. None of those loops share
// a thread; all shared state sits behind the store's and registries' locks.
type Runner struct {
	cfg   *config.Config
	store *store.Store
	feed  *quotes.Feed
	gw    gateway.OrderGateway

	reconciler *reconcile.Engine
	retries    *retry.Controller
	riskEngine *risk.Engine
	executor   *exit.Executor
	worker     *persist.Worker

	exitLocks  *locks.Registry
	retryLocks *locks.Registry

	stores   *persist.Stores
	health   *healthsvc.State
	notifier notify.Notifier

	ticks chan models.Tick
}

// throttledNotifier is the optional keyed-throttle surface; *notify.Telegram
// implements it.
type throttledNotifier interface {
	SendThrottled(key string, window time.Duration, msg string)
}

// unmatchedThrottle bounds how often one symbol's unmatched confirmations may
// page the operator.
const unmatchedThrottle = time.Minute

func New(cfg *config.Config, txm *db.PgTxManager, gw gateway.OrderGateway, n notify.Notifier, health *healthsvc.State) *Runner {
	st := store.New()
	feed := quotes.NewFeed(quotes.Config{
		WSURL:     cfg.Quotes.WSURL,
		Symbol:    cfg.Quotes.Symbol,
		DialRetry: cfg.Quotes.DialRetry,
	})

	stores := persist.NewStores(txm)
	worker := persist.NewWorker(stores, st, persist.Config{
		QueueSize:    cfg.Persist.QueueSize,
		RetryBackoff: cfg.Persist.RetryBackoff,
		MaxAttempts:  cfg.Persist.MaxAttempts,
	})

	exitLocks := locks.NewRegistry(cfg.Exit.LockTTL)
	retryLocks := locks.NewRegistry(cfg.Retry.LockTTL)

	riskCfg := risk.Config{
		Default: risk.LotParams{
			ActivationPoints: decimal.NewFromFloat(cfg.Risk.ActivationPoints),
			PullbackRatio:    decimal.NewFromFloat(cfg.Risk.PullbackRatio),
		},
		Overrides:            make(map[int]risk.LotParams),
		ProtectionMultiplier: decimal.NewFromFloat(cfg.Risk.ProtectionMultiplier),
		SnapshotInterval:     cfg.Risk.SnapshotInterval,
	}
	for lot, o := range cfg.LotPolicy.Lots {
		p := riskCfg.Default
		if o.ActivationPoints > 0 {
			p.ActivationPoints = decimal.NewFromFloat(o.ActivationPoints)
		}
		if o.PullbackRatio > 0 {
			p.PullbackRatio = decimal.NewFromFloat(o.PullbackRatio)
		}
		riskCfg.Overrides[lot] = p
	}

	protector := risk.NewProtector(st, riskCfg, worker)
	executor := exit.New(st, gw, feed, exitLocks, worker, protector, n, exit.Config{
		GatewayTimeout: cfg.Exit.GatewayTimeout,
	})
	riskEngine := risk.New(st, riskCfg, executor, worker)

	retries := retry.New(st, gw, feed, retryLocks, retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		GatewayTimeout: cfg.Exit.GatewayTimeout,
	}, n)

	reconciler := reconcile.New(st, reconcile.Config{
		InitialTolerance: decimal.NewFromFloat(cfg.Reconcile.InitialTolerance),
		ToleranceStep:    decimal.NewFromFloat(cfg.Reconcile.ToleranceStep),
		MaxTolerance:     decimal.NewFromFloat(cfg.Reconcile.MaxTolerance),
		DedupWindow:      cfg.Reconcile.DedupWindow,
	}, retries)

	r := &Runner{
		cfg:        cfg,
		store:      st,
		feed:       feed,
		gw:         gw,
		reconciler: reconciler,
		retries:    retries,
		riskEngine: riskEngine,
		executor:   executor,
		worker:     worker,
		exitLocks:  exitLocks,
		retryLocks: retryLocks,
		stores:     stores,
		health:     health,
		notifier:   n,
		ticks:      make(chan models.Tick, 1024),
	}

	// a landed fill starts risk tracking and mirrors both records
	reconciler.OnFill(func(ctx context.Context, p *models.Position) {
		riskEngine.StartTracking(ctx, p)
		worker.EnqueueFill(p)
		r.mirrorGroup(p.GroupID)
	})
	reconciler.OnCancel(func(_ context.Context, p *models.Position) {
		worker.EnqueueCancel(p)
		r.mirrorGroup(p.GroupID)
	})

	return r
}

// Start launches the worker, feed and event loops. Non-blocking.
func (r *Runner) Start(ctx context.Context) {
	go r.worker.Run(ctx)
	go r.feed.Start(ctx, r.ticks)
	go r.tickLoop(ctx)
	go r.confirmLoop(ctx)
	go r.janitor(ctx)
	go r.refreshLoop(ctx)
	if r.health != nil {
		r.health.SetReady(true)
	}
	logger.Info("runner started: symbol=%s", r.cfg.Quotes.Symbol)
}

// Recover reloads live groups and their open positions from the durable store
// after a restart. Risk tracking is reseeded from the hard floor; trailing
// peaks rebuild from the live feed.
func (r *Runner) Recover(ctx context.Context) error {
	groups, err := r.stores.LiveGroups(ctx)
	if err != nil {
		return err
	}

	for _, g := range groups {
		positions, err := r.stores.OpenPositionsForGroup(ctx, g.GroupID)
		if err != nil {
			return err
		}
		if err := r.store.RestoreGroup(g, positions); err != nil {
			if errors.Is(err, store.ErrDuplicateGroup) {
				continue
			}
			return err
		}
		for _, p := range positions {
			r.riskEngine.StartTracking(ctx, p)
		}
		logger.Info("group recovered: id=%s positions=%d", g.GroupID, len(positions))
	}
	return nil
}

func (r *Runner) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-r.ticks:
			if r.health != nil {
				r.health.TouchTick(tick.Timestamp)
			}
			r.riskEngine.OnTick(ctx, tick)
		}
	}
}

func (r *Runner) confirmLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.gw.Confirmations():
			if !ok {
				return
			}
			if err := r.reconciler.Apply(ctx, ev); err != nil {
				var unmatched *reconcile.UnmatchedError
				if errors.As(err, &unmatched) {
					r.reportUnmatched(unmatched)
				}
				continue
			}
		}
	}
}

// reportUnmatched surfaces a confirmation no group could absorb: the nearest
// live group by target price carries the error for ops queries, and the
// operator gets at most one message per symbol per throttle window.
func (r *Runner) reportUnmatched(e *reconcile.UnmatchedError) {
	symbol := gateway.NormalizeSymbol(e.Event.ProductCode)
	msg := fmt.Sprintf("unmatched %s confirmation: %s @ %s, tolerance %s exhausted",
		e.Event.Type, e.Event.ProductCode, e.Event.Price.String(), e.MaxTolerance.String())

	if groups := r.store.LiveGroupsBySymbol(symbol); len(groups) > 0 {
		best := groups[0]
		bestDist := e.Event.Price.Sub(best.TargetPrice).Abs()
		for _, g := range groups[1:] {
			if dist := e.Event.Price.Sub(g.TargetPrice).Abs(); dist.LessThan(bestDist) {
				best, bestDist = g, dist
			}
		}
		r.store.SetGroupError(best.GroupID, msg)
		r.mirrorGroup(best.GroupID)
	}

	if tn, ok := r.notifier.(throttledNotifier); ok {
		tn.SendThrottled("unmatched:"+symbol, unmatchedThrottle, msg)
	} else if r.notifier != nil {
		r.notifier.Send(msg)
	}
}

// refreshLoop periodically merges durable-store rows for live groups back
// into memory; the closed set keeps exited positions from resurrecting.
func (r *Runner) refreshLoop(ctx context.Context) {
	if r.cfg.Persist.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Persist.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.store.LiveGroupIDs() {
				if err := r.worker.RefreshGroup(ctx, id); err != nil {
					logger.Error("refresh group %s: %v", id, err)
				}
			}
		}
	}
}

func (r *Runner) janitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Janitor.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.exitLocks.Sweep()
			r.retryLocks.Sweep()
			for _, id := range r.store.ArchiveTerminalGroups(r.cfg.Janitor.GroupGrace) {
				logger.Info("group archived: %s", id)
			}
		}
	}
}

// OpenGroup realizes one entry decision: registers the group and fans the
// lots out as independent orders.
func (r *Runner) OpenGroup(
	ctx context.Context,
	groupID string,
	direction models.Direction,
	totalLots int,
	quantityPerLot decimal.Decimal,
	targetPrice, rangeHigh, rangeLow decimal.Decimal,
) error {
	symbol := gateway.NormalizeSymbol(r.cfg.Quotes.Symbol)
	g, err := r.store.RegisterGroup(groupID, symbol, direction, totalLots, quantityPerLot, targetPrice, rangeHigh, rangeLow)
	if err != nil {
		return err
	}

	submitted := 0
	for lot := 0; lot < totalLots; lot++ {
		subCtx, cancel := context.WithTimeout(ctx, r.cfg.Exit.GatewayTimeout)
		_, err := r.gw.Submit(subCtx, direction, targetPrice, quantityPerLot, "GTC")
		cancel()
		if err != nil {
			logger.Error("submit lot %d of %s: %v", lot, groupID, err)
			break
		}
		submitted++
	}

	if err := r.store.UpdateSubmittedLots(groupID, submitted); err != nil {
		return err
	}
	r.mirrorGroup(groupID)
	logger.Info("group opened: id=%s dir=%s lots=%d/%d target=%s",
		groupID, direction, submitted, totalLots, targetPrice.String())
	if submitted < totalLots {
		return errors.Errorf("group %s: only %d/%d lots submitted", g.GroupID, submitted, totalLots)
	}
	return nil
}

// QueryGroupStatus returns a snapshot for ops tooling.
func (r *Runner) QueryGroupStatus(groupID string) (*models.StrategyGroup, error) {
	g, ok := r.store.Group(groupID)
	if !ok {
		return nil, errors.Wrap(store.ErrUnknownGroup, groupID)
	}
	return g, nil
}

// QueryPosition returns a position snapshot plus its risk state if present.
func (r *Runner) QueryPosition(positionID string) (*models.Position, *models.RiskState, error) {
	p, ok := r.store.Position(positionID)
	if !ok {
		return nil, nil, errors.Wrap(store.ErrUnknownPosition, positionID)
	}
	st, _ := r.store.RiskStateOf(positionID)
	return p, st, nil
}

// ForceExit closes one position on operator request.
func (r *Runner) ForceExit(ctx context.Context, positionID, reason string) error {
	if reason == "" {
		reason = models.ExitReasonManual
	}
	return r.executor.ForceExit(ctx, positionID, reason)
}

// GroupStatus renders one group for the chat command surface.
func (r *Runner) GroupStatus(groupID string) (string, error) {
	g, err := r.QueryGroupStatus(groupID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("group %s [%s %s]\nstatus: %s\nlots: %d filled, %d cancelled, %d pending of %d\nretries: %d",
		g.GroupID, g.Symbol, g.Direction, g.Status,
		g.FilledLots, g.CancelledLots, g.PendingLots(), g.TotalLots, g.RetryCount)
	if g.LastError != "" {
		text += "\nlast error: " + g.LastError
	}
	return text, nil
}

// PositionStatus renders one position and its risk state.
func (r *Runner) PositionStatus(positionID string) (string, error) {
	p, st, err := r.QueryPosition(positionID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("position %s lot %d [%s %s]\nstatus: %s entry: %s qty: %s",
		p.PositionID, p.LotIndex, p.Symbol, p.Direction, p.Status,
		p.EntryPrice.String(), p.Quantity.String())
	if st != nil {
		text += fmt.Sprintf("\npeak: %s stop: %s trailing: %v protected: %v",
			st.PeakPrice.String(), st.CurrentStopLoss.String(), st.TrailingActivated, st.ProtectionActivated)
	}
	if p.Status == models.PositionExited {
		text += fmt.Sprintf("\nexited @ %s (%s) pnl %s",
			p.ExitPrice.String(), p.ExitReason, p.RealizedPnl.String())
	}
	return text, nil
}

func (r *Runner) mirrorGroup(groupID string) {
	if g, ok := r.store.Group(groupID); ok {
		r.worker.EnqueueGroup(g)
	}
}
