package risk

import (
	"context"
	"sync"
	"time"

	"lot_bot/internal/models"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/shopspring/decimal"
)

// LotParams are the trailing knobs, overridable per lot index.
type LotParams struct {
	ActivationPoints decimal.Decimal
	PullbackRatio    decimal.Decimal
}

type Config struct {
	Default              LotParams
	Overrides            map[int]LotParams
	ProtectionMultiplier decimal.Decimal
	SnapshotInterval     time.Duration
}

func (c Config) paramsFor(lotIndex int) LotParams {
	if p, ok := c.Overrides[lotIndex]; ok {
		return p
	}
	return c.Default
}

// ExitSink consumes exit triggers; the exit executor implements it.
type ExitSink interface {
	Execute(ctx context.Context, trigger models.ExitTrigger) error
}

// SnapshotSink receives periodic risk-state mirrors for async persistence.
type SnapshotSink interface {
	EnqueueRiskSnapshot(st *models.RiskState)
}

// Engine recomputes trailing and protective stops on every tick. It never
// touches durable storage on the tick path; snapshots go through the sink.
type Engine struct {
	store *store.Store
	cfg   Config
	exits ExitSink
	snaps SnapshotSink

	mu       sync.Mutex
	lastSnap map[string]time.Time
	now      func() time.Time
}

func New(st *store.Store, cfg Config, exits ExitSink, snaps SnapshotSink) *Engine {
	return &Engine{
		store:    st,
		cfg:      cfg,
		exits:    exits,
		snaps:    snaps,
		lastSnap: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// StartTracking seeds risk state for a freshly filled lot: peak at entry,
// stop at the originating range's far boundary (the hard floor).
func (e *Engine) StartTracking(_ context.Context, p *models.Position) {
	g, ok := e.store.Group(p.GroupID)
	if !ok {
		logger.Error("risk: fill for unknown group %s", p.GroupID)
		return
	}
	e.store.UpsertRiskState(&models.RiskState{
		PositionID:      p.PositionID,
		PeakPrice:       p.EntryPrice,
		CurrentStopLoss: g.HardFloor(),
		StopSetBy:       models.StopByFloor,
	})
	logger.Info("risk tracking started: pos=%s entry=%s floor=%s",
		p.PositionID, p.EntryPrice.String(), g.HardFloor().String())
}

// OnTick runs the per-position stop recomputation for one quote update.
func (e *Engine) OnTick(ctx context.Context, tick models.Tick) {
	for _, p := range e.store.ActivePositionsBySymbol(tick.Symbol) {
		e.tickOne(ctx, tick, p)
	}
}

func (e *Engine) tickOne(ctx context.Context, tick models.Tick, p *models.Position) {
	price := tick.Price
	long := p.Direction == models.DirectionLong
	params := e.cfg.paramsFor(p.LotIndex)

	// the whole recompute runs inside the store's critical section: a
	// protective tighten landed between read and write-back would otherwise
	// be erased by the stale clone
	var activated bool
	update := func(st *models.RiskState) {
		// peak follows favorable movement only
		if long {
			if price.GreaterThan(st.PeakPrice) {
				st.PeakPrice = price
			}
		} else if price.LessThan(st.PeakPrice) {
			st.PeakPrice = price
		}

		var excursion decimal.Decimal
		if long {
			excursion = st.PeakPrice.Sub(p.EntryPrice)
		} else {
			excursion = p.EntryPrice.Sub(st.PeakPrice)
		}

		if !st.TrailingActivated && excursion.GreaterThanOrEqual(params.ActivationPoints) {
			st.TrailingActivated = true
			activated = true
		}

		if st.TrailingActivated {
			// stop = peak - (peak - entry) * pullback, symmetric for shorts;
			// recomputed every tick but applied tighten-only
			pullback := st.PeakPrice.Sub(p.EntryPrice).Mul(params.PullbackRatio)
			candidate := st.PeakPrice.Sub(pullback)
			if tightens(long, candidate, st.CurrentStopLoss) {
				st.CurrentStopLoss = candidate
				st.StopSetBy = models.StopByTrailing
			}
		}
	}

	st, ok := e.store.UpdateRiskState(p.PositionID, update)
	if !ok {
		e.StartTracking(ctx, p)
		st, ok = e.store.UpdateRiskState(p.PositionID, update)
		if !ok {
			return
		}
	}
	if activated {
		logger.Info("trailing activated: pos=%s peak=%s", p.PositionID, st.PeakPrice.String())
	}
	e.maybeSnapshot(st)

	if crossed(long, price, st.CurrentStopLoss) {
		trigger := e.buildTrigger(p, st, price)
		if err := e.exits.Execute(ctx, trigger); err != nil {
			// contention is expected under racing triggers, next adverse
			// tick re-fires if the position is still open
			logger.Info("exit trigger not executed for %s: %v", p.PositionID, err)
		}
	}
}

func (e *Engine) buildTrigger(p *models.Position, st *models.RiskState, price decimal.Decimal) models.ExitTrigger {
	// the reason follows the rule that set the crossed stop, not whichever
	// flags happen to be raised
	var reason string
	switch st.StopSetBy {
	case models.StopByTrailing:
		reason = models.ExitReasonTrailing
	case models.StopByProtection:
		reason = models.ExitReasonProtective
	default:
		reason = models.ExitReasonHardStop
	}

	g, _ := e.store.Group(p.GroupID)
	trigger := models.ExitTrigger{
		PositionID: p.PositionID,
		GroupID:    p.GroupID,
		LotIndex:   p.LotIndex,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		PeakPrice:  st.PeakPrice,
		StopPrice:  st.CurrentStopLoss,
		Price:      price,
		Quantity:   p.Quantity,
		Reason:     reason,
		Source:     "risk",
		FiredAt:    e.now(),
	}
	if g != nil {
		trigger.RangeHigh = g.RangeHigh
		trigger.RangeLow = g.RangeLow
	}
	return trigger
}

func (e *Engine) maybeSnapshot(st *models.RiskState) {
	if e.snaps == nil || e.cfg.SnapshotInterval <= 0 {
		return
	}
	now := e.now()

	e.mu.Lock()
	last := e.lastSnap[st.PositionID]
	if now.Sub(last) < e.cfg.SnapshotInterval {
		e.mu.Unlock()
		return
	}
	e.lastSnap[st.PositionID] = now
	e.mu.Unlock()

	e.snaps.EnqueueRiskSnapshot(st.Clone())
}

// tightens reports whether the candidate stop reduces maximum possible loss:
// a long stop may only rise, a short stop may only fall.
func tightens(long bool, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// crossed reports an adverse cross of the current stop.
func crossed(long bool, price, stop decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if long {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}
