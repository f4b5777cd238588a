package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lot_bot/internal/gateway"
	"lot_bot/internal/models"
	"lot_bot/internal/obs"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/opentracing/opentracing-go"
	"github.com/shopspring/decimal"
)

// UnmatchedError is raised when no candidate group exists within the widest
// tolerance. It is always logged and surfaced, never silently dropped.
type UnmatchedError struct {
	Event        models.ConfirmationEvent
	MaxTolerance decimal.Decimal
}

func (e *UnmatchedError) Error() string {
	return fmt.Sprintf("no reconciliation candidate for %s %s @ %s within tolerance %s",
		e.Event.Type, e.Event.ProductCode, e.Event.Price.String(), e.MaxTolerance.String())
}

// CancelHandler receives lots whose orders were cancelled; the retry
// controller implements it.
type CancelHandler interface {
	OnLotCancelled(ctx context.Context, groupID string, lotIndex int)
}

// FillListener observes completed fills (risk tracking, persistence).
type FillListener func(ctx context.Context, p *models.Position)

type Config struct {
	InitialTolerance decimal.Decimal
	ToleranceStep    decimal.Decimal
	MaxTolerance     decimal.Decimal
	DedupWindow      time.Duration
}

// Engine matches inbound confirmations to pending lots. Direction off the
// wire is never trusted: candidates are chosen by canonical symbol and price
// closeness to the group target, FIFO on ties, with the tolerance widening
// pass by pass up to the hard cap.
type Engine struct {
	store   *store.Store
	cfg     Config
	cancels CancelHandler

	mu       sync.Mutex
	seen     map[string]time.Time // applied event dedup, pruned on use
	onFill   []FillListener
	onCancel []FillListener
	now      func() time.Time
}

func New(st *store.Store, cfg Config, cancels CancelHandler) *Engine {
	return &Engine{
		store:   st,
		cfg:     cfg,
		cancels: cancels,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// OnFill registers a listener invoked after a fill is applied in memory.
func (e *Engine) OnFill(fn FillListener) { e.onFill = append(e.onFill, fn) }

// OnCancel registers a listener invoked after a cancel is applied in memory.
func (e *Engine) OnCancel(fn FillListener) { e.onCancel = append(e.onCancel, fn) }

// Apply reconciles one confirmation event. Redelivering an already-applied
// event inside the dedup window is a no-op.
func (e *Engine) Apply(ctx context.Context, ev models.ConfirmationEvent) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "reconcile.apply")
	span.SetTag("type", string(ev.Type))
	span.SetTag("product", ev.ProductCode)
	defer span.Finish()

	if e.alreadyApplied(ev) {
		logger.Info("duplicate confirmation ignored: %s", ev.DedupKey())
		return nil
	}

	symbol := gateway.NormalizeSymbol(ev.ProductCode)
	groupID, ok := e.match(symbol, ev.Price)
	if !ok {
		obs.Unmatched.Inc()
		err := &UnmatchedError{Event: ev, MaxTolerance: e.cfg.MaxTolerance}
		logger.Error("%v", err)
		return err
	}

	switch ev.Type {
	case models.ConfirmFilled:
		p, err := e.store.ApplyFill(groupID, ev.Price, ev.Timestamp)
		if err != nil {
			return err
		}
		e.markApplied(ev)
		obs.Confirmations.WithLabelValues("filled").Inc()
		logger.Info("lot filled: group=%s lot=%d px=%s", groupID, p.LotIndex, ev.Price.String())
		for _, fn := range e.onFill {
			fn(ctx, p)
		}

	case models.ConfirmCancelled, models.ConfirmRejected:
		p, err := e.store.ApplyCancel(groupID, ev.Timestamp)
		if err != nil {
			return err
		}
		e.markApplied(ev)
		obs.Confirmations.WithLabelValues("cancelled").Inc()
		logger.Info("lot cancelled: group=%s lot=%d", groupID, p.LotIndex)
		for _, fn := range e.onCancel {
			fn(ctx, p)
		}
		if e.cancels != nil {
			e.cancels.OnLotCancelled(ctx, groupID, p.LotIndex)
		}
	}

	return nil
}

// match picks the candidate group: same canonical symbol, live, lots pending,
// closest target price within the current tolerance. The tolerance widens
// step by step up to the cap; on equal distance the earliest-registered group
// wins because LiveGroupsBySymbol yields registration order.
func (e *Engine) match(symbol string, price decimal.Decimal) (string, bool) {
	candidates := e.store.LiveGroupsBySymbol(symbol)
	if len(candidates) == 0 {
		return "", false
	}

	for tol := e.cfg.InitialTolerance; tol.LessThanOrEqual(e.cfg.MaxTolerance); tol = tol.Add(e.cfg.ToleranceStep) {
		bestID := ""
		bestDist := decimal.Zero
		for _, g := range candidates {
			dist := price.Sub(g.TargetPrice).Abs()
			if dist.GreaterThan(tol) {
				continue
			}
			if bestID == "" || dist.LessThan(bestDist) {
				bestID = g.GroupID
				bestDist = dist
			}
		}
		if bestID != "" {
			return bestID, true
		}
	}
	return "", false
}

func (e *Engine) alreadyApplied(ev models.ConfirmationEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for k, at := range e.seen {
		if now.Sub(at) > e.cfg.DedupWindow {
			delete(e.seen, k)
		}
	}
	_, ok := e.seen[ev.DedupKey()]
	return ok
}

func (e *Engine) markApplied(ev models.ConfirmationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen[ev.DedupKey()] = e.now()
}
