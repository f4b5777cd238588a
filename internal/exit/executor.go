package exit

import (
	"context"
	"fmt"
	"time"

	"lot_bot/internal/gateway"
	"lot_bot/internal/locks"
	"lot_bot/internal/models"
	"lot_bot/internal/obs"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

// ContentionError signals that another exit attempt already holds the lock.
// Expected under racing triggers, never fatal: the next adverse tick
// re-triggers if the position is still open.
type ContentionError struct {
	PositionID string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("exit already in flight for position %s", e.PositionID)
}

type PersistSink interface {
	EnqueueExit(p *models.Position)
}

type ProfitProtector interface {
	OnPositionExited(ctx context.Context, closed *models.Position)
}

type Notifier interface {
	Sendf(format string, args ...any)
}

type Config struct {
	GatewayTimeout time.Duration
}

// Executor closes positions with an at-most-once guarantee per position: the
// exit lock is taken before the gateway call and only the holder may flip the
// position to EXITED. The lock TTL recovers from a crashed attempt.
type Executor struct {
	store     *store.Store
	gw        gateway.OrderGateway
	quotes    gateway.QuoteSource
	exitLocks *locks.Registry
	persist   PersistSink
	protector ProfitProtector
	notifier  Notifier
	cfg       Config
}

func New(
	st *store.Store,
	gw gateway.OrderGateway,
	quotes gateway.QuoteSource,
	exitLocks *locks.Registry,
	persist PersistSink,
	protector ProfitProtector,
	notifier Notifier,
	cfg Config,
) *Executor {
	return &Executor{
		store:     st,
		gw:        gw,
		quotes:    quotes,
		exitLocks: exitLocks,
		persist:   persist,
		protector: protector,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// Execute closes a position from the trigger's embedded snapshot. The trigger
// carries entry, peak, stop and quantity so no fresh (possibly stale) state
// read happens between lock acquisition and submission.
func (x *Executor) Execute(ctx context.Context, trigger models.ExitTrigger) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "exit.execute")
	span.SetTag("position", trigger.PositionID)
	span.SetTag("reason", trigger.Reason)
	defer span.Finish()

	if cur, ok := x.store.Position(trigger.PositionID); !ok {
		return errors.Errorf("exit: unknown position %s", trigger.PositionID)
	} else if cur.Status != models.PositionActive {
		// repeated trigger after the flip, nothing to do
		return nil
	}

	if !x.exitLocks.TryAcquire(trigger.PositionID, trigger.Source, trigger.Reason) {
		obs.ExitContention.Inc()
		return &ContentionError{PositionID: trigger.PositionID}
	}

	subCtx, cancel := context.WithTimeout(ctx, x.cfg.GatewayTimeout)
	defer cancel()

	handle, err := x.gw.Submit(subCtx, trigger.Direction.Opposite(), trigger.Price, trigger.Quantity, "IOC")
	if err != nil {
		// reject or timeout: release and leave the position ACTIVE so the
		// next adverse tick can re-trigger
		x.exitLocks.Release(trigger.PositionID)
		if gateway.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			logger.Error("exit submit timed out for %s: %v", trigger.PositionID, err)
			return err
		}
		logger.Error("exit submit rejected for %s: %v", trigger.PositionID, err)
		return err
	}

	// the in-memory flip happens synchronously on acknowledgment so any
	// racing recompute or repeated trigger observes EXITED immediately
	closed, err := x.store.MarkExited(trigger.PositionID, trigger.Price, trigger.Reason)
	if err != nil {
		x.exitLocks.Release(trigger.PositionID)
		return err
	}

	if x.persist != nil {
		x.persist.EnqueueExit(closed)
	}
	x.exitLocks.Release(trigger.PositionID)

	obs.Exits.WithLabelValues(trigger.Reason).Inc()
	logger.Info("position exited: pos=%s group=%s lot=%d px=%s pnl=%s reason=%s handle=%s",
		closed.PositionID, closed.GroupID, closed.LotIndex,
		trigger.Price.String(), closed.RealizedPnl.String(), trigger.Reason, handle)
	if x.notifier != nil {
		x.notifier.Sendf("exit %s lot %d @ %s (%s), pnl %s",
			closed.GroupID, closed.LotIndex, trigger.Price.String(), trigger.Reason, closed.RealizedPnl.String())
	}

	// profit protection runs strictly after the exit commit above
	if x.protector != nil {
		x.protector.OnPositionExited(ctx, closed)
	}
	return nil
}

// ForceExit is the ops entry point: builds a trigger from current state and
// runs the same at-most-once path.
func (x *Executor) ForceExit(ctx context.Context, positionID, reason string) error {
	p, ok := x.store.Position(positionID)
	if !ok {
		return errors.Errorf("force exit: unknown position %s", positionID)
	}
	if p.Status != models.PositionActive || !p.Filled() {
		return errors.Errorf("force exit: position %s is not open", positionID)
	}

	trigger := models.ExitTrigger{
		PositionID: p.PositionID,
		GroupID:    p.GroupID,
		LotIndex:   p.LotIndex,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		Reason:     reason,
		Source:     "manual",
		FiredAt:    time.Now(),
	}
	if st, ok := x.store.RiskStateOf(positionID); ok {
		trigger.PeakPrice = st.PeakPrice
		trigger.StopPrice = st.CurrentStopLoss
	}
	trigger.Price = p.EntryPrice
	if x.quotes != nil {
		if tick, ok := x.quotes.LastTick(); ok && tick.Price.IsPositive() {
			trigger.Price = tick.Price
		}
	}
	return x.Execute(ctx, trigger)
}
