package retry

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

	"github.com/shopspring/decimal"
)

// ExhaustedError marks a lot abandoned at its retry budget. The group stays
// live with fewer filled lots than intended; operators see it on group status.
type ExhaustedError struct {
	GroupID  string
	LotIndex int
	Retries  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("lot %d of group %s abandoned after %d retries", e.LotIndex, e.GroupID, e.Retries)
}

type Notifier interface {
	Sendf(format string, args ...any)
}

type Config struct {
	MaxRetries     int
	GatewayTimeout time.Duration
}

// Controller chases cancelled lots with fresh single-lot orders. The
// short-TTL dedup lock collapses duplicate or re-entrant cancel deliveries
// for the same lot into one action.
type Controller struct {
	store    *store.Store
	gw       gateway.OrderGateway
	quotes   gateway.QuoteSource
	dedup    *locks.Registry
	cfg      Config
	notifier Notifier
}

func New(
	st *store.Store,
	gw gateway.OrderGateway,
	quotes gateway.QuoteSource,
	dedup *locks.Registry,
	cfg Config,
	notifier Notifier,
) *Controller {
	return &Controller{
		store:    st,
		gw:       gw,
		quotes:   quotes,
		dedup:    dedup,
		cfg:      cfg,
		notifier: notifier,
	}
}

// OnLotCancelled is the reconciliation handoff for a cancelled lot.
func (c *Controller) OnLotCancelled(ctx context.Context, groupID string, lotIndex int) {
	g, ok := c.store.Group(groupID)
	if !ok {
		return
	}

	if g.LotRetryCount[lotIndex] >= c.cfg.MaxRetries {
		c.exhaust(g, lotIndex)
		return
	}
	if !c.store.NeedsRetryForLot(groupID, lotIndex, c.cfg.MaxRetries) {
		return
	}

	key := fmt.Sprintf("%s:%d", groupID, lotIndex)
	if !c.dedup.TryAcquire(key, "retry", "chase cancelled lot") {
		// racing duplicate trigger inside the dedup window
		return
	}

	p, ok := c.store.LotPosition(groupID, lotIndex)
	if !ok || p.Filled() {
		// a definitive fill won the race, abandon the chase
		c.store.AbandonRetry(groupID, lotIndex)
		return
	}

	count, err := c.store.BeginRetry(groupID, lotIndex)
	if err != nil {
		logger.Error("begin retry %s: %v", key, err)
		return
	}

	price := c.chasePrice(g.Direction, g.TargetPrice)

	subCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()
	handle, err := c.gw.Submit(subCtx, g.Direction, price, p.Quantity, "GTC")
	if err != nil {
		c.store.AbandonRetry(groupID, lotIndex)
		logger.Error("retry submit %s: %v", key, err)
		if c.notifier != nil {
			c.notifier.Sendf("retry submit failed for %s lot %d: %v", groupID, lotIndex, err)
		}
		return
	}

	if err := c.store.ResubmitLot(groupID, lotIndex); err != nil {
		logger.Error("resubmit bookkeeping %s: %v", key, err)
		return
	}

	obs.Retries.Inc()
	logger.Info("retry %d/%d submitted for group=%s lot=%d px=%s handle=%s",
		count, c.cfg.MaxRetries, groupID, lotIndex, price.String(), handle)
}

// chasePrice reads the live top-of-book: a chasing long pays the ask, a
// chasing short hits the bid. The order price never escalates with the retry
// count; only the market moves it.
func (c *Controller) chasePrice(direction models.Direction, fallback decimal.Decimal) decimal.Decimal {
	tick, ok := c.quotes.LastTick()
	if !ok {
		return fallback
	}
	if direction == models.DirectionLong {
		if tick.Ask.IsPositive() {
			return tick.Ask
		}
	} else if tick.Bid.IsPositive() {
		return tick.Bid
	}
	if tick.Price.IsPositive() {
		return tick.Price
	}
	return fallback
}

func (c *Controller) exhaust(g *models.StrategyGroup, lotIndex int) {
	err := &ExhaustedError{GroupID: g.GroupID, LotIndex: lotIndex, Retries: g.LotRetryCount[lotIndex]}
	if mErr := c.store.MarkLotFailed(g.GroupID, lotIndex, err.Error()); mErr != nil {
		logger.Error("mark lot failed %s/%d: %v", g.GroupID, lotIndex, mErr)
		return
	}
	obs.RetryExhausted.Inc()
	logger.Error("%v", err)
	if c.notifier != nil {
		c.notifier.Sendf("group %s running partial: lot %d abandoned after %d retries",
			g.GroupID, lotIndex, err.Retries)
	}
}
