package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lot_bot/internal/models"

	"github.com/shopspring/decimal"
)

// Paper is an in-process gateway for development and tests. Submissions are
// recorded, confirmations are delivered only when scripted via EmitFill and
// friends, which reproduces the venue's fire-and-forget behaviour.
type Paper struct {
	mu      sync.Mutex
	seq     int
	orders  map[string]PaperOrder
	confirm chan models.ConfirmationEvent

	// SubmitErr, when set, is returned by the next Submit call.
	SubmitErr error
}

type PaperOrder struct {
	Handle      string
	Direction   models.Direction
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TimeInForce string
	Cancelled   bool
	SubmittedAt time.Time
}

func NewPaper() *Paper {
	return &Paper{
		orders:  make(map[string]PaperOrder),
		confirm: make(chan models.ConfirmationEvent, 256),
	}
}

func (p *Paper) Submit(_ context.Context, direction models.Direction, price, quantity decimal.Decimal, tif string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.SubmitErr != nil {
		err := p.SubmitErr
		p.SubmitErr = nil
		return "", err
	}

	p.seq++
	handle := fmt.Sprintf("paper-%d", p.seq)
	p.orders[handle] = PaperOrder{
		Handle:      handle,
		Direction:   direction,
		Price:       price,
		Quantity:    quantity,
		TimeInForce: tif,
		SubmittedAt: time.Now(),
	}
	return handle, nil
}

func (p *Paper) Cancel(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[handle]
	if !ok {
		return fmt.Errorf("paper: unknown handle %s", handle)
	}
	o.Cancelled = true
	p.orders[handle] = o
	return nil
}

func (p *Paper) Confirmations() <-chan models.ConfirmationEvent {
	return p.confirm
}

// Orders returns every submission seen so far, in order.
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PaperOrder, 0, len(p.orders))
	for i := 1; i <= p.seq; i++ {
		if o, ok := p.orders[fmt.Sprintf("paper-%d", i)]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (p *Paper) Emit(ev models.ConfirmationEvent) {
	p.confirm <- ev
}

func (p *Paper) EmitFill(product string, price, qty decimal.Decimal, ts time.Time) {
	p.Emit(models.ConfirmationEvent{
		Type: models.ConfirmFilled, ProductCode: product, Price: price, Quantity: qty, Timestamp: ts,
	})
}

func (p *Paper) EmitCancel(product string, price, qty decimal.Decimal, ts time.Time) {
	p.Emit(models.ConfirmationEvent{
		Type: models.ConfirmCancelled, ProductCode: product, Price: price, Quantity: qty, Timestamp: ts,
	})
}
