package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lot_bot/internal/models"

	"github.com/shopspring/decimal"
)

// OrderGateway is the venue boundary. Submission is fire-and-forget: the
// handle only proves the order left the process, outcomes arrive later on the
// confirmation channel. The host owns the physical connection.
type OrderGateway interface {
	Submit(ctx context.Context, direction models.Direction, price, quantity decimal.Decimal, timeInForce string) (string, error)
	Cancel(ctx context.Context, handle string) error
	Confirmations() <-chan models.ConfirmationEvent
}

// QuoteSource exposes the latest top-of-book for chase pricing.
type QuoteSource interface {
	LastTick() (models.Tick, bool)
}

// TimeoutError marks a gateway call that ran out of its time budget; callers
// treat it as retryable.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway %s timed out after %s", e.Op, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
