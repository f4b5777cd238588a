package gateway

import (
	"strconv"
	"strings"
	"time"

	"lot_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Raw confirmation payloads are pipe-delimited positional records:
//
//	TYPE|PRODUCT|PRICE|QTY|SIDE|EPOCH_MS
//
// SIDE is frequently blank or wrong at this venue, it is carried through as
// RawSide but never used for matching. Parsing happens here once; the core
// never touches wire format.

const confirmationFields = 6

// ParseConfirmation turns one raw record into a typed event.
func ParseConfirmation(raw string) (models.ConfirmationEvent, error) {
	var ev models.ConfirmationEvent

	parts := strings.Split(strings.TrimSpace(raw), "|")
	if len(parts) != confirmationFields {
		return ev, errors.Errorf("confirmation has %d fields, want %d: %q", len(parts), confirmationFields, raw)
	}

	switch t := models.ConfirmationType(strings.ToUpper(parts[0])); t {
	case models.ConfirmFilled, models.ConfirmCancelled, models.ConfirmRejected:
		ev.Type = t
	default:
		return ev, errors.Errorf("unknown confirmation type %q", parts[0])
	}

	ev.ProductCode = parts[1]

	price, err := decimal.NewFromString(parts[2])
	if err != nil {
		return ev, errors.Wrapf(err, "bad price %q", parts[2])
	}
	ev.Price = price

	qty, err := decimal.NewFromString(parts[3])
	if err != nil {
		return ev, errors.Wrapf(err, "bad quantity %q", parts[3])
	}
	ev.Quantity = qty

	ev.RawSide = strings.TrimSpace(parts[4])

	ms, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return ev, errors.Wrapf(err, "bad timestamp %q", parts[5])
	}
	ev.Timestamp = time.UnixMilli(ms).UTC()

	return ev, nil
}

// NormalizeSymbol reduces a venue product code to its canonical symbol:
// venue suffix after '.' dropped, trailing contract-month digits stripped.
// "rb2410" -> "rb", "IF2406.CFE" -> "IF", "AP511" -> "AP".
func NormalizeSymbol(product string) string {
	s := strings.TrimSpace(product)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	end := len(s)
	for end > 0 && s[end-1] >= '0' && s[end-1] <= '9' {
		end--
	}
	if end == 0 {
		return s
	}
	return s[:end]
}
