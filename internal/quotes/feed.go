package quotes

import (
	"context"
	"sync"
	"time"

	"lot_bot/internal/models"
	"lot_bot/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type Config struct {
	WSURL     string
	Symbol    string
	DialRetry time.Duration
}

// Feed is the websocket quote client. It streams normalized ticks into the
// out channel and caches the latest top-of-book for chase pricing.
type Feed struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.RWMutex
	last models.Tick
	ok   bool
}

func NewFeed(cfg Config) *Feed {
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = 3 * time.Second
	}
	return &Feed{
		cfg:    cfg,
		dialer: &websocket.Dialer{},
	}
}

// LastTick returns the most recent tick seen on the stream.
func (f *Feed) LastTick() (models.Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.ok
}

// Push records a tick and forwards it. Used by the read loop and directly by
// replay tooling.
func (f *Feed) Push(tick models.Tick) {
	f.mu.Lock()
	f.last = tick
	f.ok = true
	f.mu.Unlock()
}

// Start runs the connect/read/reconnect loop until ctx ends.
func (f *Feed) Start(ctx context.Context, out chan<- models.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		logger.Info("quotes: connecting %s", f.cfg.WSURL)
		conn, _, err := f.dialer.DialContext(ctx, f.cfg.WSURL, nil)
		if err != nil {
			logger.Error("quotes: dial: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.cfg.DialRetry):
			}
			continue
		}

		sub := map[string]any{"op": "subscribe", "symbol": f.cfg.Symbol}
		if err := conn.WriteJSON(sub); err != nil {
			logger.Error("quotes: subscribe: %v", err)
			_ = conn.Close()
			continue
		}

		f.readLoop(ctx, conn, out)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.DialRetry):
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- models.Tick) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Error("quotes: read: %v", err)
			return
		}

		var frame struct {
			Symbol string `json:"symbol"`
			Last   string `json:"last"`
			Bid    string `json:"bid"`
			Ask    string `json:"ask"`
			TsMs   int64  `json:"ts"`
		}
		if err := sonic.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Symbol == "" || frame.Last == "" {
			continue
		}

		price, err := decimal.NewFromString(frame.Last)
		if err != nil || !price.IsPositive() {
			continue
		}
		bid, _ := decimal.NewFromString(frame.Bid)
		ask, _ := decimal.NewFromString(frame.Ask)

		tick := models.Tick{
			Symbol:    frame.Symbol,
			Price:     price,
			Bid:       bid,
			Ask:       ask,
			Timestamp: time.UnixMilli(frame.TsMs).UTC(),
		}
		f.Push(tick)

		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}
