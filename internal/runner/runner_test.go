package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lot_bot/internal/gateway"
	"lot_bot/internal/models"
	"lot_bot/internal/modules/config"
	"lot_bot/internal/notify"
	"lot_bot/internal/reconcile"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type throttleRecorder struct {
	mu        sync.Mutex
	sent      []string
	throttled map[string]int
}

func (n *throttleRecorder) Send(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *throttleRecorder) Sendf(format string, args ...any) { n.Send(fmt.Sprintf(format, args...)) }

func (n *throttleRecorder) SendThrottled(key string, _ time.Duration, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.throttled == nil {
		n.throttled = map[string]int{}
	}
	n.throttled[key]++
}

func (n *throttleRecorder) throttledCount(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.throttled[key]
}

// plainRecorder carries no throttle surface at all.
type plainRecorder struct {
	sent []string
}

func (n *plainRecorder) Send(msg string)                  { n.sent = append(n.sent, msg) }
func (n *plainRecorder) Sendf(format string, args ...any) { n.Send(fmt.Sprintf(format, args...)) }

func newTestRunner(t *testing.T, n notify.Notifier) (*Runner, *gateway.Paper) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Quotes.Symbol = "rb2410"
	cfg.Reconcile.InitialTolerance = 2
	cfg.Reconcile.ToleranceStep = 2
	cfg.Reconcile.MaxTolerance = 10
	cfg.Reconcile.DedupWindow = 30 * time.Second
	cfg.Retry.MaxRetries = 3
	cfg.Retry.LockTTL = 400 * time.Millisecond
	cfg.Exit.LockTTL = 10 * time.Second
	cfg.Exit.GatewayTimeout = time.Second

	gw := gateway.NewPaper()
	return New(cfg, nil, gw, n, nil), gw
}

func TestUnmatchedConfirmationReachesOperator(t *testing.T) {
	n := &throttleRecorder{}
	r, gw := newTestRunner(t, n)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, r.OpenGroup(ctx, "near", models.DirectionLong, 1,
		d("1"), d("3590"), d("3625"), d("3585")))
	require.NoError(t, r.OpenGroup(ctx, "far", models.DirectionLong, 1,
		d("1"), d("3567"), d("3572"), d("3562")))

	go r.confirmLoop(ctx)

	// 3620 misses both targets even at the widest tolerance
	gw.EmitFill("rb2410", d("3620"), d("1"), time.Now())

	require.Eventually(t, func() bool {
		g, err := r.QueryGroupStatus("near")
		return err == nil && g.LastError != ""
	}, time.Second, 5*time.Millisecond)

	g, err := r.QueryGroupStatus("near")
	require.NoError(t, err)
	assert.Contains(t, g.LastError, "unmatched")

	far, err := r.QueryGroupStatus("far")
	require.NoError(t, err)
	assert.Empty(t, far.LastError, "only the nearest group carries the error")

	assert.Equal(t, 1, n.throttledCount("unmatched:rb"), "one throttled message per symbol")
}

func TestUnmatchedFallsBackToPlainSend(t *testing.T) {
	n := &plainRecorder{}
	r, _ := newTestRunner(t, n)

	r.reportUnmatched(&reconcile.UnmatchedError{
		Event: models.ConfirmationEvent{
			Type:        models.ConfirmFilled,
			ProductCode: "rb2410",
			Price:       d("3620"),
		},
		MaxTolerance: d("10"),
	})

	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "unmatched")
}
