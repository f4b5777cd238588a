// Command replay drives the reconciliation core with recorded confirmation
// events against a scripted set of groups, without a database or a venue.
// Useful for debugging matching behaviour on captured wire logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"lot_bot/internal/gateway"
	"lot_bot/internal/models"
	"lot_bot/internal/reconcile"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type scenario struct {
	Groups []struct {
		ID             string `yaml:"id"`
		Symbol         string `yaml:"symbol"`
		Direction      string `yaml:"direction"`
		TotalLots      int    `yaml:"total_lots"`
		QuantityPerLot string `yaml:"quantity_per_lot"`
		TargetPrice    string `yaml:"target_price"`
		RangeHigh      string `yaml:"range_high"`
		RangeLow       string `yaml:"range_low"`
	} `yaml:"groups"`

	// Raw pipe-delimited confirmation records, in delivery order.
	Events []string `yaml:"events"`

	Tolerance struct {
		Initial float64 `yaml:"initial"`
		Step    float64 `yaml:"step"`
		Max     float64 `yaml:"max"`
	} `yaml:"tolerance"`
}

func main() {
	path := flag.String("scenario", "scenario.yaml", "scenario file")
	flag.Parse()

	if err := logger.Init(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.SetServiceName("lot_bot_replay")

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("decode scenario: %w", err)
	}
	if sc.Tolerance.Initial == 0 {
		sc.Tolerance.Initial, sc.Tolerance.Step, sc.Tolerance.Max = 2.0, 2.0, 10.0
	}

	st := store.New()
	engine := reconcile.New(st, reconcile.Config{
		InitialTolerance: decimal.NewFromFloat(sc.Tolerance.Initial),
		ToleranceStep:    decimal.NewFromFloat(sc.Tolerance.Step),
		MaxTolerance:     decimal.NewFromFloat(sc.Tolerance.Max),
	}, nil)

	for _, g := range sc.Groups {
		qty, err := decimal.NewFromString(g.QuantityPerLot)
		if err != nil {
			return fmt.Errorf("group %s quantity: %w", g.ID, err)
		}
		target, err := decimal.NewFromString(g.TargetPrice)
		if err != nil {
			return fmt.Errorf("group %s target: %w", g.ID, err)
		}
		high, err := decimal.NewFromString(g.RangeHigh)
		if err != nil {
			return fmt.Errorf("group %s range high: %w", g.ID, err)
		}
		low, err := decimal.NewFromString(g.RangeLow)
		if err != nil {
			return fmt.Errorf("group %s range low: %w", g.ID, err)
		}
		symbol := gateway.NormalizeSymbol(g.Symbol)
		if _, err := st.RegisterGroup(g.ID, symbol, models.Direction(g.Direction),
			g.TotalLots, qty, target, high, low); err != nil {
			return err
		}
	}

	ctx := context.Background()
	unmatched := 0
	for i, raw := range sc.Events {
		ev, err := gateway.ParseConfirmation(raw)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if err := engine.Apply(ctx, ev); err != nil {
			unmatched++
		}
	}

	fmt.Printf("replayed %d events, %d unmatched\n\n", len(sc.Events), unmatched)
	for _, g := range sc.Groups {
		cur, ok := st.Group(g.ID)
		if !ok {
			continue
		}
		fmt.Printf("group %-12s %-9s filled=%d cancelled=%d pending=%d retries=%d",
			cur.GroupID, cur.Status, cur.FilledLots, cur.CancelledLots, cur.PendingLots(), cur.RetryCount)
		if cur.LastError != "" {
			fmt.Printf(" error=%q", cur.LastError)
		}
		fmt.Println()
	}
	return nil
}
