package main

import (
	"context"
	"log"

	"lot_bot/internal/modules/config"
	"lot_bot/internal/modules/health"
	"lot_bot/internal/modules/postgres"
	"lot_bot/internal/runner"
	"lot_bot/pkg/logger"
	"lot_bot/pkg/tracing"

	"go.uber.org/fx"
)

func main() {
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}
	logger.SetServiceName("lot_bot")
	tracing.SetServiceName("lot_bot")

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		health.Module(),
		runner.Module(),
		fx.Invoke(func(cfg *config.Config, lc fx.Lifecycle) error {
			if cfg.Jaeger.Host == "" {
				return nil
			}
			_, closeTracer, err := tracing.InitTracer(tracing.Config{
				Host: cfg.Jaeger.Host,
				Port: cfg.Jaeger.Port,
			})
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closeTracer()
					return nil
				},
			})
			return nil
		}),
	)
	if err := app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
	<-app.Done()
}
