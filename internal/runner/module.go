package runner

import (
	"context"

	"lot_bot/internal/gateway"
	"lot_bot/internal/modules/config"
	"lot_bot/internal/notify"
	"lot_bot/internal/obs"
	"lot_bot/pkg/db"
	"lot_bot/pkg/logger"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			New,
			func(cfg *config.Config) notify.Notifier {
				if cfg.Telegram.Token == "" {
					return notify.NewStdout()
				}
				t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
				if err != nil {
					logger.Error("telegram notifier: %v", err)
					return notify.NewStdout()
				}
				return t
			},
			// the host owns the real venue connection; the paper gateway is
			// the in-process default
			func() gateway.OrderGateway {
				return gateway.NewPaper()
			},
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			r *Runner,
			cfg *config.Config,
			_ *db.PgTxManager,
			n notify.Notifier,
			ctx context.Context,
		) {
			lc.Append(fx.Hook{
				OnStart: func(startCtx context.Context) error {
					if err := r.Recover(startCtx); err != nil {
						return err
					}
					r.Start(ctx)
					if tg, ok := n.(*notify.Telegram); ok {
						go tg.Listen(ctx, r)
					}
					go func() {
						if err := obs.Serve(cfg.Service.Host, cfg.Service.MetricsPort); err != nil {
							logger.Error("metrics server: %v", err)
						}
					}()
					return nil
				},
			})
		}),
	)
}
