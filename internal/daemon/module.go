package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"microauction/internal/config"
	"microauction/internal/debuglog"
	"microauction/internal/metrics"
	"microauction/internal/store"
)

// Module assembles a node for fx. Hooks run in reverse on stop, so the store
// hook, registered first, closes after the runner has drained.
func Module(cfg config.Config, role Role) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: debuglog.Logger().Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Supply(cfg, role),
		fx.Provide(
			newStore,
			metrics.New,
			newRunner,
		),
		fx.Invoke(func(*Runner) {}),
	)
}

func newStore(lc fx.Lifecycle, cfg config.Config) (store.Store, error) {
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return st.Close() },
	})
	return st, nil
}

func newRunner(lc fx.Lifecycle, cfg config.Config, role Role, st store.Store, m *metrics.Metrics) (*Runner, error) {
	r, err := NewRunner(cfg, st, Options{Role: role, Metrics: m})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: r.Start,
		OnStop:  r.Stop,
	})
	return r, nil
}
