package main

import (
	"context"
	"errors"
	"github.com/gofiber/fiber/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/slickwilli/plugsave/config"
	"github.com/slickwilli/plugsave/pkg/api"
	"github.com/slickwilli/plugsave/pkg/clients/supabase"
	"github.com/slickwilli/plugsave/pkg/devices"
	"github.com/slickwilli/plugsave/pkg/history"
	"github.com/slickwilli/plugsave/pkg/notify"
	"github.com/slickwilli/plugsave/pkg/simulator"
	"github.com/slickwilli/plugsave/pkg/store"
	"github.com/slickwilli/plugsave/pkg/store/memstore"
	"github.com/slickwilli/plugsave/pkg/store/sqlstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	logConf := zap.NewProductionConfig()
	logConf.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	logConf.DisableCaller = true
	logger, err := logConf.Build()
	if err != nil {
		log.Fatal("error building zap logger", err)
	}
	defer logger.Sync()

	var conf config.PlugSaveConfig
	if err := envconfig.Process("PLUGSAVE", &conf); err != nil {
		logger.Fatal("unable to build configuration", zap.Error(err))
	}
	if err := conf.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := NewApp(context.Background(), logger, &conf)
	if err != nil {
		logger.Fatal("unable to build plugsave", zap.Error(err))
	}
	defer app.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	app.sim.Start()
	go func() {
		if err := app.http.Listen(conf.ListenAddress); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	<-sigs
	logger.Info("exiting plugsave")
	if err := app.http.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Warn("error shutting down http server", zap.Error(err))
	}
	app.sim.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.sim.Wait(ctx); err != nil {
		logger.Warn("simulation tick still running at shutdown", zap.Error(err))
	}
}

type App struct {
	sim     *simulator.Simulator
	http    *fiber.App
	closers []func() error
	logger  *zap.Logger
}

func NewApp(ctx context.Context, logger *zap.Logger, conf *config.PlugSaveConfig) (*App, error) {
	a := &App{logger: logger}

	devs, sessions, err := a.openStore(ctx, conf)
	if err != nil {
		a.Close()
		return nil, err
	}

	events := notify.NewBuffer(conf.EventBufferSize)
	opts := []simulator.Option{
		simulator.WithInterval(conf.SimulationInterval),
		simulator.WithBurst(conf.SimulationBurst, conf.SimulationColdStartBurst),
		simulator.WithNotifier(notify.Multi(notify.NewLog(logger), events)),
	}
	if conf.HistoryEnabled {
		rec, err := history.NewRecorder(ctx, logger, history.Options{
			Addresses: conf.ClickHouseAddresses,
			Database:  conf.ClickHouseDatabase,
			Username:  conf.ClickHouseUsername,
			Password:  conf.ClickHousePassword,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rec.Close)
		opts = append(opts, simulator.WithRecorder(rec))
	}
	a.sim = simulator.New(logger, devs, sessions, opts...)

	svc := devices.NewService(logger, devs, sessions, a.sim)
	a.http = api.NewApp(conf.CorsAllowOrigins)
	api.NewHandler(logger, a.sim, svc, events).Register(a.http)
	return a, nil
}

func (a *App) openStore(ctx context.Context, conf *config.PlugSaveConfig) (store.DeviceStore, store.SessionProvider, error) {
	session := store.StaticSession{UserID: conf.SessionUserID}
	switch conf.StoreBackend {
	case config.StoreBackendMemory:
		a.logger.Info("using in-memory device store")
		return memstore.New(), session, nil
	case config.StoreBackendSQLite:
		s, err := sqlstore.Open(ctx, a.logger, conf.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info("using sqlite device store", zap.String("path", conf.SQLitePath))
		return s, session, nil
	case config.StoreBackendSupabase:
		c, err := supabase.NewClient(ctx, conf.SupabaseURL, conf.SupabaseAnonKey, conf.SupabaseEmail, conf.SupabasePassword, nil)
		if err != nil && !errors.Is(err, store.ErrSessionMissing) {
			return nil, nil, err
		}
		if err != nil {
			// Bad credentials are not fatal: ticks skip until a session exists.
			a.logger.Warn("supabase sign-in failed", zap.Error(err))
			c, err = supabase.NewClient(ctx, conf.SupabaseURL, conf.SupabaseAnonKey, "", "", nil)
			if err != nil {
				return nil, nil, err
			}
		}
		a.logger.Info("using supabase device store", zap.String("url", conf.SupabaseURL))
		return c, c, nil
	}
	return nil, nil, errors.New("unknown store backend " + conf.StoreBackend)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}
