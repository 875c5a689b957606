// Command serve resolves the production model (or the best run when nothing
// is promoted) and serves predictions over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YuminosukeSato/scitrack/internal/app"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/server"
	"github.com/YuminosukeSato/scitrack/serving"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "config file")
	addr := flag.String("addr", "", "listen address (default: listen_addr from config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *addr); err != nil {
		log.GetLogger().Error("serve failed", log.ErrAttrKey, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, addr string) error {
	env, err := app.Open(ctx, configFile, "serve")
	if err != nil {
		return err
	}
	defer env.Close(context.Background())
	cfg := env.Config
	if addr == "" {
		addr = cfg.ListenAddr
	}

	resolver := serving.NewResolver(env.Registry, env.Store, env.Logger)
	handle := serving.NewHandle(resolver, serving.Target{
		ModelName:      cfg.ModelName,
		Experiment:     cfg.ExperimentName,
		FallbackMetric: cfg.FallbackMetric,
	}, env.Logger)

	// 起動時に解決できなくてもサーバーは上げる (/health が model_loaded=false を返す)
	if _, err := handle.Reload(ctx); err != nil {
		env.Logger.Warn("no model available at startup", log.ErrAttrKey, err)
	}

	svc := serving.NewService(handle, env.Logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(svc, env.Store, server.WithRegistry(env.Registry), server.WithLogger(env.Logger)).Routes(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env.Logger.Info("listening", "addr", addr, log.RegistryModelKey, cfg.ModelName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	if cfg.WatchStore {
		g.Go(func() error {
			return serving.WatchStore(gctx, handle, cfg.StorePath, serving.DefaultDebounce, env.Logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		env.Logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
