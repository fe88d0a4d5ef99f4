package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"auth-gateway/internal/config"
	"auth-gateway/internal/factory"
	"auth-gateway/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx); err != nil {
		util.Fatal("Server exited with error", util.ErrorField(err))
	}
	util.Info("Server shutdown completed")
}

func run(ctx context.Context) error {
	f, err := factory.NewFactory(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer f.Close()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("start background jobs: %w", err)
	}

	cfg := f.Config()
	servers := listeners(cfg, f)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("listener %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// listeners returns the API server and, when TLS is enabled, a plain HTTP
// server for ACME challenges and redirects
func listeners(cfg *config.Config, f *factory.Factory) []*http.Server {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled; serving plain HTTP",
			util.String("environment", cfg.Environment),
			util.String("address", api.Addr),
		)
		return []*http.Server{api}
	}

	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = f.TLSManager().GetTLSConfig()
	challenge := &http.Server{
		Addr:        cfg.GetServerAddress(),
		Handler:     f.TLSManager().ChallengeHandler(),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	util.Info("Serving HTTPS",
		util.String("environment", cfg.Environment),
		util.String("address", api.Addr),
		util.String("challenge_address", challenge.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	return []*http.Server{api, challenge}
}
