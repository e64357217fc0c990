package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-dispatch-backend/internal/app"
	httpapi "github.com/tbourn/go-dispatch-backend/internal/http"
	"github.com/tbourn/go-dispatch-backend/internal/sysutil"
)

// NewServeCommand runs the HTTP API and, with --with-workers, the relay and
// the dispatch worker in the same process.
func NewServeCommand(root *RootOptions) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), root, "api")
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(cmd.Context(), rt, withWorkers)
		},
	}

	cmd.Flags().BoolVar(&withWorkers, "with-workers", sysutil.IsTruthy(os.Getenv("WITH_WORKERS")), "also run the outbox relay and dispatch worker (env WITH_WORKERS)")
	return cmd
}

func serve(ctx context.Context, rt *runtime, withWorkers bool) error {
	cfg := rt.cfg
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, rt.app.RouteDeps(), cfg)
	if err := prometheus.Register(app.NewOutboxCollector(rt.app.DB)); err != nil {
		rt.log.Warn().Err(err).Msg("register outbox collector")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info().Str("addr", srv.Addr).Bool("with_workers", withWorkers).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rt.app.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	if withWorkers {
		g.Go(func() error { return rt.app.Relay.Run(gctx) })
		if rt.app.Dispatching {
			g.Go(func() error { return rt.app.Worker.Run(gctx) })
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return drain(sctx, srv, rt, withWorkers)
	})
	return g.Wait()
}

// drain stops accepting requests, then waits for in-flight relay and worker
// passes so leases are settled rather than left to expire.
func drain(ctx context.Context, srv *http.Server, rt *runtime, withWorkers bool) error {
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if withWorkers {
		if err := rt.app.Relay.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := rt.app.Worker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// waitStopped is the shutdown budget used by the single-role commands.
func waitStopped(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
