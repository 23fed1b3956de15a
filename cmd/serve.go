package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/changuard/internal/http"
	"github.com/tbourn/changuard/internal/observability"
)

var (
	serveAddr       string
	shutdownTimeout time.Duration
	pruneInterval   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification and enforcement HTTP API",
	Long: `Run the engine behind its HTTP API.

The listen address defaults to :$PORT. Audit events older than
AUDIT_RETENTION are pruned in the background when it is set.

Examples:
  changuard serve
  changuard serve --addr 127.0.0.1:9090 --env-file prod.env`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default \":$PORT\")")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight requests")
	serveCmd.Flags().DurationVar(&pruneInterval, "prune-interval", time.Hour, "how often expired audit events are deleted")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	e, err := buildEngine(cfg, log.Logger)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       e.db,
		Store:    e.store,
		Shared:   e.shared,
		Engine:   e.gatekeeper,
		Verifier: e.verifier,
		Admin:    e.admin,
	}, cfg)

	addr := serveAddr
	if addr == "" {
		addr = net.JoinHostPort("", cfg.Port)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	if cfg.Policy.AuditRetention > 0 {
		go pruneAudit(ctx, e, cfg.Policy.AuditRetention, pruneInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", Version).Bool("shared_store", e.shared).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("http server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	serr := srv.Shutdown(sctx)
	cerr := e.Close(sctx)
	oerr := shutdownOTel(sctx)
	if serr != nil || cerr != nil || oerr != nil {
		log.Warn().AnErr("http", serr).AnErr("engine", cerr).AnErr("otel", oerr).Msg("unclean shutdown")
	}
	return runErr
}

// pruneAudit deletes audit events older than retention every interval until
// ctx is done.
func pruneAudit(ctx context.Context, e *engine, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.admin.PruneAudit(ctx, retention)
			if err != nil {
				log.Warn().Err(err).Msg("audit prune failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Dur("retention", retention).Msg("audit events pruned")
			}
		}
	}
}
