package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowquant/flowquant/internal/ctxlog"
)

// Serve runs the engine as a long-lived service: workflows from the
// configured directory are armed in the trigger monitor, the market feed
// is connected, and the webhook listener accepts inbound fires. Blocks
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.cfg.Engine.WorkflowDir == "" {
		return fmt.Errorf("serve mode needs engine.workflow_dir in the config")
	}
	n, err := a.registerWorkflows(a.cfg.Engine.WorkflowDir)
	if err != nil {
		return err
	}
	if n == 0 {
		a.logger.Warn("no workflows found", "dir", a.cfg.Engine.WorkflowDir)
	}

	if a.feed != nil {
		if err := a.feed.Connect(); err != nil {
			return fmt.Errorf("connect market feed: %w", err)
		}
	}

	server := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.monitor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.logger.Info("webhook listener started", "addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
