// Package app wires the engine together: broker client, market feed,
// streaming router, dispatcher, condition evaluator, trigger monitor and
// audit store, configured from one HCL file.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/cond"
	"github.com/flowquant/flowquant/internal/ctxlog"
	"github.com/flowquant/flowquant/internal/dispatch"
	"github.com/flowquant/flowquant/internal/engine"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/stream"
	"github.com/flowquant/flowquant/internal/trigger"
)

// App holds the assembled engine and its lifecycle.
type App struct {
	cfg    *Config
	logger *slog.Logger

	broker     *broker.RESTClient
	feed       *stream.SocketFeed
	router     *stream.Router
	dispatcher *dispatch.Dispatcher
	audit      *exlog.Store
	runner     *engine.Runner
	monitor    *trigger.Monitor
}

// New assembles an App from config. The caller owns Close.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)

	a := &App{cfg: cfg, logger: logger}
	a.broker = broker.NewREST(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.Timeout())

	if cfg.Feed != nil {
		a.feed = stream.NewSocketFeed(cfg.Feed.URL)
		a.router = stream.NewRouter(a.feed)
		a.router.QueueDepth = cfg.Engine.TickQueueDepth
		a.feed.OnTick = a.router.Dispatch
	}

	if cfg.Engine.AuditDB != "" {
		store, err := exlog.Open(cfg.Engine.AuditDB)
		if err != nil {
			return nil, err
		}
		a.audit = store
	}

	a.dispatcher = dispatch.New(a.broker)
	a.runner = engine.New(a.dispatcher, cond.New(a.broker), a.router,
		engine.WithAudit(a.audit))
	a.monitor = trigger.NewMonitor(a.runner, a.broker)
	a.monitor.Poll = cfg.Engine.PollInterval()
	return a, nil
}

// Logger returns the app's configured logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Runner returns the execution runner.
func (a *App) Runner() *engine.Runner { return a.runner }

// Monitor returns the trigger monitor.
func (a *App) Monitor() *trigger.Monitor { return a.monitor }

// Close releases every transport and store the app owns.
func (a *App) Close() error {
	if a.feed != nil {
		a.feed.Close()
	}
	var firstErr error
	for _, c := range []func() error{a.dispatcher.Close, a.broker.Close, a.audit.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadWorkflow reads and validates one workflow file.
func (a *App) LoadWorkflow(path string) (*graph.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	g, err := graph.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	if g.ID == "" {
		return nil, fmt.Errorf("workflow %s: missing id", path)
	}
	if len(g.Triggers()) == 0 {
		return nil, fmt.Errorf("workflow %s: no trigger node", path)
	}
	return g, nil
}

// RunOnce fires a workflow's first trigger immediately and waits for the
// run to finish. Used by the run command; scheduled semantics are ignored
// so an operator can exercise a workflow on demand.
func (a *App) RunOnce(ctx context.Context, path string, seed map[string]any) (*engine.Execution, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	g, err := a.LoadWorkflow(path)
	if err != nil {
		return nil, err
	}
	if a.feed != nil {
		if err := a.feed.Connect(); err != nil {
			return nil, fmt.Errorf("connect market feed: %w", err)
		}
	}

	trig := g.Triggers()[0]
	id, err := a.runner.Start(ctx, g, trig, seed)
	if err != nil {
		return nil, err
	}
	a.logger.Info("execution started", "workflow", g.ID, "execution", id)

	if err := a.runner.Wait(ctx, id); err != nil {
		// The caller went away; stop the run rather than leaking it.
		if cancelErr := a.runner.Cancel(id); cancelErr != nil {
			a.logger.Warn("cancel on interrupted wait failed", "execution", id, "error", cancelErr)
		}
		return nil, err
	}
	e, _ := a.runner.Get(id)
	return e, nil
}

// registerWorkflows loads every *.json workflow in the configured directory
// into the trigger monitor.
func (a *App) registerWorkflows(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, p := range paths {
		g, err := a.LoadWorkflow(p)
		if err != nil {
			return registered, err
		}
		if err := a.monitor.Register(g); err != nil {
			return registered, fmt.Errorf("register workflow %s: %w", g.ID, err)
		}
		a.logger.Info("workflow registered", "workflow", g.ID, "path", p, "triggers", len(g.Triggers()))
		registered++
	}
	return registered, nil
}
