// Command orchestrator-server runs the spec §6.1 HTTP surface over a
// persistent store, replacing the prior alex-server binary's Lark-gateway
// bootstrap (see DESIGN.md for why that binary was dropped instead of
// adapted).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"orchestrator/internal/async"
	"orchestrator/internal/config"
	"orchestrator/internal/infra/actionlogstore"
	actionlogsqlite "orchestrator/internal/infra/actionlogstore/sqlite"
	"orchestrator/internal/infra/chatstore"
	chatsqlite "orchestrator/internal/infra/chatstore/sqlite"
	"orchestrator/internal/infra/subagentstore"
	subagentsqlite "orchestrator/internal/infra/subagentstore/sqlite"
	"orchestrator/internal/infra/taskstore"
	tasksqlite "orchestrator/internal/infra/taskstore/sqlite"
	"orchestrator/internal/logging"
	"orchestrator/internal/observability"
	"orchestrator/internal/ports"
	"orchestrator/internal/server"
	"orchestrator/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr         string
		dbPath       string
		logLevel     string
		origins      []string
		cacheSize    int
		systemPrompt string
	)

	cmd := &cobra.Command{
		Use:   "orchestrator-server",
		Short: "Serves the task orchestrator's HTTP and websocket surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOptions{
				addr: addr, dbPath: dbPath, logLevel: logLevel,
				allowedOrigins: origins, cacheSize: cacheSize, systemPrompt: systemPrompt,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "orchestrator.db", "path to the sqlite database file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "allowed CORS origins (repeatable; empty allows any origin)")
	cmd.Flags().IntVar(&cacheSize, "session-cache-size", session.DefaultCacheSize, "max live sessions cached in memory")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt injected into every orchestrator turn")

	return cmd
}

type runOptions struct {
	addr           string
	dbPath         string
	logLevel       string
	allowedOrigins []string
	cacheSize      int
	systemPrompt   string
}

func run(ctx context.Context, opts runOptions) error {
	logger := logging.New(opts.logLevel).With("component", "orchestrator-server")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing := observability.InitTracer(ctx, "orchestrator-server", logger)
	defer shutdownTracing(context.Background())
	metrics := observability.NewMetrics()

	db, err := sql.Open("sqlite", opts.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY
	defer db.Close()

	stores, err := openStores(ctx, db)
	if err != nil {
		return err
	}

	if err := runStartupRecovery(ctx, stores, cfg, logger); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	mgr, err := session.NewManager(session.ManagerDeps{
		Driver:       func(string) ports.LLMDriver { return unconfiguredDriver{} },
		Tasks:        stores.tasks,
		Chats:        stores.chats,
		Actions:      stores.actions,
		SubagentRows: stores.subagents,
		Clock:        ports.SystemClock{},
		Logger:       logger,
		Config:       cfg,
		SystemPrompt: opts.systemPrompt,
	}, opts.cacheSize)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	router := server.NewRouter(mgr, metrics, logger, server.Config{
		AllowedOrigins: opts.allowedOrigins,
		RequestTimeout: time.Duration(cfg.MaxExecutionTimeSecondsTurn) * time.Second,
	})

	httpServer := &http.Server{Addr: opts.addr, Handler: router}
	return serveUntilSignal(httpServer, logger)
}

type storeBundle struct {
	tasks     taskstore.Store
	chats     chatstore.Store
	actions   actionlogstore.Store
	subagents subagentstore.Store
}

// openStores wraps one shared *sql.DB in each store's adapter and ensures
// every table exists (spec §6.3's four session-scoped tables).
func openStores(ctx context.Context, db *sql.DB) (storeBundle, error) {
	b := storeBundle{
		tasks:     tasksqlite.New(db),
		chats:     chatsqlite.New(db),
		actions:   actionlogsqlite.New(db),
		subagents: subagentsqlite.New(db),
	}
	for _, s := range []interface {
		EnsureSchema(context.Context) error
	}{b.tasks, b.chats, b.actions, b.subagents} {
		if err := s.EnsureSchema(ctx); err != nil {
			return storeBundle{}, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return b, nil
}

// unconfiguredDriver is the default ports.LLMDriver wired by this binary:
// there is no concrete LLM client in this module (spec §1 specifies only
// the contract), so a deployment embedding a real model client must supply
// its own DriverFactory to session.ManagerDeps in place of this stub.
type unconfiguredDriver struct{}

func (unconfiguredDriver) Drive(context.Context, ports.DriverRequest) (ports.DriverResponse, error) {
	return ports.DriverResponse{}, fmt.Errorf("LLM driver not configured")
}

var _ ports.LLMDriver = unconfiguredDriver{}

// serveUntilSignal runs server until SIGINT/SIGTERM, then shuts it down
// gracefully (teacher's bootstrap/server.go serveUntilSignal pattern).
func serveUntilSignal(httpServer *http.Server, logger logging.Logger) error {
	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		logger.Info("server stopped")
		return nil
	}
}
