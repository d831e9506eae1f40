package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/db"
	"github.com/caretide/dispatch/dispatch"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/gateway"
	"github.com/caretide/dispatch/logger"
	"github.com/caretide/dispatch/server"
	"github.com/caretide/dispatch/version"
)

// ServeCmd starts the dispatch engine and HTTP API.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Caretide dispatch engine and HTTP API",
	Long: `Start the dispatch daemon: the per-shift outreach workers, the HTTP API
for shift operations and the gateway reply webhook, and the websocket feed
that streams audit entries to dashboards.

Open shifts from a previous run are re-adopted on startup; outreach resumes
where it left off.`,
	RunE: runServe,
}

var (
	servePort     int
	serveDBPath   string
	serveJSONLogs bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveJSONLogs, "json-logs", false, "Emit structured JSON logs")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveJSONLogs {
		if err := logger.Initialize(true); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	messenger := gateway.NewRateLimitedMessenger(
		gateway.NewLogMessenger(logger.Logger),
		cfg.Gateway.MaxSendsPerMinute,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := dispatch.NewEngine(database, messenger, nil, cfg, logger.Logger)
	if err := engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start dispatch engine")
	}

	srv := server.New(engine, cfg.Server, logger.Logger)
	if err := srv.Start(ctx); err != nil {
		engine.Stop()
		return errors.Wrap(err, "failed to start HTTP server")
	}

	// Live-reload outreach and escalation policy on config file edits.
	if configPath := config.GetViper().ConfigFileUsed(); configPath != "" {
		watcher, werr := config.NewWatcher(configPath)
		if werr != nil {
			logger.Warnw("Config watcher unavailable", "path", configPath, "error", werr)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				engine.ApplyConfig(newCfg)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	pterm.DefaultHeader.WithFullWidth().Printf("Caretide Dispatch %s", version.Get().Short())
	pterm.Println()
	pterm.Info.Printf("Database: %s", cfg.Database.Path)
	pterm.Info.Printf("HTTP API: http://localhost:%d", cfg.Server.Port)
	pterm.Info.Printf("Audit feed: ws://localhost:%d/ws", cfg.Server.Port)
	pterm.Println()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP shutdown error", "error", err)
	}
	engine.Stop()

	fmt.Println("Goodbye.")
	return nil
}
