package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/deweyhq/dewey-sync/internal/config"
	"github.com/deweyhq/dewey-sync/internal/exitcodes"
	"github.com/deweyhq/dewey-sync/internal/logging"
	"github.com/deweyhq/dewey-sync/internal/progress"
	"github.com/deweyhq/dewey-sync/internal/sync"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "dewey-sync",
		Usage:   "Bidirectional sync between a local DuckDB database and a cloud peer",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run as a daemon with the auto-sync scheduler",
				Action: runDaemon,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "sync-on-start",
						Usage: "Run a full sync immediately before entering the schedule loop",
					},
				},
			},
			{
				Name:   "sync",
				Usage:  "Run one full bidirectional sync and exit",
				Action: runSync,
			},
			{
				Name:   "pull",
				Usage:  "Pull all tables from the cloud peer and exit",
				Action: runPull,
			},
			{
				Name:   "push",
				Usage:  "Push locally modified tables to the cloud peer and exit",
				Action: runPush,
			},
			{
				Name:   "status",
				Usage:  "Show per-table sync status",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent sync runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs to show",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output history as JSON",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logging.IsDebug() {
		if data, err := yaml.Marshal(cfg.Sanitized()); err == nil {
			logging.Debug("loaded config from %s:\n%s", configPath, data)
		}
	}
	return cfg, nil
}

func newOrchestrator(c *cli.Context) (*sync.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	orch, err := sync.NewOrchestrator(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync engine: %w", err)
	}
	return orch, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	orch, err := sync.NewOrchestrator(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize sync engine: %w", err)
	}
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if c.Bool("sync-on-start") {
		if err := orch.SyncAll(ctx); err != nil {
			logging.Warn("initial sync: %v", err)
		}
	}

	if cfg.Sync.AutoStartEnabled() {
		orch.StartScheduler()
		logging.Info("auto-sync scheduler started (interval %s)", cfg.Sync.Interval())
	} else {
		logging.Info("auto-sync disabled by configuration; daemon idle until signaled")
	}

	<-sigCh
	fmt.Fprintln(os.Stderr, "\nShutting down...")
	cancel()
	return nil
}

func runSync(c *cli.Context) error {
	return runSweep(c, func(ctx context.Context, orch *sync.Orchestrator) error {
		return orch.SyncAll(ctx)
	})
}

func runPull(c *cli.Context) error {
	return runSweep(c, func(ctx context.Context, orch *sync.Orchestrator) error {
		return orch.SyncAllFromCloud(ctx)
	})
}

func runPush(c *cli.Context) error {
	return runSweep(c, func(ctx context.Context, orch *sync.Orchestrator) error {
		return orch.SyncModifiedToCloud(ctx)
	})
}

func runSweep(c *cli.Context, fn func(context.Context, *sync.Orchestrator) error) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	tracker := progress.New()
	orch.OnTableSynced = func(table string, dir sync.Direction, rows int64, err error) {
		if err == nil {
			tracker.TableDone(table, rows)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted.")
		cancel()
	}()

	runErr := fn(ctx, orch)
	tracker.Finish()
	return runErr
}

func showStatus(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	records, err := orch.TableStatus(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read sync status: %w", err)
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No tables have been synced yet")
		return nil
	}
	fmt.Printf("%-30s %-20s %-6s %-10s %s\n", "Table", "Last Sync", "Dir", "Status", "Error")
	for _, r := range records {
		fmt.Printf("%-30s %-20s %-6s %-10s %s\n",
			r.TableName,
			r.LastSyncTime.Local().Format("2006-01-02 15:04:05"),
			r.Direction,
			r.Status,
			r.ErrorMessage)
	}

	if dirty := orch.DirtyTables(); len(dirty) > 0 {
		fmt.Printf("\nPending local changes: %v\n", dirty)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	runs, err := orch.History(context.Background(), c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to read sync history: %w", err)
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No sync runs recorded")
		return nil
	}
	fmt.Printf("%-6s %-20s %-10s %-9s %-8s %-12s %s\n",
		"Run", "Started", "Duration", "Status", "Tables", "Records", "Error")
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%-6d %-20s %-10s %-9s %-8d %-12d %s\n",
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			r.Status,
			r.TablesSynced,
			r.RecordsSynced,
			r.ErrorMessage)
	}
	return nil
}
