// Engage Core - In-App Automation Engine
//
// This is the main entry point for the Engage Core daemon. It wires the
// automation engine over SQLite persistence with logging delegates so the
// schedule lifecycle can be exercised end to end. Host applications embed
// the engine directly and register their own content delegates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/veldtlabs/engage-core/migrations"

	"github.com/veldtlabs/engage-core/internal/automation"
	"github.com/veldtlabs/engage-core/internal/infrastructure/config"
	"github.com/veldtlabs/engage-core/internal/infrastructure/database"
	"github.com/veldtlabs/engage-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Engage Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Assemble the automation engine
	store := automation.NewSQLiteScheduleStore(db.DB, log)
	feed := automation.NewEventFeed(cfg.Engine.EventBuffer)
	triggers := automation.NewCountingTriggerProcessor(store, nil, log)

	queues := automation.NewRetryQueues(ctx,
		cfg.PrepareBackoffInitialDuration(),
		cfg.PrepareBackoffMaxDuration(),
		nil, log)

	preparer := automation.NewPreparer(automation.PreparerConfig{
		Queues:          queues,
		ActionDelegate:  &loggingActionPreparer{log: log},
		MessageDelegate: &loggingMessagePreparer{log: log},
		Logger:          log,
	})

	executor := automation.NewExecutor(log)
	delegate := &loggingExecutorDelegate{log: log}
	executor.SetDelegate(automation.ScheduleTypeActions, delegate)
	executor.SetDelegate(automation.ScheduleTypeInAppMessage, delegate)

	engine := automation.NewEngine(automation.EngineConfig{
		Store:               store,
		Triggers:            triggers,
		Feed:                feed,
		Preparer:            preparer,
		Executor:            executor,
		Delay:               automation.NewDelayProcessor(feed.State(), nil, nil),
		Metrics:             automation.NewMetrics(prometheus.DefaultRegisterer),
		Logger:              log,
		ExecutionRetryDelay: cfg.ExecutionRetryDelayDuration(),
		StartPaused:         cfg.Engine.StartPaused,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	log.Info("Engage Core running", "app_id", cfg.App.ID)

	// Mark the process start as an app session so app_init triggers fire.
	feed.AppInit()
	feed.Foreground()

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns the config file path from args or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return defaultConfigPath
}

// loggingExecutorDelegate executes prepared schedules by logging them.
type loggingExecutorDelegate struct {
	log *logging.Logger
}

func (d *loggingExecutorDelegate) IsReady(ctx context.Context, prepared *automation.PreparedSchedule) automation.ReadyResult {
	return automation.ReadyResultReady
}

func (d *loggingExecutorDelegate) Execute(ctx context.Context, prepared *automation.PreparedSchedule) (automation.ExecuteResult, error) {
	d.log.Info("executing schedule",
		"schedule_id", prepared.Info.ScheduleID,
		"type", string(prepared.Data.Type),
	)
	return automation.ExecuteResultFinished, nil
}

func (d *loggingExecutorDelegate) Interrupted(ctx context.Context, info automation.PreparedScheduleInfo) (automation.InterruptedBehavior, error) {
	d.log.Warn("schedule interrupted mid-execution", "schedule_id", info.ScheduleID)
	return automation.InterruptedBehaviorRetry, nil
}

func (d *loggingExecutorDelegate) IsValid(ctx context.Context, prepared *automation.PreparedSchedule) bool {
	return true
}

// loggingActionPreparer passes action payloads through unchanged.
type loggingActionPreparer struct {
	log *logging.Logger
}

func (p *loggingActionPreparer) PrepareActions(ctx context.Context, actions json.RawMessage, info automation.PreparedScheduleInfo) (json.RawMessage, error) {
	p.log.Debug("preparing actions", "schedule_id", info.ScheduleID)
	return actions, nil
}

// loggingMessagePreparer wraps messages without fetching assets.
type loggingMessagePreparer struct {
	log *logging.Logger
}

func (p *loggingMessagePreparer) PrepareMessage(ctx context.Context, message automation.InAppMessage, info automation.PreparedScheduleInfo) (*automation.PreparedMessage, error) {
	p.log.Debug("preparing message", "schedule_id", info.ScheduleID, "message", message.Name)
	return &automation.PreparedMessage{Message: message}, nil
}
