package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the resume worker",
	Long:  `Sweeps for executions left running by a crashed process and resumes them from their last completed step.`,
	Run: func(cmd *cobra.Command, args []string) {
		startResumeWorker()
	},
}

var (
	sweepInterval time.Duration
	staleAfter    time.Duration
)

func init() {
	workerCmd.Flags().DurationVar(&sweepInterval, "interval", time.Minute, "how often to sweep for resumable executions")
	workerCmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "resume only executions untouched for this long")
}

func startResumeWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orm: %v\n", err)
		os.Exit(1)
	}

	engine, _ := buildEngine(config, gormDB, lg)

	ctx, cancel := context.WithCancel(internal.ContextWithActor(context.Background(), internal.SystemActor))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	lg.Info("resume worker started",
		"interval", sweepInterval.String(),
		"stale_after", staleAfter.String())

	sweep := func() {
		resumable, err := engine.ListResumable(staleAfter)
		if err != nil {
			lg.Error("failed to list resumable executions", "error", err)
			return
		}
		for _, ex := range resumable {
			lg.Info("resuming execution",
				"execution_id", ex.ID,
				"type", ex.Type,
				"steps_done", ex.StepsDone)
			if _, err := engine.Resume(ctx, ex.ID); err != nil {
				lg.Error("resume failed", "execution_id", ex.ID, "error", err)
			}
		}
	}

	sweep()
	for {
		select {
		case sig := <-sigChan:
			lg.Info("received signal, stopping worker", "signal", sig)
			return
		case <-ticker.C:
			sweep()
		}
	}
}
