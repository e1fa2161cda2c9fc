package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/workflow"
	"github.com/finclose/close-engine/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	runSubsidiary string
	runMonth      string
)

// runCmd executes one close workflow synchronously from the CLI; useful
// for scheduled close jobs and for operators driving a close by hand.
var runCmd = &cobra.Command{
	Use:   "run [accrual|reconciliation]",
	Short: "Run one close workflow to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runSubsidiary, "subsidiary", "", "subsidiary code to close")
	runCmd.Flags().StringVar(&runMonth, "month", "", "close month as YYYY-MM")
	runCmd.MarkFlagRequired("subsidiary")
	runCmd.MarkFlagRequired("month")
}

func runWorkflow(_ *cobra.Command, args []string) error {
	config, err := loadConfig(".")
	if err != nil {
		return err
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.LoggerWrapper()

	month, err := time.Parse("2006-01", runMonth)
	if err != nil {
		return fmt.Errorf("month must be YYYY-MM: %w", err)
	}
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	db, err := initDB(config.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return err
	}

	engine, _ := buildEngine(config, gormDB, lg)

	ctx := internal.ContextWithActor(context.Background(), internal.SystemActor)
	ex, err := engine.Start(ctx, workflow.StartRequest{
		Type:        args[0],
		Subsidiary:  runSubsidiary,
		ClosePeriod: canonical.Period{Start: start, End: end},
	})
	if err != nil {
		return err
	}

	if err := engine.Run(ctx, ex); err != nil {
		lg.Error("workflow run failed", "execution_id", ex.ID, "error", err)
	}

	final, steps, err := engine.Get(ex.ID)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"execution": final,
		"steps":     steps,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
