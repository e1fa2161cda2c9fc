package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/approval"
	approvalStore "github.com/finclose/close-engine/internal/approval/postgres"
	"github.com/finclose/close-engine/internal/audit"
	auditStore "github.com/finclose/close-engine/internal/audit/postgres"
	"github.com/finclose/close-engine/internal/classification"
	"github.com/finclose/close-engine/internal/connector"
	"github.com/finclose/close-engine/internal/core/events"
	"github.com/finclose/close-engine/internal/inference"
	"github.com/finclose/close-engine/internal/journal"
	"github.com/finclose/close-engine/internal/transport/rest"
	"github.com/finclose/close-engine/internal/workflow"
	workflowStore "github.com/finclose/close-engine/internal/workflow/postgres"
	"github.com/finclose/close-engine/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle close workflow API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config          *internal.Config
	DB              *sqlx.DB
	Router          *chi.Mux
	Engine          *workflow.Engine
	WorkflowHandler *workflow.Handler
	ApprovalHandler *approval.Handler
	Logger          *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.WorkflowHandler, deps.ApprovalHandler, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	engine, gate := buildEngine(config, gormDB, lg)

	return &Dependencies{
		Config:          config,
		DB:              db,
		Router:          chi.NewRouter(),
		Engine:          engine,
		WorkflowHandler: workflow.NewHandler(engine),
		ApprovalHandler: approval.NewHandler(gate),
		Logger:          lg,
	}, nil
}

// buildEngine wires the full close stack: audit, approval gate, connectors,
// the inference capability and the workflow engine, with the gate and the
// engine bound to each other last.
func buildEngine(config *internal.Config, gormDB *gorm.DB, lg *slog.Logger) (*workflow.Engine, *approval.Service) {
	auditor := audit.NewRecorder(auditStore.NewAuditRepository(gormDB), lg)
	gate := approval.NewService(approvalStore.NewApprovalRepository(gormDB), auditor, lg)
	bus := events.NewEventBus(lg)

	capability := buildCapability(config, lg)
	resolver := accrual.NewResolver(capability, accrual.Scores{
		High:   config.Close.HighScore(),
		Medium: config.Close.MediumScore(),
	}, lg)
	classifier := classification.NewClassifier(capability, lg)

	invoices := connector.NewHTTPConnector(connector.Config{
		BaseURL: config.Connectors.InvoiceURL,
		Timeout: config.Connectors.RequestTimeout(),
	}, lg)
	payroll := connector.NewHTTPConnector(connector.Config{
		BaseURL: config.Connectors.PayrollURL,
		Timeout: config.Connectors.RequestTimeout(),
	}, lg)
	ledger := connector.NewHTTPConnector(connector.Config{
		BaseURL: config.Connectors.LedgerURL,
		Timeout: config.Connectors.RequestTimeout(),
	}, lg)

	deps := &workflow.StepDeps{
		Invoices:   invoices,
		Payroll:    payroll,
		Ledger:     ledger,
		Resolver:   resolver,
		Classifier: classifier,
		Gate:       gate,
		Policy:     config.Close,
		Rules:      mappingRules(config.Close.MappingRules),
		Logger:     lg,
	}

	engine := workflow.NewEngine(workflowStore.NewWorkflowRepository(gormDB), deps, auditor, bus, config.Close, lg)
	gate.SetFinalizer(engine)
	return engine, gate
}

// buildCapability picks the inference backend: the HTTP service when
// configured, the deterministic rule set otherwise.
func buildCapability(config *internal.Config, lg *slog.Logger) inference.Capability {
	if config.Inference.BaseURL == "" {
		lg.Info("no inference service configured, using rule-based capability")
		return inference.NewRuleBased()
	}
	return inference.NewClient(inference.Config{
		BaseURL: config.Inference.BaseURL,
		APIKey:  config.Inference.APIKey,
		Timeout: config.Inference.RequestTimeout(),
	}, lg)
}

func mappingRules(mappings []internal.AccountMapping) []journal.MappingRule {
	rules := make([]journal.MappingRule, 0, len(mappings))
	for _, m := range mappings {
		rules = append(rules, journal.MappingRule{
			SourceAccount:    m.SourceAccount,
			DebitAccount:     m.DebitAccount,
			LiabilityAccount: m.LiabilityAccount,
		})
	}
	return rules
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
