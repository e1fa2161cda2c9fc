package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Close         CloseConfig         `mapstructure:"close"`
	Inference     InferenceConfig     `mapstructure:"inference"`
	Connectors    ConnectorsConfig    `mapstructure:"connectors"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// CloseConfig carries the close policy knobs. Everything here is injected
// per invocation so a subsidiary override never leaks across executions.
type CloseConfig struct {
	MaterialityThreshold   string            `mapstructure:"materiality_threshold"`
	AutoApprovalCeiling    string            `mapstructure:"auto_approval_ceiling"`
	AccruedLiabilityAcct   string            `mapstructure:"accrued_liability_account"`
	BalanceSheetAccounts   []string          `mapstructure:"balance_sheet_accounts"`
	TimingAccounts         []string          `mapstructure:"timing_accounts"`
	KnownAdjustments       []string          `mapstructure:"known_adjustments"`
	HighConfidenceScore    float64           `mapstructure:"high_confidence_score"`
	MediumConfidenceScore  float64           `mapstructure:"medium_confidence_score"`
	StepRetryAttempts      int               `mapstructure:"step_retry_attempts"`
	StepRetryBaseDelay     time.Duration     `mapstructure:"step_retry_base_delay"`
	SubsidiaryOverrides    map[string]string `mapstructure:"subsidiary_materiality_overrides"`
	MappingRules           []AccountMapping  `mapstructure:"mapping_rules"`
}

// AccountMapping routes a source expense account to the accounts debited
// and credited when its accruals are journaled.
type AccountMapping struct {
	SourceAccount    string `mapstructure:"source_account"`
	DebitAccount     string `mapstructure:"debit_account"`
	LiabilityAccount string `mapstructure:"liability_account"`
}

type InferenceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ConnectorsConfig struct {
	InvoiceURL string        `mapstructure:"invoice_url"`
	PayrollURL string        `mapstructure:"payroll_url"`
	LedgerURL  string        `mapstructure:"ledger_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Close.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("close config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *CloseConfig) Validate() error {
	if _, err := decimal.NewFromString(c.materialityOrDefault()); err != nil {
		return fmt.Errorf("invalid materiality_threshold: %w", err)
	}
	if _, err := decimal.NewFromString(c.ceilingOrDefault()); err != nil {
		return fmt.Errorf("invalid auto_approval_ceiling: %w", err)
	}
	for sub, raw := range c.SubsidiaryOverrides {
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid materiality override for subsidiary %s: %w", sub, err)
		}
	}
	if c.HighConfidenceScore != 0 && c.HighConfidenceScore < c.MediumConfidenceScore {
		return errors.New("high_confidence_score must be >= medium_confidence_score")
	}
	return nil
}

func (c *CloseConfig) materialityOrDefault() string {
	if c.MaterialityThreshold == "" {
		return "1000"
	}
	return c.MaterialityThreshold
}

func (c *CloseConfig) ceilingOrDefault() string {
	if c.AutoApprovalCeiling == "" {
		return "100000"
	}
	return c.AutoApprovalCeiling
}

// Materiality returns the threshold for the given subsidiary, falling back
// to the global default when no override is configured.
func (c *CloseConfig) Materiality(subsidiary string) decimal.Decimal {
	if raw, ok := c.SubsidiaryOverrides[subsidiary]; ok {
		if d, err := decimal.NewFromString(raw); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(c.materialityOrDefault())
	return d
}

func (c *CloseConfig) Ceiling() decimal.Decimal {
	d, _ := decimal.NewFromString(c.ceilingOrDefault())
	return d
}

func (c *CloseConfig) HighScore() float64 {
	if c.HighConfidenceScore == 0 {
		return 0.9
	}
	return c.HighConfidenceScore
}

func (c *CloseConfig) MediumScore() float64 {
	if c.MediumConfidenceScore == 0 {
		return 0.6
	}
	return c.MediumConfidenceScore
}

func (c *CloseConfig) RetryAttempts() int {
	if c.StepRetryAttempts <= 0 {
		return 3
	}
	return c.StepRetryAttempts
}

func (c *CloseConfig) RetryBaseDelay() time.Duration {
	if c.StepRetryBaseDelay <= 0 {
		return time.Second
	}
	return c.StepRetryBaseDelay
}

func (c *InferenceConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c *ConnectorsConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}
