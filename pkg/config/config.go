// Package config loads the service configuration and the product catalog
// from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve without system zoneinfo

	"cloud.google.com/go/civil"
	"github.com/mcclellann/loancore/pkg/calendar"
	"github.com/mcclellann/loancore/pkg/ledger"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/scheduler"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "LOANCORE_CONFIG"
	EnvDBPath     = "LOANCORE_DB_PATH"
	EnvListen     = "LOANCORE_LISTEN"
)

// EnvValue returns the environment variable key, or fallback when it is unset.
func EnvValue[T ~string](key, fallback T) T {
	if value, exists := os.LookupEnv(string(key)); exists {
		return T(value)
	}
	return fallback
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Decimal reads money amounts and rates without going through float64.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	if value.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", value.Value, err)
	}
	d.Decimal = parsed
	return nil
}

type Config struct {
	ListenAddress string          `yaml:"listen"`
	Database      DatabaseConfig  `yaml:"database"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Poster        PosterConfig    `yaml:"poster"`
	Admin         AdminConfig     `yaml:"admin"`
	Products      []ProductConfig `yaml:"products"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	RunAt            string   `yaml:"run_at"`
	Timezone         string   `yaml:"timezone"`
	Workers          int      `yaml:"workers"`
	LoanTimeout      Duration `yaml:"loan_timeout"`
	BusinessDaysOnly bool     `yaml:"business_days_only"`
	Holidays         []string `yaml:"holidays"`
	MaxRetryTicks    int      `yaml:"max_retry_ticks"`
	RunOnStart       bool     `yaml:"run_on_start"`
	StartDate        string   `yaml:"start_date"`
}

// PosterConfig selects where ledger postings go. An empty endpoint logs them.
type PosterConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	Timeout    Duration `yaml:"timeout"`
	QueueSize  int      `yaml:"queue_size"`
	Workers    int      `yaml:"workers"`
	MaxElapsed Duration `yaml:"max_elapsed"`
}

// AdminConfig rate limits the operator endpoints.
type AdminConfig struct {
	RatePerMinute int `yaml:"rate_per_min"`
	Burst         int `yaml:"burst"`
}

type PenaltyConfig struct {
	StartDayAfterDueDate int     `yaml:"start_day_after_due_date"`
	StopAfterDays        int     `yaml:"stop_after_days"`
	Rate                 Decimal `yaml:"rate"`
	Target               string  `yaml:"target"`
}

type ThresholdConfig struct {
	MinDays int    `yaml:"min_days"`
	Status  string `yaml:"status"`
}

type RepaymentOrderConfig struct {
	FineOrder     int     `yaml:"fine_order"`
	InterestOrder int     `yaml:"interest_order"`
	CapitalOrder  int     `yaml:"capital_order"`
	FineRate      Decimal `yaml:"fine_rate"`
	InterestRate  Decimal `yaml:"interest_rate"`
	CapitalRate   Decimal `yaml:"capital_rate"`
}

type ProductConfig struct {
	ID              string                `yaml:"id"`
	Name            string                `yaml:"name"`
	DayCount        string                `yaml:"day_count"`
	Compounding     string                `yaml:"compounding"`
	MinInterestRate Decimal               `yaml:"min_interest_rate"`
	MaxInterestRate Decimal               `yaml:"max_interest_rate"`
	TaxRate         Decimal               `yaml:"tax_rate"`
	Penalty         PenaltyConfig         `yaml:"penalty"`
	Thresholds      []ThresholdConfig     `yaml:"thresholds"`
	RepaymentOrder  *RepaymentOrderConfig `yaml:"repayment_order"`
	CapitalTarget   string                `yaml:"capital_target"`
}

// LoadConfig reads configuration from the supplied path. LOANCORE_DB_PATH
// and LOANCORE_LISTEN override the file.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Database.Path = EnvValue(EnvDBPath, cfg.Database.Path)
	cfg.ListenAddress = EnvValue(EnvListen, cfg.ListenAddress)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loancore.db"
	}
	if cfg.Scheduler.RunAt == "" {
		cfg.Scheduler.RunAt = "00:30"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.LoanTimeout.Duration == 0 {
		cfg.Scheduler.LoanTimeout.Duration = 30 * time.Second
	}
	if cfg.Poster.Timeout.Duration == 0 {
		cfg.Poster.Timeout.Duration = 10 * time.Second
	}
	if cfg.Poster.QueueSize <= 0 {
		cfg.Poster.QueueSize = 1024
	}
	if cfg.Poster.Workers <= 0 {
		cfg.Poster.Workers = 2
	}
	if cfg.Poster.MaxElapsed.Duration == 0 {
		cfg.Poster.MaxElapsed.Duration = 5 * time.Minute
	}
	if cfg.Admin.RatePerMinute <= 0 {
		cfg.Admin.RatePerMinute = 30
	}
	if cfg.Admin.Burst <= 0 {
		cfg.Admin.Burst = cfg.Admin.RatePerMinute
	}
	for i := range cfg.Products {
		p := &cfg.Products[i]
		if p.DayCount == "" {
			p.DayCount = string(models.DayCountActual365)
		}
		if p.Compounding == "" {
			p.Compounding = string(models.CompoundingSimple)
		}
		if p.CapitalTarget == "" {
			p.CapitalTarget = string(models.CapitalFromOutstandingBalance)
		}
	}
}

// validateConfig rejects settings the service cannot start with. Product
// contents are checked per product at run time so one bad product does not
// stop the others.
func validateConfig(cfg Config) error {
	if len(cfg.Products) == 0 {
		return fmt.Errorf("at least one product must be configured")
	}
	seen := make(map[string]bool, len(cfg.Products))
	for i, p := range cfg.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("product %d: id must be configured", i)
		}
		if seen[id] {
			return fmt.Errorf("product %s configured twice", id)
		}
		seen[id] = true
	}
	if _, err := cfg.SchedulerConfig(); err != nil {
		return err
	}
	return nil
}

// ParseTimeOfDay parses a 24h HH:MM string.
func ParseTimeOfDay(s string) (scheduler.TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return scheduler.TimeOfDay{}, fmt.Errorf("run_at %q must be HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return scheduler.TimeOfDay{}, fmt.Errorf("run_at %q: invalid hour", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return scheduler.TimeOfDay{}, fmt.Errorf("run_at %q: invalid minute", s)
	}
	return scheduler.TimeOfDay{Hour: hour, Minute: minute}, nil
}

// SchedulerConfig converts the scheduler section.
func (c Config) SchedulerConfig() (scheduler.Config, error) {
	sc := c.Scheduler
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("timezone: %w", err)
	}
	at, err := ParseTimeOfDay(sc.RunAt)
	if err != nil {
		return scheduler.Config{}, err
	}
	holidays := make([]civil.Date, 0, len(sc.Holidays))
	for _, h := range sc.Holidays {
		d, err := civil.ParseDate(h)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("holiday %q: %w", h, err)
		}
		holidays = append(holidays, d)
	}
	var start civil.Date
	if sc.StartDate != "" {
		if start, err = civil.ParseDate(sc.StartDate); err != nil {
			return scheduler.Config{}, fmt.Errorf("start_date %q: %w", sc.StartDate, err)
		}
	}
	if sc.MaxRetryTicks < 0 {
		return scheduler.Config{}, fmt.Errorf("max_retry_ticks must not be negative")
	}
	return scheduler.Config{
		Workers:       sc.Workers,
		MaxRetryTicks: sc.MaxRetryTicks,
		StartDate:     start,
		RunAt:         at,
		RunOnStart:    sc.RunOnStart,
		Location:      loc,
		Calendar:      calendar.New(sc.BusinessDaysOnly, holidays),
	}, nil
}

// Product converts one product section. The result is not validated.
func (p ProductConfig) Product() models.LoanProduct {
	product := models.LoanProduct{
		ID:              strings.TrimSpace(p.ID),
		Name:            p.Name,
		DayCount:        models.DayCount(p.DayCount),
		Compounding:     models.Compounding(p.Compounding),
		MinInterestRate: p.MinInterestRate.Decimal,
		MaxInterestRate: p.MaxInterestRate.Decimal,
		TaxRate:         p.TaxRate.Decimal,
		Penalty: models.PenaltyConfig{
			StartDayAfterDueDate: p.Penalty.StartDayAfterDueDate,
			StopAfterDays:        p.Penalty.StopAfterDays,
			Rate:                 p.Penalty.Rate.Decimal,
			Target:               models.PenaltyTarget(p.Penalty.Target),
		},
		CapitalTarget: models.CapitalTarget(p.CapitalTarget),
	}
	if len(p.Thresholds) == 0 {
		product.Thresholds = models.DefaultThresholds()
	} else {
		for _, th := range p.Thresholds {
			product.Thresholds = append(product.Thresholds, models.Threshold{
				MinDays: th.MinDays,
				Status:  models.DelinquencyStatus(th.Status),
			})
		}
	}
	if o := p.RepaymentOrder; o != nil {
		product.RepaymentOrder = &models.RepaymentOrder{
			FineOrder:     o.FineOrder,
			InterestOrder: o.InterestOrder,
			CapitalOrder:  o.CapitalOrder,
			FineRate:      o.FineRate.Decimal,
			InterestRate:  o.InterestRate.Decimal,
			CapitalRate:   o.CapitalRate.Decimal,
		}
	}
	return product
}

// Catalog builds the product catalog. Invalid products are kept and fail
// their own loans when the batch runs; InvalidProducts lists them.
func (c Config) Catalog() *ledger.Catalog {
	products := make([]models.LoanProduct, 0, len(c.Products))
	for _, p := range c.Products {
		products = append(products, p.Product())
	}
	return ledger.NewCatalog(products...)
}

// InvalidProducts maps product ids to their validation error.
func (c Config) InvalidProducts() map[string]error {
	invalid := make(map[string]error)
	for _, p := range c.Products {
		product := p.Product()
		if err := product.Validate(); err != nil {
			invalid[product.ID] = err
		}
	}
	return invalid
}
