package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/scheduler"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listen: ":9090"
database:
  path: /var/lib/loancore/loans.db
scheduler:
  run_at: "01:15"
  timezone: Asia/Dhaka
  workers: 8
  loan_timeout: 5s
  business_days_only: true
  holidays: ["2026-03-26"]
  max_retry_ticks: 3
  start_date: "2026-03-01"
poster:
  endpoint: http://ledger.internal/postings
  max_elapsed: 1m
admin:
  rate_per_min: 6
products:
  - id: retail
    name: Retail term loan
    day_count: ACT_360
    compounding: DAILY
    max_interest_rate: 0.35
    tax_rate: 0.05
    penalty:
      start_day_after_due_date: 3
      stop_after_days: 90
      rate: 0.24
      target: DUE_AMOUNT
    thresholds:
      - {min_days: 5, status: EARLY_WARNING}
      - {min_days: 60, status: DELINQUENT}
    repayment_order: {fine_order: 1, interest_order: 1, capital_order: 2, fine_rate: 1, interest_rate: 3}
  - id: legacy
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/loancore/loans.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.LoanTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Poster.MaxElapsed.Duration)
	assert.Equal(t, 1024, cfg.Poster.QueueSize)
	assert.Equal(t, 6, cfg.Admin.Burst)

	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)
	assert.Equal(t, scheduler.TimeOfDay{Hour: 1, Minute: 15}, sc.RunAt)
	assert.Equal(t, "Asia/Dhaka", sc.Location.String())
	assert.Equal(t, civil.Date{Year: 2026, Month: time.March, Day: 1}, sc.StartDate)
	assert.Equal(t, 3, sc.MaxRetryTicks)
	assert.False(t, sc.Calendar.IsProcessingDay(civil.Date{Year: 2026, Month: time.March, Day: 26}))
	assert.False(t, sc.Calendar.IsProcessingDay(civil.Date{Year: 2026, Month: time.March, Day: 28}))
	assert.True(t, sc.Calendar.IsProcessingDay(civil.Date{Year: 2026, Month: time.March, Day: 27}))

	catalog := cfg.Catalog()
	assert.Equal(t, []string{"legacy", "retail"}, catalog.IDs())
	retail, err := catalog.Product("retail")
	require.NoError(t, err)
	require.NoError(t, retail.Validate())
	assert.Equal(t, models.DayCountActual360, retail.DayCount)
	assert.Equal(t, models.CompoundingDaily, retail.Compounding)
	assert.True(t, retail.Penalty.Rate.Equal(decimal.RequireFromString("0.24")))
	assert.Len(t, retail.Thresholds, 2)
	assert.True(t, retail.RepaymentOrder.InterestRate.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, models.CapitalFromOutstandingBalance, retail.CapitalTarget)

	invalid := cfg.InvalidProducts()
	assert.Len(t, invalid, 1)
	assert.ErrorIs(t, invalid["legacy"], models.ErrInvalidProduct)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvListen, ":7000")
	cfg, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, ":7000", cfg.ListenAddress)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no products":    "listen: \":1\"\n",
		"duplicate id":   "products: [{id: a}, {id: a}]\n",
		"bad run_at":     "scheduler: {run_at: \"25:00\"}\nproducts: [{id: a}]\n",
		"bad timezone":   "scheduler: {timezone: Mars/Olympus}\nproducts: [{id: a}]\n",
		"bad holiday":    "scheduler: {holidays: [\"26-03-2026\"]}\nproducts: [{id: a}]\n",
		"bad decimal":    "products: [{id: a, tax_rate: abc}]\n",
		"bad duration":   "scheduler: {loan_timeout: soon}\nproducts: [{id: a}]\n",
		"unknown field":  "colour: blue\nproducts: [{id: a}]\n",
		"negative retry": "scheduler: {max_retry_ticks: -1}\nproducts: [{id: a}]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseTimeOfDay(t *testing.T) {
	at, err := ParseTimeOfDay("23:59")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TimeOfDay{Hour: 23, Minute: 59}, at)
	for _, bad := range []string{"", "7", "07:60", "x:10"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestEnvValue(t *testing.T) {
	t.Setenv("LOANCORE_TEST_VALUE", "set")
	assert.Equal(t, "set", EnvValue("LOANCORE_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", EnvValue("LOANCORE_TEST_UNSET_VALUE", "fallback"))
}
