package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DispatchConfig is the retry and pacing policy shared by the coordinator and
// every call monitor. Intervals are fixed, not exponential: emergency response
// time matters more than load on the gateway.
type DispatchConfig struct {
	MaxAttempts        int        `yaml:"max_attempts"`
	RetryDelaySec      int        `yaml:"retry_delay_sec"`
	PollIntervalSec    int        `yaml:"poll_interval_sec"`
	SequentialDelaySec int        `yaml:"sequential_delay_sec"`
	FallbackPrecedence []Category `yaml:"fallback_precedence"`
}

type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"` // env TWILIO_ACCOUNT_SID overrides
	AuthToken  string `yaml:"auth_token"`  // env TWILIO_AUTH_TOKEN overrides
	FromNumber string `yaml:"from_number"` // env TWILIO_PHONE_NUMBER overrides
	BaseURL    string `yaml:"base_url,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type OracleConfig struct {
	APIKey      string  `yaml:"api_key"` // env OPENAI_API_KEY overrides
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	TimeoutSec  int     `yaml:"timeout_sec"`
	Temperature float64 `yaml:"temperature"`
}

type LedgerConfig struct {
	Path           string `yaml:"path"`
	MaxSizeBytes   int64  `yaml:"max_size_bytes"`
	EnableChecksum bool   `yaml:"enable_checksum"`
}

type DaemonConfig struct {
	SpoolDir           string `yaml:"spool_dir"`
	ResultsDir         string `yaml:"results_dir"`
	ArchiveDir         string `yaml:"archive_dir"`
	ScanIntervalSec    int    `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultMaxAttempts        = 4
	DefaultRetryDelaySec      = 5
	DefaultPollIntervalSec    = 5
	DefaultSequentialDelaySec = 5
)

// DefaultFallbackPrecedence is the rule-based ranking used when the oracle is
// unavailable. Policy parameter, not a law of nature; the original operators
// chose fire first because fire spreads, then medical, then police.
var DefaultFallbackPrecedence = []Category{CategoryFire, CategoryMedical, CategoryPolice}

// ApplyDefaults fills zero-valued dispatch policy fields.
func (c *Config) ApplyDefaults() {
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Dispatch.RetryDelaySec <= 0 {
		c.Dispatch.RetryDelaySec = DefaultRetryDelaySec
	}
	if c.Dispatch.PollIntervalSec <= 0 {
		c.Dispatch.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.Dispatch.SequentialDelaySec <= 0 {
		c.Dispatch.SequentialDelaySec = DefaultSequentialDelaySec
	}
	if len(c.Dispatch.FallbackPrecedence) == 0 {
		c.Dispatch.FallbackPrecedence = append([]Category(nil), DefaultFallbackPrecedence...)
	}
	if c.Telephony.TimeoutSec <= 0 {
		c.Telephony.TimeoutSec = 15
	}
	if c.Oracle.TimeoutSec <= 0 {
		c.Oracle.TimeoutSec = 10
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gpt-4o-mini"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 10
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
}
