package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = ":8087"
	defaultDataDir      = "data/cdpd"
	defaultJournalDSN   = "data/cdpd/journal.db"
	defaultSlotDuration = time.Second
	defaultOracleMaxAge = 5 * time.Minute
)

// Config captures the runtime settings for the cdp daemon.
type Config struct {
	ListenAddress  string         `yaml:"listen"`
	DataDir        string         `yaml:"data_dir"`
	RiskFile       string         `yaml:"risk_file"`
	JournalDSN     string         `yaml:"journal_dsn"`
	AllowMigrate   bool           `yaml:"allow_migrate"`
	SlotDuration   time.Duration  `yaml:"slot_duration"`
	SyntheticAsset string         `yaml:"synthetic_asset"`
	Custody        string         `yaml:"custody"`
	Auth           AuthConfig     `yaml:"auth"`
	Throttle       ThrottleConfig `yaml:"throttle"`
	Oracle         OracleConfig   `yaml:"oracle"`
}

// AuthConfig describes the HMAC-signed bearer tokens accepted by the API.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// ThrottleConfig bounds request rates per client.
type ThrottleConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// OracleConfig tunes the price book.
type OracleConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	MaxDeviationBps uint64        `yaml:"max_deviation_bps"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SyntheticAddress returns the configured synthetic asset identifier.
func (cfg Config) SyntheticAddress() common.Address {
	return common.HexToAddress(cfg.SyntheticAsset)
}

// CustodyAddress returns the account holding deposited collateral.
func (cfg Config) CustodyAddress() common.Address {
	return common.HexToAddress(cfg.Custody)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.RiskFile = strings.TrimSpace(cfg.RiskFile)
	cfg.JournalDSN = strings.TrimSpace(cfg.JournalDSN)
	if cfg.JournalDSN == "" {
		cfg.JournalDSN = defaultJournalDSN
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = defaultSlotDuration
	}
	cfg.SyntheticAsset = strings.TrimSpace(cfg.SyntheticAsset)
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	cfg.Auth.normalize()
	cfg.Throttle.normalize()
	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = defaultOracleMaxAge
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if !common.IsHexAddress(cfg.SyntheticAsset) || cfg.SyntheticAddress() == (common.Address{}) {
		return fmt.Errorf("synthetic_asset must be a non-zero hex address")
	}
	if !common.IsHexAddress(cfg.Custody) || cfg.CustodyAddress() == (common.Address{}) {
		return fmt.Errorf("custody must be a non-zero hex address")
	}
	if cfg.SyntheticAddress() == cfg.CustodyAddress() {
		return fmt.Errorf("custody must differ from synthetic_asset")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Oracle.MaxDeviationBps > 10_000 {
		return fmt.Errorf("oracle: max_deviation_bps must not exceed 10000")
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate() error {
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 characters")
	}
	return nil
}

func (cfg *ThrottleConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
}
