package cdp

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config captures the risk parameters of the engine. Fractions and bonuses
// are 1e18-scaled; USD amounts and caps are 1e18-scaled units.
type Config struct {
	GlobalDebtCeiling       *uint256.Int
	MaxLiquidationFraction  *uint256.Int
	BaseBonus               *uint256.Int
	UrgencyThreshold        *uint256.Int
	UrgencySlope            *uint256.Int
	MaxUrgencyBonus         *uint256.Int
	SizeBonusFloor          *uint256.Int
	SizeBonusSlope          *uint256.Int
	MaxSizeBonus            *uint256.Int
	DailyMintCap            *uint256.Int
	DailyWithdrawCapUSD     *uint256.Int
	FallbackSettlementPrice *uint256.Int
	CacheTTLSeconds         uint64
	RateLimitWindowSeconds  uint64
	RevenueSink             common.Address
}

// fileConfig is the on-disk TOML shape. Amounts are decimal strings so values
// beyond 64 bits survive decoding.
type fileConfig struct {
	GlobalDebtCeiling       string `toml:"GlobalDebtCeiling"`
	MaxLiquidationFraction  string `toml:"MaxLiquidationFraction"`
	BaseBonus               string `toml:"BaseBonus"`
	UrgencyThreshold        string `toml:"UrgencyThreshold"`
	UrgencySlope            string `toml:"UrgencySlope"`
	MaxUrgencyBonus         string `toml:"MaxUrgencyBonus"`
	SizeBonusFloor          string `toml:"SizeBonusFloor"`
	SizeBonusSlope          string `toml:"SizeBonusSlope"`
	MaxSizeBonus            string `toml:"MaxSizeBonus"`
	DailyMintCap            string `toml:"DailyMintCap"`
	DailyWithdrawCapUSD     string `toml:"DailyWithdrawCapUSD"`
	FallbackSettlementPrice string `toml:"FallbackSettlementPrice"`
	CacheTTLSeconds         uint64 `toml:"CacheTTLSeconds"`
	RateLimitWindowSeconds  uint64 `toml:"RateLimitWindowSeconds"`
	RevenueSink             string `toml:"RevenueSink"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GlobalDebtCeiling:       wad(100_000_000),
		MaxLiquidationFraction:  uint256.NewInt(500_000_000_000_000_000),
		BaseBonus:               uint256.NewInt(50_000_000_000_000_000),
		UrgencyThreshold:        uint256.NewInt(950_000_000_000_000_000),
		UrgencySlope:            uint256.NewInt(250_000_000_000_000_000),
		MaxUrgencyBonus:         uint256.NewInt(50_000_000_000_000_000),
		SizeBonusFloor:          wad(100_000),
		SizeBonusSlope:          uint256.NewInt(10_000_000_000),
		MaxSizeBonus:            uint256.NewInt(20_000_000_000_000_000),
		DailyMintCap:            wad(1_000_000),
		DailyWithdrawCapUSD:     wad(1_000_000),
		FallbackSettlementPrice: new(uint256.Int).Set(Precision),
		CacheTTLSeconds:         5 * 60,
		RateLimitWindowSeconds:  24 * 60 * 60,
	}
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	out.GlobalDebtCeiling = copyOrZero(c.GlobalDebtCeiling)
	out.MaxLiquidationFraction = copyOrZero(c.MaxLiquidationFraction)
	out.BaseBonus = copyOrZero(c.BaseBonus)
	out.UrgencyThreshold = copyOrZero(c.UrgencyThreshold)
	out.UrgencySlope = copyOrZero(c.UrgencySlope)
	out.MaxUrgencyBonus = copyOrZero(c.MaxUrgencyBonus)
	out.SizeBonusFloor = copyOrZero(c.SizeBonusFloor)
	out.SizeBonusSlope = copyOrZero(c.SizeBonusSlope)
	out.MaxSizeBonus = copyOrZero(c.MaxSizeBonus)
	out.DailyMintCap = copyOrZero(c.DailyMintCap)
	out.DailyWithdrawCapUSD = copyOrZero(c.DailyWithdrawCapUSD)
	out.FallbackSettlementPrice = copyOrZero(c.FallbackSettlementPrice)
	return out
}

// Validate checks the parameters for internal consistency.
func (c Config) Validate() error {
	positive := map[string]*uint256.Int{
		"GlobalDebtCeiling":       c.GlobalDebtCeiling,
		"MaxLiquidationFraction":  c.MaxLiquidationFraction,
		"DailyMintCap":            c.DailyMintCap,
		"DailyWithdrawCapUSD":     c.DailyWithdrawCapUSD,
		"FallbackSettlementPrice": c.FallbackSettlementPrice,
	}
	for name, value := range positive {
		if isZero(value) {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	fractions := map[string]*uint256.Int{
		"MaxLiquidationFraction": c.MaxLiquidationFraction,
		"BaseBonus":              c.BaseBonus,
		"UrgencyThreshold":       c.UrgencyThreshold,
		"MaxUrgencyBonus":        c.MaxUrgencyBonus,
		"MaxSizeBonus":           c.MaxSizeBonus,
	}
	for name, value := range fractions {
		if value != nil && value.Gt(Precision) {
			return fmt.Errorf("%w: %s exceeds 1.0", ErrInvalidConfig, name)
		}
	}
	if c.CacheTTLSeconds == 0 {
		return fmt.Errorf("%w: CacheTTLSeconds must be positive", ErrInvalidConfig)
	}
	if c.RateLimitWindowSeconds == 0 {
		return fmt.Errorf("%w: RateLimitWindowSeconds must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads a TOML risk file. Keys that are absent keep their default
// value.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("decode risk config: %w", err)
	}
	cfg, err := raw.apply(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg Config) (Config, error) {
	amounts := []struct {
		name  string
		value string
		dst   **uint256.Int
	}{
		{"GlobalDebtCeiling", f.GlobalDebtCeiling, &cfg.GlobalDebtCeiling},
		{"MaxLiquidationFraction", f.MaxLiquidationFraction, &cfg.MaxLiquidationFraction},
		{"BaseBonus", f.BaseBonus, &cfg.BaseBonus},
		{"UrgencyThreshold", f.UrgencyThreshold, &cfg.UrgencyThreshold},
		{"UrgencySlope", f.UrgencySlope, &cfg.UrgencySlope},
		{"MaxUrgencyBonus", f.MaxUrgencyBonus, &cfg.MaxUrgencyBonus},
		{"SizeBonusFloor", f.SizeBonusFloor, &cfg.SizeBonusFloor},
		{"SizeBonusSlope", f.SizeBonusSlope, &cfg.SizeBonusSlope},
		{"MaxSizeBonus", f.MaxSizeBonus, &cfg.MaxSizeBonus},
		{"DailyMintCap", f.DailyMintCap, &cfg.DailyMintCap},
		{"DailyWithdrawCapUSD", f.DailyWithdrawCapUSD, &cfg.DailyWithdrawCapUSD},
		{"FallbackSettlementPrice", f.FallbackSettlementPrice, &cfg.FallbackSettlementPrice},
	}
	for _, amount := range amounts {
		trimmed := strings.TrimSpace(amount.value)
		if trimmed == "" {
			continue
		}
		parsed, err := ParseAmount(trimmed)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, amount.name, err)
		}
		*amount.dst = parsed
	}
	if f.CacheTTLSeconds > 0 {
		cfg.CacheTTLSeconds = f.CacheTTLSeconds
	}
	if f.RateLimitWindowSeconds > 0 {
		cfg.RateLimitWindowSeconds = f.RateLimitWindowSeconds
	}
	if sink := strings.TrimSpace(f.RevenueSink); sink != "" {
		if !common.IsHexAddress(sink) {
			return Config{}, fmt.Errorf("%w: RevenueSink %q is not an address", ErrInvalidConfig, sink)
		}
		cfg.RevenueSink = common.HexToAddress(sink)
	}
	return cfg, nil
}

// ParseAmount parses a decimal or 0x-prefixed hexadecimal integer.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
