package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validBase = `
synthetic_asset: "0x00000000000000000000000000000000000005a1"
custody: "0x000000000000000000000000000000000000c0de"
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
slot_duration: 2s
oracle:
  max_deviation_bps: 500
`+validBase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.SlotDuration != 2*time.Second {
		t.Fatalf("unexpected slot duration: %s", cfg.SlotDuration)
	}
	if cfg.DataDir != defaultDataDir || cfg.JournalDSN != defaultJournalDSN {
		t.Fatalf("expected storage defaults, got %q %q", cfg.DataDir, cfg.JournalDSN)
	}
	if cfg.Oracle.MaxAge != defaultOracleMaxAge || cfg.Oracle.MaxDeviationBps != 500 {
		t.Fatalf("unexpected oracle config: %+v", cfg.Oracle)
	}
	if cfg.Auth.ScopeClaim != "scope" || cfg.Throttle.Burst != 20 {
		t.Fatalf("expected auth and throttle defaults: %+v %+v", cfg.Auth, cfg.Throttle)
	}
}

func TestLoadConfigRequiresAddresses(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when synthetic asset and custody are missing")
	}
}

func TestLoadConfigRequiresStrongSecret(t *testing.T) {
	path := writeConfig(t, `
synthetic_asset: "0x00000000000000000000000000000000000005a1"
custody: "0x000000000000000000000000000000000000c0de"
auth:
  hmac_secret: "short"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short hmac secret")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, validBase+`
listn: ":1"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
