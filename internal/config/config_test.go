package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"VeilTrade/internal/config"
)

const devAdmin = "0x000000000000000000000000000000000000ad01"

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Genesis.Admin = devAdmin
	cfg.Decryption.Signers = []string{"0x00000000000000000000000000000000000051a1"}
	return cfg
}

// ============================================================================
// Test: Defaults and validation
// ============================================================================

func TestDefaults_ValidOnceGenesisIsSet(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.OrdersParams().CollateralAsset; got != "USDC" {
		t.Fatalf("collateral asset: got %q, want USDC", got)
	}
	if got := cfg.SettlementParams().MinTimelock; got != time.Hour {
		t.Fatalf("min timelock: got %s, want 1h", got)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no admin", func(c *config.Config) { c.Genesis.Admin = "" }, "genesis.admin"},
		{"bad role principal", func(c *config.Config) {
			c.Genesis.Roles = []config.RoleGrant{{Principal: "alice", Capability: "matcher"}}
		}, "genesis.roles[0]"},
		{"unsupported asset", func(c *config.Config) { c.Ledger.Asset = "DOGE" }, "ledger.asset"},
		{"fees exceed scale", func(c *config.Config) { c.Settlement.ProtocolFeeBps = 9_990 }, "settlement"},
		{"emergency delay below timelock", func(c *config.Config) { c.Settlement.EmergencyDelay.Duration = time.Hour }, "emergency_delay"},
		{"no decryption authority", func(c *config.Config) { c.Decryption.Signers = nil }, "decryption"},
		{"threshold above set", func(c *config.Config) { c.Decryption.Threshold = 2 }, "decryption.threshold"},
		{"no symbols", func(c *config.Config) { c.Oracle.Symbols = nil }, "oracle.symbols"},
		{"zero inbox", func(c *config.Config) { c.Core.InboxSize = 0 }, "core.inbox_size"},
		{"redis without addr", func(c *config.Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_TOMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "veiltrade.toml")
	body := `
log_level = "debug"

[settlement]
min_timelock = "2h"
chains = [10]

[oracle]
symbols = ["XAU"]

[genesis]
admin = "` + devAdmin + `"

[[genesis.roles]]
principal = "0x000000000000000000000000000000000000f111"
capability = "matcher"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VEIL_NATS_URL", "nats://broker:4222")
	t.Setenv("VEIL_ORACLE_SYMBOLS", "XAU, SPY ,")
	t.Setenv("VEIL_SETTLEMENT_MIN_BOND", "not-a-number")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: got %q, want debug", cfg.LogLevel)
	}
	if cfg.Settlement.MinTimelock.Duration != 2*time.Hour {
		t.Fatalf("min timelock: got %s, want 2h", cfg.Settlement.MinTimelock.Duration)
	}
	if len(cfg.Settlement.Chains) != 1 || cfg.Settlement.Chains[0] != 10 {
		t.Fatalf("chains: got %v, want [10]", cfg.Settlement.Chains)
	}
	if len(cfg.Genesis.Roles) != 1 || cfg.Genesis.Roles[0].Capability != "matcher" {
		t.Fatalf("roles: got %+v", cfg.Genesis.Roles)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Fatalf("nats url: got %q", cfg.NATS.URL)
	}
	if got := strings.Join(cfg.Oracle.Symbols, ","); got != "XAU,SPY" {
		t.Fatalf("symbols: got %q, want XAU,SPY", got)
	}
	if cfg.Settlement.MinBond != config.Defaults().Settlement.MinBond {
		t.Fatalf("unparseable override changed min bond to %d", cfg.Settlement.MinBond)
	}
	if cfg.Orders.TakerFeeBps != 30 {
		t.Fatalf("untouched default: got %d, want 30", cfg.Orders.TakerFeeBps)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
