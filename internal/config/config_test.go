package config_test

import (
	"OptionVault/internal/config"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "optionvault.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func mustLoad(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

// ===== Test: Defaults =====

func TestLoad_Defaults(t *testing.T) {
	cfg := mustLoad(t, t.TempDir())

	if cfg.StrategyKind() != market.AtTheMoney {
		t.Errorf("expected at-the-money, got %s", cfg.StrategyKind())
	}
	sc, err := cfg.StateConfig()
	if err != nil {
		t.Fatalf("StateConfig failed: %v", err)
	}
	if sc.AuctionDuration != 15*24*time.Hour || sc.RoundDuration != 25*24*time.Hour {
		t.Errorf("durations: %s / %s", sc.AuctionDuration, sc.RoundDuration)
	}
	if !sc.MinBidAmount.Eq(mustEther(t, "0.5")) {
		t.Errorf("min bid: %s", sc.MinBidAmount.Dec())
	}
	if !sc.PriceUnit.Eq(fpmath.Gwei()) {
		t.Errorf("price unit: %s", sc.PriceUnit.Dec())
	}
	if cfg.Persistence.FlushTimeout != 10*time.Millisecond {
		t.Errorf("flush timeout: %s", cfg.Persistence.FlushTimeout)
	}

	stats, err := cfg.InitialStats()
	if err != nil {
		t.Fatalf("InitialStats failed: %v", err)
	}
	if stats.PrevMonthAvgBasefee.Uint64() != 30_000_000_000 {
		t.Errorf("initial average: %s", stats.PrevMonthAvgBasefee.Dec())
	}
}

func mustEther(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fpmath.ParseEther(s)
	if err != nil {
		t.Fatalf("ParseEther(%s): %v", s, err)
	}
	return v
}

// ===== Test: File and environment =====

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := writeConfig(t, `
vault:
  strategy: otm
  auction_duration: 1h
  round_duration: 3h
  min_deposit: "0.25"
server:
  grpc_addr: ":19090"
  http_addr: ":18080"
log:
  level: debug
`)
	t.Setenv("OPTIONVAULT_SERVER_HTTP_ADDR", ":28080")

	cfg := mustLoad(t, dir)

	if cfg.StrategyKind() != market.OutOfTheMoney {
		t.Errorf("expected out-of-the-money, got %s", cfg.StrategyKind())
	}
	sc, _ := cfg.StateConfig()
	if sc.AuctionDuration != time.Hour || sc.RoundDuration != 3*time.Hour {
		t.Errorf("durations: %s / %s", sc.AuctionDuration, sc.RoundDuration)
	}
	if !sc.MinDepositAmount.Eq(mustEther(t, "0.25")) {
		t.Errorf("min deposit: %s", sc.MinDepositAmount.Dec())
	}
	if cfg.Server.GRPCAddr != ":19090" {
		t.Errorf("grpc addr from file: %s", cfg.Server.GRPCAddr)
	}
	if cfg.Server.HTTPAddr != ":28080" {
		t.Errorf("http addr from env: %s", cfg.Server.HTTPAddr)
	}
	if cfg.LogOptions().Level != "debug" {
		t.Errorf("log level: %s", cfg.LogOptions().Level)
	}
}

// ===== Test: Validation =====

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown strategy", "vault:\n  strategy: deep_itm\n", "vault.strategy"},
		{"round shorter than auction", "vault:\n  auction_duration: 2h\n  round_duration: 1h\n", "round duration"},
		{"bad amount", "vault:\n  min_bid: \"lots\"\n", "vault.min_bid"},
		{"zero collateral level", "vault:\n  collateral_level: \"0\"\n", "collateral level"},
		{"kafka without topic", "kafka:\n  enabled: true\n  topic: \"\"\n", "kafka"},
		{"zero batch", "persistence:\n  batch_size: 0\n", "batch_size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
