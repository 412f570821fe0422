package config

import (
	"testing"

	"github.com/microguy/proof-of-participation/pkg/types"
)

func TestSubsidySchedule(t *testing.T) {
	p := MainNet()

	tests := []struct {
		height uint64
		want   types.Amount
	}{
		{0, 50 * types.Coin},
		{p.HalvingInterval - 1, 50 * types.Coin},
		{p.HalvingInterval, 25 * types.Coin},
		{2 * p.HalvingInterval, 1250 * types.Coin / 100},
	}
	for _, tt := range tests {
		if got := p.Subsidy(tt.height); got != tt.want {
			t.Errorf("Subsidy(%d) = %d, want %d", tt.height, got, tt.want)
		}
	}

	// Deep heights clamp to the floor instead of shifting to zero.
	if got := p.Subsidy(1000 * p.HalvingInterval); got != p.SubsidyFloor {
		t.Errorf("deep subsidy = %d, want floor %d", got, p.SubsidyFloor)
	}
}

func TestParamsValidateRequiredFields(t *testing.T) {
	// The halving interval and subsidy floor are deliberately required:
	// the upstream sources disagree on them, so a zero value is a
	// configuration error, never a default.
	p := MainNet()
	p.HalvingInterval = 0
	if err := p.Validate(); err == nil {
		t.Error("zero halving interval accepted")
	}

	p = MainNet()
	p.SubsidyFloor = -1
	if err := p.Validate(); err == nil {
		t.Error("negative subsidy floor accepted")
	}

	p = MainNet()
	p.StakeMaturity = 0
	if err := p.Validate(); err == nil {
		t.Error("zero stake maturity accepted")
	}

	if err := MainNet().Validate(); err != nil {
		t.Errorf("mainnet params invalid: %v", err)
	}
	if err := RegNet().Validate(); err != nil {
		t.Errorf("regnet params invalid: %v", err)
	}
}

func TestParamsLookup(t *testing.T) {
	if _, err := Params("mainnet"); err != nil {
		t.Errorf("mainnet: %v", err)
	}
	if _, err := Params("regnet"); err != nil {
		t.Errorf("regnet: %v", err)
	}
	if _, err := Params("nonsense"); err == nil {
		t.Error("unknown network accepted")
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := ParseFlags([]string{
		"-network", "regnet",
		"-datadir", "/tmp/popd-test",
		"-port", "1234",
		"-seeds", "a.example:1,b.example:2",
		"-norpc",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Network != "regnet" || cfg.DataDir != "/tmp/popd-test" {
		t.Errorf("core fields: %+v", cfg)
	}
	if cfg.P2P.Port != 1234 || len(cfg.P2P.Seeds) != 2 {
		t.Errorf("p2p fields: %+v", cfg.P2P)
	}
	if cfg.RPC.Enabled {
		t.Error("rpc still enabled")
	}

	// Production requires a seed file.
	if _, err := ParseFlags([]string{"-produce"}); err == nil {
		t.Error("produce without seedfile accepted")
	}
}
