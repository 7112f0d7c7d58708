package plans

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTable(t *testing.T) {
	table := Default()

	cases := []struct {
		tier    Tier
		tokens  int64
		rpm     int
		burst   float64
		price   int64
	}{
		{TierGift, 100, 10, 3, 0},
		{TierStarter, 500, 30, 5, 590},
		{TierProfessional, 2000, 50, 10, 1990},
		{TierUnlimited, 10000, 120, 20, 4990},
	}
	for _, tc := range cases {
		p := table.Plan(tc.tier)
		if p.MonthlyTokens != tc.tokens || p.RequestsPerMinute != tc.rpm || p.BurstPerSecond != tc.burst || p.PriceCents != tc.price {
			t.Fatalf("%s: unexpected plan %+v", tc.tier, p)
		}
	}

	costs := map[string]int64{
		"chatgpt_message":  5,
		"image_generation": 10,
		"video_generation": 50,
		"voice_message":    10,
		"music_generation": 25,
	}
	for op, want := range costs {
		got, ok := table.Cost(op)
		if !ok || got != want {
			t.Fatalf("cost %s: got %d ok=%v, want %d", op, got, ok, want)
		}
	}
}

func TestUnknownTierFallsBackToGift(t *testing.T) {
	table := Default()
	p := table.Plan(Tier("enterprise_legacy"))
	if p.MonthlyTokens != 100 {
		t.Fatalf("unknown tier should resolve to gift, got %+v", p)
	}
	if table.Known(Tier("enterprise_legacy")) {
		t.Fatal("Known should reject unknown tiers")
	}
}

func TestLoadMergesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	content := `
plans:
  starter:
    monthly_tokens: 750
    price_cents: 690
    requests_per_minute: 40
    burst_per_second: 6
operation_costs:
  chatgpt_message: 3
  translation: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := table.Plan(TierStarter)
	if p.MonthlyTokens != 750 || p.RequestsPerMinute != 40 {
		t.Fatalf("override not applied: %+v", p)
	}
	// Untouched tiers keep their defaults.
	if table.Plan(TierGift).MonthlyTokens != 100 {
		t.Fatal("gift tier should be unchanged")
	}
	if c, _ := table.Cost("chatgpt_message"); c != 3 {
		t.Fatalf("cost override not applied: %d", c)
	}
	if c, ok := table.Cost("translation"); !ok || c != 2 {
		t.Fatalf("new cost not added: %d ok=%v", c, ok)
	}
	if c, _ := table.Cost("video_generation"); c != 50 {
		t.Fatalf("untouched cost changed: %d", c)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Plan(TierGift).MonthlyTokens != 100 {
		t.Fatal("missing file should yield defaults")
	}
}
