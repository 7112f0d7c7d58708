package plans

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier identifies a subscription level.
type Tier string

const (
	TierGift         Tier = "gift"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierUnlimited    Tier = "unlimited"
)

// Plan describes the entitlements of a subscription tier.
type Plan struct {
	MonthlyTokens     int64   `yaml:"monthly_tokens"`
	PriceCents        int64   `yaml:"price_cents"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	BurstPerSecond    float64 `yaml:"burst_per_second"`
}

// Table holds the static tier and operation-cost configuration.
// It is read-only after load; services share a single instance.
type Table struct {
	Plans map[Tier]Plan    `yaml:"plans"`
	Costs map[string]int64 `yaml:"operation_costs"`
}

// Default returns the built-in tier and cost tables.
func Default() *Table {
	return &Table{
		Plans: map[Tier]Plan{
			TierGift:         {MonthlyTokens: 100, PriceCents: 0, RequestsPerMinute: 10, BurstPerSecond: 3},
			TierStarter:      {MonthlyTokens: 500, PriceCents: 590, RequestsPerMinute: 30, BurstPerSecond: 5},
			TierProfessional: {MonthlyTokens: 2000, PriceCents: 1990, RequestsPerMinute: 50, BurstPerSecond: 10},
			TierUnlimited:    {MonthlyTokens: 10000, PriceCents: 4990, RequestsPerMinute: 120, BurstPerSecond: 20},
		},
		Costs: map[string]int64{
			"chatgpt_message":  5,
			"image_generation": 10,
			"video_generation": 50,
			"voice_message":    10,
			"music_generation": 25,
		},
	}
}

// Load reads a YAML override file and merges it over the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Table, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var override Table
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}
	for tier, plan := range override.Plans {
		t.Plans[tier] = plan
	}
	for op, cost := range override.Costs {
		t.Costs[op] = cost
	}
	return t, nil
}

// Plan returns the configuration for a tier. Unknown tiers fall back to
// the gift tier so an account with a stale tier string is never unmetered.
func (t *Table) Plan(tier Tier) Plan {
	if p, ok := t.Plans[tier]; ok {
		return p
	}
	return t.Plans[TierGift]
}

// Known reports whether the tier exists in the table.
func (t *Table) Known(tier Tier) bool {
	_, ok := t.Plans[tier]
	return ok
}

// Cost returns the token cost for an operation type.
func (t *Table) Cost(operation string) (int64, bool) {
	c, ok := t.Costs[operation]
	return c, ok
}

// Window is the sliding-window length all per-minute limits are measured over.
const Window = time.Minute
