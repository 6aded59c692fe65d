// Package plan holds the subscription tier catalog: prices, daily earning
// limits, referral commission rates and auto-session pacing per tier.
package plan

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier identifies a subscription plan
type Tier string

// Known tiers, cheapest first
const (
	Freemium Tier = "freemium"
	Starter  Tier = "starter"
	Gold     Tier = "gold"
	Elite    Tier = "elite"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Plan describes the limits and pacing of one tier
type Plan struct {
	Tier           Tier            `yaml:"-"`
	Price          decimal.Decimal `yaml:"price"`
	DailyLimit     decimal.Decimal `yaml:"daily_limit"`
	CommissionRate decimal.Decimal `yaml:"commission_rate"`
	GainMultiplier decimal.Decimal `yaml:"gain_multiplier"`
	MinInterval    time.Duration   `yaml:"min_interval"`
	MaxInterval    time.Duration   `yaml:"max_interval"`
}

// IsFree reports whether the plan costs nothing
func (p Plan) IsFree() bool {
	return p.Price.IsZero()
}

// Catalog maps tiers to plans
type Catalog struct {
	fallback Tier
	plans    map[Tier]Plan
}

type catalogFile struct {
	Default Tier          `yaml:"default"`
	Tiers   map[Tier]Plan `yaml:"tiers"`
}

// Default returns the embedded catalog
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded plan catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file. An empty path returns the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog
func Parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("plan catalog has no tiers")
	}

	plans := make(map[Tier]Plan, len(file.Tiers))
	for tier, p := range file.Tiers {
		tier = Tier(strings.ToLower(string(tier)))
		p.Tier = tier
		if p.DailyLimit.IsNegative() || p.Price.IsNegative() || p.CommissionRate.IsNegative() {
			return nil, fmt.Errorf("tier %s: negative amounts are not allowed", tier)
		}
		if p.GainMultiplier.IsZero() {
			p.GainMultiplier = decimal.NewFromInt(1)
		}
		if p.MinInterval <= 0 || p.MaxInterval < p.MinInterval {
			return nil, fmt.Errorf("tier %s: invalid interval bounds %s..%s", tier, p.MinInterval, p.MaxInterval)
		}
		plans[tier] = p
	}

	fallback := file.Default
	if fallback == "" {
		fallback = Freemium
	}
	if _, ok := plans[fallback]; !ok {
		return nil, fmt.Errorf("default tier %s is not defined", fallback)
	}

	return &Catalog{fallback: fallback, plans: plans}, nil
}

// Get returns the plan for a tier; unknown tiers resolve to the default tier
func (c *Catalog) Get(tier Tier) Plan {
	if p, ok := c.plans[Tier(strings.ToLower(string(tier)))]; ok {
		return p
	}
	return c.plans[c.fallback]
}

// Fallback returns the default tier's plan
func (c *Catalog) Fallback() Plan {
	return c.plans[c.fallback]
}

// Has reports whether the tier is defined
func (c *Catalog) Has(tier Tier) bool {
	_, ok := c.plans[Tier(strings.ToLower(string(tier)))]
	return ok
}
