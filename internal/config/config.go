// Package config provides the typed engine configuration, validation,
// and the deterministic content hash used in cache keys and run metadata.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/talgya/minc/internal/model"
)

// Version is the config schema version this engine understands.
const Version = "0.1.1"

// Range is an inclusive [min, max] integer sampling range.
type Range struct {
	Min int64
	Max int64
}

// UnmarshalYAML decodes a two-element sequence into a Range.
func (r *Range) UnmarshalYAML(unmarshal func(any) error) error {
	var pair []int64
	if err := unmarshal(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must have exactly 2 elements, got %d", len(pair))
	}
	r.Min, r.Max = pair[0], pair[1]
	return nil
}

// Roles configures role assignment and initialization sampling.
type Roles struct {
	Ratios          map[string]float64 `yaml:"ratios"`
	MutationRate    float64            `yaml:"mutation_rate"`
	InitialCurrency map[string]Range   `yaml:"initial_currency"`
	InitialWealth   map[string]Range   `yaml:"initial_wealth"`
}

// RaidValueWeights are the four coefficients of the raid value formula.
type RaidValueWeights struct {
	AlphaRaid        float64 `yaml:"alpha_raid"`
	BetaSenseAdapt   float64 `yaml:"beta_sense_adapt"`
	GammaKingDefend  float64 `yaml:"gamma_king_defend"`
	DeltaKingExposed float64 `yaml:"delta_king_exposed"`
}

// DefendResolution configures the knight/mercenary contest.
type DefendResolution struct {
	BaseKnightWinrate    float64 `yaml:"base_knight_winrate"`
	TraitAdvantageWeight float64 `yaml:"trait_advantage_weight"`
	ClampMin             float64 `yaml:"clamp_min"`
	ClampMax             float64 `yaml:"clamp_max"`
	StakeCurrencyFrac    float64 `yaml:"stake_currency_frac"`
	BountyWealthFrac     float64 `yaml:"bounty_wealth_frac"`
	EmploymentBonus      float64 `yaml:"employment_bonus"`
}

// Trade configures king investment per tick.
type Trade struct {
	InvestPerTick      int64            `yaml:"invest_per_tick"`
	CreatedWealthUnits int64            `yaml:"created_wealth_units"`
	Distribution       map[string]int64 `yaml:"distribution"`
}

// OnFailedBribe configures the mirrored losses applied on an unopposed or
// lost contest.
type OnFailedBribe struct {
	KingCurrencyLossFrac float64 `yaml:"king_currency_loss_frac"`
	KingWealthLossFrac   float64 `yaml:"king_wealth_loss_frac"`
}

// Economic groups all economic constants.
type Economic struct {
	CurrencyToWealthRatio []int64            `yaml:"currency_to_wealth_ratio"`
	BribeLeakage          float64            `yaml:"bribe_leakage"`
	ExposureFactors       map[string]float64 `yaml:"exposure_factors"`
	RaidValueWeights      RaidValueWeights   `yaml:"raid_value_weights"`
	DefendResolution      DefendResolution   `yaml:"defend_resolution"`
	Trade                 Trade              `yaml:"trade"`
	OnFailedBribe         OnFailedBribe      `yaml:"on_failed_bribe"`
}

// Refractory configures per-channel refractory windows in ticks.
type Refractory struct {
	Raid     uint64 `yaml:"raid"`
	Defend   uint64 `yaml:"defend"`
	Bribe    uint64 `yaml:"bribe"`
	Trade    uint64 `yaml:"trade"`
	Retainer uint64 `yaml:"retainer"`
}

// Cache configures the canonical-state memo.
type Cache struct {
	Enabled           bool    `yaml:"enabled"`
	MaxSize           int     `yaml:"max_size"`
	WitnessSampleRate float64 `yaml:"witness_sample_rate"`
}

// Output configures result writing.
type Output struct {
	JSONTicks      string `yaml:"json_ticks"`
	CSVEvents      string `yaml:"csv_events"`
	CSVFinalAgents string `yaml:"csv_final_agents"`
	Compress       bool   `yaml:"compress"`
	PrettyPrint    bool   `yaml:"pretty_print"`
}

// EmergenceRule is one trait-emergence rule: a boolean condition over agent
// fields and the tick, and integer deltas per trait.
type EmergenceRule struct {
	Condition string           `yaml:"condition"`
	Delta     map[string]int64 `yaml:"delta"`
}

// TraitEmergence configures the soup drip phase.
type TraitEmergence struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []EmergenceRule `yaml:"rules"`
}

// Policies holds optional expression overrides for the four policy slots.
// Empty slots use the built-in economics functions.
type Policies struct {
	RaidValue    string `yaml:"raid_value"`
	BribeOutcome string `yaml:"bribe_outcome"`
	PKnightWin   string `yaml:"p_knight_win"`
	TradeAction  string `yaml:"trade_action"`
}

// Config is the full recognized options tree.
type Config struct {
	Version        string         `yaml:"version"`
	Seed           uint64         `yaml:"seed"`
	Roles          Roles          `yaml:"roles"`
	Economic       Economic       `yaml:"economic"`
	Refractory     Refractory     `yaml:"refractory"`
	Cache          Cache          `yaml:"cache"`
	Output         Output         `yaml:"output"`
	TraitEmergence TraitEmergence `yaml:"trait_emergence"`
	Policies       Policies       `yaml:"policies"`

	hash string
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Seed:    42,
		Roles: Roles{
			Ratios:       map[string]float64{"king": 0.10, "knight": 0.20, "mercenary": 0.70},
			MutationRate: 0.0,
			InitialCurrency: map[string]Range{
				"king":      {Min: 5000, Max: 7000},
				"knight":    {Min: 100, Max: 300},
				"mercenary": {Min: 0, Max: 50},
			},
			InitialWealth: map[string]Range{
				"king":      {Min: 10, Max: 30},
				"knight":    {Min: 5, Max: 15},
				"mercenary": {Min: 0, Max: 10},
			},
		},
		Economic: Economic{
			CurrencyToWealthRatio: []int64{100, 5},
			BribeLeakage:          0.05,
			ExposureFactors:       map[string]float64{"king": 1.0, "knight": 0.5, "mercenary": 0.4},
			RaidValueWeights: RaidValueWeights{
				AlphaRaid:        1.0,
				BetaSenseAdapt:   0.25,
				GammaKingDefend:  0.60,
				DeltaKingExposed: 0.40,
			},
			DefendResolution: DefendResolution{
				BaseKnightWinrate:    0.50,
				TraitAdvantageWeight: 0.30,
				ClampMin:             0.05,
				ClampMax:             0.95,
				StakeCurrencyFrac:    0.10,
				BountyWealthFrac:     0.07,
				EmploymentBonus:      0.08,
			},
			Trade: Trade{
				InvestPerTick:      100,
				CreatedWealthUnits: 5,
				Distribution:       map[string]int64{"defend": 3, "trade": 2},
			},
			OnFailedBribe: OnFailedBribe{
				KingCurrencyLossFrac: 0.50,
				KingWealthLossFrac:   0.25,
			},
		},
		Refractory: Refractory{Raid: 2, Defend: 1, Bribe: 1, Trade: 0, Retainer: 0},
		Cache:      Cache{Enabled: true, MaxSize: 10000, WitnessSampleRate: 0.05},
		TraitEmergence: TraitEmergence{
			Enabled: true,
			Rules: []EmergenceRule{
				{Condition: "agent.wealth.copy >= 12 and tick % 2 == 0", Delta: map[string]int64{"copy": 1}},
			},
		},
	}
}

// Load reads a YAML config file over the defaults, validates it, and
// computes the content hash.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.hash = contentHash(cfg)
	return cfg, nil
}

// Finalize validates an in-memory config and computes its hash. Tests and
// embedding callers use this instead of Load.
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.hash = contentHash(c)
	return nil
}

// Hash returns the 16-hex-character content hash. Empty until the config is
// loaded or finalized.
func (c *Config) Hash() string { return c.hash }

// Validate checks every recognized option. All failures are collected into
// one ConfigInvalidError.
func (c *Config) Validate() error {
	var errs []string

	ratioSum := 0.0
	for _, r := range []model.Role{model.RoleKing, model.RoleKnight, model.RoleMercenary} {
		v, ok := c.Roles.Ratios[r.String()]
		if !ok {
			errs = append(errs, fmt.Sprintf("roles.ratios missing %s", r))
			continue
		}
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("roles.ratios.%s %g outside [0,1]", r, v))
		}
		ratioSum += v
	}
	if math.Abs(ratioSum-1.0) > 1e-6 {
		errs = append(errs, fmt.Sprintf("roles.ratios sum %g, want 1.0", ratioSum))
	}

	probs := map[string]float64{
		"roles.mutation_rate":                            c.Roles.MutationRate,
		"economic.defend_resolution.base_knight_winrate": c.Economic.DefendResolution.BaseKnightWinrate,
		"economic.defend_resolution.clamp_min":           c.Economic.DefendResolution.ClampMin,
		"economic.defend_resolution.clamp_max":           c.Economic.DefendResolution.ClampMax,
		"cache.witness_sample_rate":                      c.Cache.WitnessSampleRate,
	}
	for name, v := range probs {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s %g outside [0,1]", name, v))
		}
	}
	if c.Economic.DefendResolution.ClampMin > c.Economic.DefendResolution.ClampMax {
		errs = append(errs, "economic.defend_resolution clamp_min > clamp_max")
	}

	fracs := map[string]float64{
		"economic.bribe_leakage":                           c.Economic.BribeLeakage,
		"economic.defend_resolution.stake_currency_frac":   c.Economic.DefendResolution.StakeCurrencyFrac,
		"economic.defend_resolution.bounty_wealth_frac":    c.Economic.DefendResolution.BountyWealthFrac,
		"economic.defend_resolution.employment_bonus":      c.Economic.DefendResolution.EmploymentBonus,
		"economic.on_failed_bribe.king_currency_loss_frac": c.Economic.OnFailedBribe.KingCurrencyLossFrac,
		"economic.on_failed_bribe.king_wealth_loss_frac":   c.Economic.OnFailedBribe.KingWealthLossFrac,
	}
	for name, v := range fracs {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s %g is negative", name, v))
		}
	}
	for _, ef := range []string{"king", "knight", "mercenary"} {
		if v, ok := c.Economic.ExposureFactors[ef]; !ok {
			errs = append(errs, "economic.exposure_factors missing "+ef)
		} else if v < 0 {
			errs = append(errs, fmt.Sprintf("economic.exposure_factors.%s %g is negative", ef, v))
		}
	}

	if len(c.Economic.CurrencyToWealthRatio) != 2 {
		errs = append(errs, "economic.currency_to_wealth_ratio must have 2 elements")
	} else if c.Economic.CurrencyToWealthRatio[0] < 0 || c.Economic.CurrencyToWealthRatio[1] < 0 {
		errs = append(errs, "economic.currency_to_wealth_ratio is negative")
	}
	if c.Economic.Trade.InvestPerTick < 0 {
		errs = append(errs, "economic.trade.invest_per_tick is negative")
	}
	distSum := int64(0)
	for _, units := range c.Economic.Trade.Distribution {
		distSum += units
	}
	if distSum != c.Economic.Trade.CreatedWealthUnits {
		errs = append(errs, fmt.Sprintf("economic.trade.distribution sums to %d, want created_wealth_units %d", distSum, c.Economic.Trade.CreatedWealthUnits))
	}
	for role, rng := range c.Roles.InitialCurrency {
		if rng.Min < 0 || rng.Max < rng.Min {
			errs = append(errs, fmt.Sprintf("roles.initial_currency.%s invalid range [%d,%d]", role, rng.Min, rng.Max))
		}
	}
	for role, rng := range c.Roles.InitialWealth {
		if rng.Min < 0 || rng.Max < rng.Min {
			errs = append(errs, fmt.Sprintf("roles.initial_wealth.%s invalid range [%d,%d]", role, rng.Min, rng.Max))
		}
	}
	if c.Cache.MaxSize < 0 {
		errs = append(errs, "cache.max_size is negative")
	}
	for trait := range c.Economic.Trade.Distribution {
		if !validTrait(trait) {
			errs = append(errs, "economic.trade.distribution unknown trait "+trait)
		}
	}
	for i, rule := range c.TraitEmergence.Rules {
		if rule.Condition == "" {
			errs = append(errs, fmt.Sprintf("trait_emergence.rules[%d] empty condition", i))
		}
		for trait := range rule.Delta {
			if !validTrait(trait) {
				errs = append(errs, fmt.Sprintf("trait_emergence.rules[%d] unknown trait %s", i, trait))
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return &model.ConfigInvalidError{Errors: errs}
	}
	return nil
}

func validTrait(name string) bool {
	for _, t := range model.TraitNames {
		if t == name {
			return true
		}
	}
	return false
}

// ExposureFactor returns the role's exposure factor.
func (c *Config) ExposureFactor(r model.Role) float64 {
	return c.Economic.ExposureFactors[r.String()]
}

// CurrencyRange returns the initial currency sampling range for a role.
func (c *Config) CurrencyRange(r model.Role) Range {
	return c.Roles.InitialCurrency[r.String()]
}

// WealthRange returns the initial per-trait wealth sampling range for a role.
func (c *Config) WealthRange(r model.Role) Range {
	return c.Roles.InitialWealth[r.String()]
}
