package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// contentHash computes the 16-hex-character content hash over a canonical
// serialization: fields in a fixed order, map keys sorted, numbers
// normalized via strconv 'g' formatting,
// one key=value line per scalar. Two configs with equal recognized options
// always hash identically regardless of source formatting.
func contentHash(c *Config) string {
	var b strings.Builder

	put := func(key string, value string) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	putF := func(key string, v float64) { put(key, strconv.FormatFloat(v, 'g', -1, 64)) }
	putI := func(key string, v int64) { put(key, strconv.FormatInt(v, 10)) }
	putU := func(key string, v uint64) { put(key, strconv.FormatUint(v, 10)) }
	putB := func(key string, v bool) { put(key, strconv.FormatBool(v)) }

	put("version", c.Version)
	putU("seed", c.Seed)

	for _, k := range sortedKeysF(c.Roles.Ratios) {
		putF("roles.ratios."+k, c.Roles.Ratios[k])
	}
	putF("roles.mutation_rate", c.Roles.MutationRate)
	for _, k := range sortedKeysR(c.Roles.InitialCurrency) {
		r := c.Roles.InitialCurrency[k]
		put("roles.initial_currency."+k, fmt.Sprintf("[%d,%d]", r.Min, r.Max))
	}
	for _, k := range sortedKeysR(c.Roles.InitialWealth) {
		r := c.Roles.InitialWealth[k]
		put("roles.initial_wealth."+k, fmt.Sprintf("[%d,%d]", r.Min, r.Max))
	}

	for i, v := range c.Economic.CurrencyToWealthRatio {
		putI(fmt.Sprintf("economic.currency_to_wealth_ratio.%d", i), v)
	}
	putF("economic.bribe_leakage", c.Economic.BribeLeakage)
	for _, k := range sortedKeysF(c.Economic.ExposureFactors) {
		putF("economic.exposure_factors."+k, c.Economic.ExposureFactors[k])
	}
	w := c.Economic.RaidValueWeights
	putF("economic.raid_value_weights.alpha_raid", w.AlphaRaid)
	putF("economic.raid_value_weights.beta_sense_adapt", w.BetaSenseAdapt)
	putF("economic.raid_value_weights.gamma_king_defend", w.GammaKingDefend)
	putF("economic.raid_value_weights.delta_king_exposed", w.DeltaKingExposed)
	d := c.Economic.DefendResolution
	putF("economic.defend_resolution.base_knight_winrate", d.BaseKnightWinrate)
	putF("economic.defend_resolution.trait_advantage_weight", d.TraitAdvantageWeight)
	putF("economic.defend_resolution.clamp_min", d.ClampMin)
	putF("economic.defend_resolution.clamp_max", d.ClampMax)
	putF("economic.defend_resolution.stake_currency_frac", d.StakeCurrencyFrac)
	putF("economic.defend_resolution.bounty_wealth_frac", d.BountyWealthFrac)
	putF("economic.defend_resolution.employment_bonus", d.EmploymentBonus)
	putI("economic.trade.invest_per_tick", c.Economic.Trade.InvestPerTick)
	putI("economic.trade.created_wealth_units", c.Economic.Trade.CreatedWealthUnits)
	for _, k := range sortedKeysI(c.Economic.Trade.Distribution) {
		putI("economic.trade.distribution."+k, c.Economic.Trade.Distribution[k])
	}
	putF("economic.on_failed_bribe.king_currency_loss_frac", c.Economic.OnFailedBribe.KingCurrencyLossFrac)
	putF("economic.on_failed_bribe.king_wealth_loss_frac", c.Economic.OnFailedBribe.KingWealthLossFrac)

	putU("refractory.raid", c.Refractory.Raid)
	putU("refractory.defend", c.Refractory.Defend)
	putU("refractory.bribe", c.Refractory.Bribe)
	putU("refractory.trade", c.Refractory.Trade)
	putU("refractory.retainer", c.Refractory.Retainer)

	putB("cache.enabled", c.Cache.Enabled)
	putI("cache.max_size", int64(c.Cache.MaxSize))
	putF("cache.witness_sample_rate", c.Cache.WitnessSampleRate)

	put("output.json_ticks", c.Output.JSONTicks)
	put("output.csv_events", c.Output.CSVEvents)
	put("output.csv_final_agents", c.Output.CSVFinalAgents)
	putB("output.compress", c.Output.Compress)
	putB("output.pretty_print", c.Output.PrettyPrint)

	putB("trait_emergence.enabled", c.TraitEmergence.Enabled)
	for i, rule := range c.TraitEmergence.Rules {
		put(fmt.Sprintf("trait_emergence.rules.%d.condition", i), rule.Condition)
		for _, k := range sortedKeysI(rule.Delta) {
			putI(fmt.Sprintf("trait_emergence.rules.%d.delta.%s", i, k), rule.Delta[k])
		}
	}

	put("policies.raid_value", c.Policies.RaidValue)
	put("policies.bribe_outcome", c.Policies.BribeOutcome)
	put("policies.p_knight_win", c.Policies.PKnightWin)
	put("policies.trade_action", c.Policies.TradeAction)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func sortedKeysF(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysI(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysR(m map[string]Range) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
