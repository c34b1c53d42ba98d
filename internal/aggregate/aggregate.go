// Package aggregate summarizes one tick: event counts, currency flows by
// role, wealth-distribution metrics, and the TickMetrics counters.
package aggregate

import (
	"math"
	"sort"

	"github.com/talgya/minc/internal/model"
)

// Aggregator collects the events of one tick. Reset it at tick start with
// the pre-tick snapshots.
type Aggregator struct {
	events []model.Event
	before map[string]model.AgentSnapshot
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{before: make(map[string]model.AgentSnapshot)}
}

// Reset clears collected events and records the pre-tick snapshots used for
// wealth-change accounting.
func (g *Aggregator) Reset(before []model.AgentSnapshot) {
	g.events = g.events[:0]
	g.before = make(map[string]model.AgentSnapshot, len(before))
	for _, s := range before {
		g.before[s.ID] = s
	}
}

// AddEvent collects one event.
func (g *Aggregator) AddEvent(e model.Event) {
	g.events = append(g.events, e)
}

// Events returns the collected events in emission order.
func (g *Aggregator) Events() []model.Event { return g.events }

// CountsByKind returns event counts keyed by kind.
func (g *Aggregator) CountsByKind() map[model.EventKind]int {
	counts := make(map[model.EventKind]int)
	for _, e := range g.events {
		counts[e.Kind]++
	}
	return counts
}

// CurrencyFlows returns the net currency gain (positive) or loss (negative)
// per role, derived from event amounts and the known transfer semantics.
func (g *Aggregator) CurrencyFlows() map[model.Role]int64 {
	flows := make(map[model.Role]int64)
	for _, e := range g.events {
		switch e.Kind {
		case model.EventBribeAccept:
			flows[model.RoleKing] -= e.Amount
			flows[model.RoleMercenary] += e.Amount
		case model.EventRetainer:
			flows[model.RoleKing] -= e.Amount
			flows[model.RoleKnight] += e.Amount
		case model.EventTrade:
			flows[model.RoleKing] -= e.Amount
		case model.EventUnopposedRaid, model.EventDefendLoss:
			flows[model.RoleKing] -= e.Amount
			flows[model.RoleMercenary] += e.Amount
			if e.Kind == model.EventDefendLoss {
				flows[model.RoleKnight] -= e.Stake
				flows[model.RoleMercenary] += e.Stake
			}
		case model.EventDefendWin:
			flows[model.RoleMercenary] -= e.Stake
			flows[model.RoleKnight] += e.Stake
		}
	}
	return flows
}

// WealthChanges returns per-role, per-trait wealth deltas between the
// pre-tick snapshots and the given end-of-tick agents.
func (g *Aggregator) WealthChanges(agents []*model.Agent) map[model.Role][model.NumTraits]int64 {
	changes := make(map[model.Role][model.NumTraits]int64)
	for _, a := range agents {
		prev, ok := g.before[a.ID]
		if !ok {
			continue
		}
		deltas := changes[a.Role]
		for t := model.Trait(0); t < model.NumTraits; t++ {
			deltas[t] += a.Wealth.Get(t) - prev.Wealth.Get(t)
		}
		changes[a.Role] = deltas
	}
	return changes
}

// TickSummary computes the TickMetrics for the tick. Soup metrics from the
// epoch (entropy, compression_ratio) take precedence when present; the
// wealth-distribution entropy is the fallback.
func (g *Aggregator) TickSummary(tick uint64, agents []*model.Agent, soupMetrics map[string]float64) model.TickMetrics {
	var m model.TickMetrics

	wealths := make([]int64, 0, len(agents))
	copySum := int64(0)
	for _, a := range agents {
		m.WealthTotal += a.Wealth.Total()
		m.CurrencyTotal += a.Currency
		copySum += a.Wealth.Copy
		wealths = append(wealths, a.Wealth.Total())
	}
	if len(agents) > 0 {
		m.CopyScoreMean = float64(copySum) / float64(len(agents))
	}

	m.Entropy = Entropy(wealths)
	if v, ok := soupMetrics["entropy"]; ok {
		m.Entropy = v
	}
	if v, ok := soupMetrics["compression_ratio"]; ok {
		m.CompressionRatio = v
	}
	if v, ok := soupMetrics["copy_score_mean"]; ok {
		m.CopyScoreMean = v
	}

	for _, e := range g.events {
		switch e.Kind {
		case model.EventBribeAccept:
			m.BribesPaid += e.Amount
			m.BribesAccepted++
		case model.EventUnopposedRaid:
			m.RaidsAttempted++
			m.RaidsWonByMerc++
		case model.EventDefendLoss:
			m.RaidsAttempted++
			m.RaidsWonByMerc++
		case model.EventDefendWin:
			m.RaidsAttempted++
			m.RaidsWonByKnight++
		}
	}
	return m
}

// Gini computes the Gini coefficient G = Σ|x_i − x_j| / (2n·Σx_i) over the
// values, using the equivalent sorted form. Returns 0 for fewer than two
// values or an all-zero distribution.
func Gini(values []int64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	total := int64(0)
	weighted := int64(0)
	for i, v := range sorted {
		total += v
		weighted += int64(i+1) * v
	}
	if total == 0 {
		return 0
	}
	return (2.0*float64(weighted))/(float64(n)*float64(total)) - float64(n+1)/float64(n)
}

// Entropy computes the Shannon entropy in bits over the normalized
// distribution of the values. Zero values contribute nothing.
func Entropy(values []int64) float64 {
	total := int64(0)
	for _, v := range values {
		total += v
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, v := range values {
		if v <= 0 {
			continue
		}
		p := float64(v) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
