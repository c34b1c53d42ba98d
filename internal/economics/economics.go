// Package economics provides the pure formulas of the simulation: raid
// values, contest probabilities, bribe and defend resolution, and the
// transfer appliers. Every function here is referentially transparent;
// only the Apply* functions mutate their arguments.
package economics

import (
	"math"

	"golang.org/x/exp/constraints"

	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
)

// sigmoidClamp bounds the sigmoid argument so exp never overflows.
const sigmoidClamp = 40.0

// Sigmoid computes 1/(1+exp(-x)) with the argument clamped to ±40.
func Sigmoid(x float64) float64 {
	x = Clamp(x, -sigmoidClamp, sigmoidClamp)
	return 1.0 / (1.0 + math.Exp(-x))
}

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WealthTotal returns the sum of an agent's seven traits.
func WealthTotal(a *model.Agent) int64 {
	return a.Wealth.Total()
}

// WealthExposed returns total wealth scaled by the role's exposure factor.
func WealthExposed(a *model.Agent, cfg *config.Config) float64 {
	return float64(a.Wealth.Total()) * cfg.ExposureFactor(a.Role)
}

// KingDefendProjection estimates a king's defensive strength from its
// knights, scaled down when attackers outnumber defenders.
func KingDefendProjection(king *model.Agent, knights []*model.Agent, attackers int) float64 {
	strength := 0.0
	for _, k := range knights {
		strength += float64(k.Wealth.Defend) + 0.5*float64(k.Wealth.Sense) + 0.5*float64(k.Wealth.Adapt)
	}
	if attackers < 1 {
		attackers = 1
	}
	ratio := float64(len(knights)) / float64(attackers)
	if ratio > 1 {
		ratio = 1
	}
	return strength * ratio
}

// RaidValue scores how attractive a king is as a raid target for a given
// mercenary. Never negative.
func RaidValue(merc, king *model.Agent, knights []*model.Agent, cfg *config.Config) float64 {
	w := cfg.Economic.RaidValueWeights
	rv := w.AlphaRaid*float64(merc.Wealth.Raid) +
		w.BetaSenseAdapt*float64(merc.Wealth.Sense+merc.Wealth.Adapt) -
		w.GammaKingDefend*KingDefendProjection(king, knights, 1) +
		w.DeltaKingExposed*WealthExposed(king, cfg)
	if rv < 0 {
		return 0
	}
	return rv
}

// PKnightWin returns the probability that the knight wins a contest against
// the mercenary. The employment bonus applies iff the knight is employed by
// the contested king. Result is clamped to [clamp_min, clamp_max].
func PKnightWin(knight, merc *model.Agent, kingID string, cfg *config.Config) float64 {
	d := cfg.Economic.DefendResolution
	traitDelta := float64(knight.Wealth.Defend+knight.Wealth.Sense+knight.Wealth.Adapt) -
		float64(merc.Wealth.Raid+merc.Wealth.Sense+merc.Wealth.Adapt)
	p := d.BaseKnightWinrate + (Sigmoid(d.TraitAdvantageWeight*traitDelta) - 0.5)
	if kingID != "" && knight.Employer == kingID {
		p += d.EmploymentBonus
	}
	return Clamp(p, d.ClampMin, d.ClampMax)
}

// RejectReason explains a rejected bribe.
type RejectReason uint8

const (
	ReasonNone RejectReason = iota
	ReasonInsufficientFunds
	ReasonThresholdTooLow
)

// String returns the reason name.
func (r RejectReason) String() string {
	switch r {
	case ReasonInsufficientFunds:
		return "insufficient_funds"
	case ReasonThresholdTooLow:
		return "threshold_too_low"
	default:
		return "none"
	}
}

// BribeOutcome is the tagged result of a bribe resolution.
type BribeOutcome struct {
	Accepted bool
	Amount   int64        // accepted: currency moved from king to merc
	Leakage  float64      // accepted: fraction of king wealth lost per trait
	Reason   RejectReason // rejected: why
}

// ResolveBribe decides whether the king buys off the mercenary. A bribe is
// accepted when the king's threshold covers the raid value and the king can
// pay the threshold.
func ResolveBribe(king, merc *model.Agent, knights []*model.Agent, cfg *config.Config) BribeOutcome {
	rv := RaidValue(merc, king, knights, cfg)
	t := float64(king.BribeThreshold)
	switch {
	case t >= rv && king.Currency >= king.BribeThreshold:
		return BribeOutcome{Accepted: true, Amount: king.BribeThreshold, Leakage: cfg.Economic.BribeLeakage}
	case t >= rv:
		return BribeOutcome{Reason: ReasonInsufficientFunds}
	default:
		return BribeOutcome{Reason: ReasonThresholdTooLow}
	}
}

// DefendOutcome is the result of a knight/mercenary contest.
type DefendOutcome struct {
	KnightWins bool
	Stake      int64
	PKnight    float64
}

// ResolveDefend resolves a contest deterministically: the knight wins iff
// p > 0.5, with the exact 0.5 tie broken by lexicographic id order.
func ResolveDefend(knight, merc *model.Agent, kingID string, cfg *config.Config) DefendOutcome {
	p := PKnightWin(knight, merc, kingID, cfg)
	wins := p > 0.5 || (p == 0.5 && knight.ID < merc.ID)
	stake := int64(cfg.Economic.DefendResolution.StakeCurrencyFrac * float64(knight.Currency+merc.Currency))
	return DefendOutcome{KnightWins: wins, Stake: stake, PKnight: p}
}
