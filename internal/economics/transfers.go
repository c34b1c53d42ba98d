package economics

import (
	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
)

// ApplyBribeOutcome moves the accepted amount from king to mercenary and
// applies the wealth leakage to the king. Rejected outcomes are no-ops.
// Currency conservation holds: the king loses exactly what the merc gains.
func ApplyBribeOutcome(king, merc *model.Agent, out BribeOutcome) {
	if !out.Accepted {
		return
	}
	king.AddCurrency(-out.Amount)
	merc.AddCurrency(out.Amount)
	king.Wealth.Scale(1 - out.Leakage)
}

// ApplyMirroredLosses applies an unopposed (or lost) raid: the king loses a
// currency fraction and a per-trait wealth fraction, and the mercenary gains
// exactly what the king lost.
func ApplyMirroredLosses(king, merc *model.Agent, cfg *config.Config) {
	loseC := int64(float64(king.Currency) * cfg.Economic.OnFailedBribe.KingCurrencyLossFrac)
	king.AddCurrency(-loseC)
	merc.AddCurrency(loseC)

	frac := cfg.Economic.OnFailedBribe.KingWealthLossFrac
	for t := model.Trait(0); t < model.NumTraits; t++ {
		loseW := int64(float64(king.Wealth.Get(t)) * frac)
		king.Wealth.Add(t, -loseW)
		merc.Wealth.Add(t, loseW)
	}
}

// ApplyBounty moves a fraction of the mercenary's raid and adapt traits to
// the winning knight.
func ApplyBounty(knight, merc *model.Agent, frac float64) {
	for _, t := range []model.Trait{model.TraitRaid, model.TraitAdapt} {
		take := int64(float64(merc.Wealth.Get(t)) * frac)
		merc.Wealth.Add(t, -take)
		knight.Wealth.Add(t, take)
	}
}

// ApplyStakeToKnight pays the stake from the mercenary to the knight.
// The mercenary pays at most what it holds; conservation holds on the
// actually-paid amount.
func ApplyStakeToKnight(knight, merc *model.Agent, stake int64) {
	paid := stake
	if paid > merc.Currency {
		paid = merc.Currency
	}
	merc.AddCurrency(-paid)
	knight.AddCurrency(paid)
}

// ApplyStakeToMerc pays the stake from the knight to the mercenary on a
// lost contest, bounded by what the knight holds.
func ApplyStakeToMerc(knight, merc *model.Agent, stake int64) {
	paid := stake
	if paid > knight.Currency {
		paid = knight.Currency
	}
	knight.AddCurrency(-paid)
	merc.AddCurrency(paid)
}
