package engine

import (
	"fmt"
	"log/slog"

	"github.com/talgya/minc/internal/cache"
	"github.com/talgya/minc/internal/economics"
	"github.com/talgya/minc/internal/model"
	"github.com/talgya/minc/internal/policy"
)

// phase is the tick state machine position.
type phase uint8

const (
	phaseDrip phase = iota
	phaseTrade
	phaseRetainer
	phaseInteractions
	phaseDone
)

// String returns the phase name.
func (p phase) String() string {
	switch p {
	case phaseDrip:
		return "drip"
	case phaseTrade:
		return "trade"
	case phaseRetainer:
		return "retainer"
	case phaseInteractions:
		return "interactions"
	default:
		return "done"
	}
}

// ProcessTick advances the simulation by one tick: drain expired refractory
// queues, run the four phases in order, snapshot, and summarize. Any
// invariant violation aborts the tick with a TickFailedError.
func (e *Engine) ProcessTick(tick uint64, epoch *model.EpochData) (*model.TickResult, error) {
	if !e.initialized {
		return nil, &model.TickFailedError{Tick: tick, Cause: fmt.Errorf("engine not initialized")}
	}

	// Refractory windows that expired at this tick drain their queues first.
	drained := e.router.UpdateRefractory(tick)
	if len(drained) > 0 {
		slog.Debug("refractory queues drained", "tick", tick, "signals", len(drained))
	}

	if mutated := e.registry.MutateRoles(tick); len(mutated) > 0 {
		slog.Info("roles mutated", "tick", tick, "agents", mutated)
	}

	e.agg.Reset(e.Finalize())

	var events []model.Event
	for p := phaseDrip; p != phaseDone; p++ {
		var phaseEvents []model.Event
		switch p {
		case phaseDrip:
			phaseEvents = e.runDrip(tick)
		case phaseTrade:
			phaseEvents = e.runTrades(tick)
		case phaseRetainer:
			phaseEvents = e.runRetainers(tick)
		case phaseInteractions:
			phaseEvents = e.runInteractions(tick)
		}

		for _, ev := range phaseEvents {
			e.agg.AddEvent(ev)
		}
		e.router.ProcessEvents(tick, phaseEvents)
		events = append(events, phaseEvents...)

		if err := e.checkInvariants(tick); err != nil {
			return nil, &model.TickFailedError{Tick: tick, Cause: err}
		}
	}

	agents := e.registry.All()
	var soupMetrics map[string]float64
	if epoch != nil {
		soupMetrics = epoch.Metrics
	}
	return &model.TickResult{
		Tick:      tick,
		Events:    events,
		Metrics:   e.agg.TickSummary(tick, agents, soupMetrics),
		Snapshots: e.Finalize(),
	}, nil
}

// runDrip evaluates the trait-emergence rules for every agent in sorted-id
// order. Disabled trait emergence compiles to zero rules.
func (e *Engine) runDrip(tick uint64) []model.Event {
	if len(e.policies.DripRules) == 0 {
		return nil
	}

	var events []model.Event
	for _, a := range e.registry.All() {
		if !a.Alive {
			continue
		}
		for _, rule := range e.policies.DripRules {
			env := policy.Env{
				Agents: map[string]*model.Agent{"agent": a},
				Nums:   map[string]float64{"tick": float64(tick)},
			}
			if !rule.Condition.EvalBool(env) {
				continue
			}
			total := int64(0)
			for t := model.Trait(0); t < model.NumTraits; t++ {
				if d, ok := rule.Delta[t]; ok && d != 0 {
					a.Wealth.Add(t, d)
					total += d
				}
			}
			ev := model.Event{Tick: tick, Kind: model.EventTraitDrip, Amount: total}
			switch a.Role {
			case model.RoleKing:
				ev.King = a.ID
			case model.RoleKnight:
				ev.Knight = a.ID
			default:
				ev.Merc = a.ID
			}
			events = append(events, ev)
		}
	}
	return events
}

// runTrades lets each king convert currency into wealth: invest_per_tick
// buys the configured trait distribution.
func (e *Engine) runTrades(tick uint64) []model.Event {
	invest := e.cfg.Economic.Trade.InvestPerTick

	var events []model.Event
	for _, king := range e.registry.AgentsByRole(model.RoleKing) {
		if !king.Alive || king.Currency < invest {
			continue
		}
		if p := e.policies.TradeAction; p != nil {
			env := policy.Env{
				Agents: map[string]*model.Agent{"king": king},
				Nums:   map[string]float64{"tick": float64(tick), "invest_per_tick": float64(invest)},
			}
			if !p.EvalBool(env) {
				continue
			}
		}

		king.AddCurrency(-invest)
		for _, d := range sortedDistribution(e.cfg.Economic.Trade.Distribution) {
			king.Wealth.Add(d.trait, d.units)
		}
		events = append(events, model.Event{Tick: tick, Kind: model.EventTrade, King: king.ID, Amount: invest})
	}
	return events
}

// runRetainers pays each employed knight's fee from its king. Kings that
// cannot afford a fee skip silently, a stable contract.
func (e *Engine) runRetainers(tick uint64) []model.Event {
	var events []model.Event
	for _, knight := range e.registry.AgentsByRole(model.RoleKnight) {
		if !knight.Alive || knight.Employer == "" {
			continue
		}
		king, err := e.registry.Get(knight.Employer)
		if err != nil || !king.Alive {
			continue
		}
		if king.Currency < knight.RetainerFee {
			continue
		}
		king.AddCurrency(-knight.RetainerFee)
		knight.AddCurrency(knight.RetainerFee)
		events = append(events, model.Event{
			Tick:   tick,
			Kind:   model.EventRetainer,
			King:   king.ID,
			Knight: knight.ID,
			Amount: knight.RetainerFee,
		})
	}
	return events
}

// runInteractions resolves each mercenary against its chosen target king:
// bribe, defended contest, or unopposed raid.
func (e *Engine) runInteractions(tick uint64) []model.Event {
	var events []model.Event
	for _, merc := range e.registry.AgentsByRole(model.RoleMercenary) {
		if !merc.Alive {
			continue
		}
		king := e.pickTargetKing()
		if king == nil {
			continue
		}
		defender := e.pickDefender(king)

		var defenders []*model.Agent
		if defender != nil {
			defenders = []*model.Agent{defender}
		}
		rv := e.raidValue(tick, merc, king, defenders)

		// Bribe attempt before any contest.
		if e.bribeCondition(tick, merc, king, defenders, rv) {
			if king.Currency < king.BribeThreshold {
				events = append(events, model.Event{
					Tick:  tick,
					Kind:  model.EventBribeInsufficientFunds,
					King:  king.ID,
					Merc:  merc.ID,
					Notes: economics.ReasonInsufficientFunds.String(),
				})
				// Fall through to the contest.
			} else if out := e.resolveBribe(merc, king, defenders); out.Accepted {
				economics.ApplyBribeOutcome(king, merc, out)
				events = append(events, model.Event{
					Tick:   tick,
					Kind:   model.EventBribeAccept,
					King:   king.ID,
					Merc:   merc.ID,
					Amount: out.Amount,
				})
				continue
			}
			// A resolver rejection despite the gate falls through to the
			// contest without an event.
		}

		if defender == nil {
			lost := int64(float64(king.Currency) * e.cfg.Economic.OnFailedBribe.KingCurrencyLossFrac)
			economics.ApplyMirroredLosses(king, merc, e.cfg)
			events = append(events, model.Event{
				Tick:   tick,
				Kind:   model.EventUnopposedRaid,
				King:   king.ID,
				Merc:   merc.ID,
				Amount: lost,
			})
			continue
		}

		out := e.resolveDefend(tick, defender, merc, king)
		if out.KnightWins {
			economics.ApplyStakeToKnight(defender, merc, out.Stake)
			economics.ApplyBounty(defender, merc, e.cfg.Economic.DefendResolution.BountyWealthFrac)
			events = append(events, model.Event{
				Tick:    tick,
				Kind:    model.EventDefendWin,
				King:    king.ID,
				Knight:  defender.ID,
				Merc:    merc.ID,
				Stake:   out.Stake,
				PKnight: out.PKnight,
			})
		} else {
			lost := int64(float64(king.Currency) * e.cfg.Economic.OnFailedBribe.KingCurrencyLossFrac)
			economics.ApplyStakeToMerc(defender, merc, out.Stake)
			economics.ApplyMirroredLosses(king, merc, e.cfg)
			events = append(events, model.Event{
				Tick:    tick,
				Kind:    model.EventDefendLoss,
				King:    king.ID,
				Knight:  defender.ID,
				Merc:    merc.ID,
				Amount:  lost,
				Stake:   out.Stake,
				PKnight: out.PKnight,
			})
		}
	}
	return events
}

// pickTargetKing returns the king with the highest exposed wealth, ties
// broken by lexicographic id (the ascending scan keeps the smaller id).
func (e *Engine) pickTargetKing() *model.Agent {
	var best *model.Agent
	bestExposed := 0.0
	for _, king := range e.registry.AgentsByRole(model.RoleKing) {
		if !king.Alive {
			continue
		}
		exposed := economics.WealthExposed(king, e.cfg)
		if best == nil || exposed > bestExposed {
			best = king
			bestExposed = exposed
		}
	}
	return best
}

// pickDefender returns the defending knight: the king's employed knights in
// id order first, then the strongest free knight (defend+sense+adapt, ties
// by id).
func (e *Engine) pickDefender(king *model.Agent) *model.Agent {
	knights := e.registry.AgentsByRole(model.RoleKnight)
	for _, k := range knights {
		if k.Alive && k.Employer == king.ID {
			return k
		}
	}

	var best *model.Agent
	bestStrength := int64(-1)
	for _, k := range knights {
		if !k.Alive || k.Employer != "" {
			continue
		}
		strength := k.Wealth.Defend + k.Wealth.Sense + k.Wealth.Adapt
		if strength > bestStrength {
			best = k
			bestStrength = strength
		}
	}
	return best
}

// raidValue computes rv through the policy slot when configured, the
// built-in formula otherwise.
func (e *Engine) raidValue(tick uint64, merc, king *model.Agent, defenders []*model.Agent) float64 {
	if p := e.policies.RaidValue; p != nil {
		w := e.cfg.Economic.RaidValueWeights
		rv := p.EvalNum(policy.Env{
			Agents: map[string]*model.Agent{"merc": merc, "king": king},
			Nums: map[string]float64{
				"tick":                   float64(tick),
				"knights":                float64(len(defenders)),
				"king_defend_projection": economics.KingDefendProjection(king, defenders, 1),
				"wealth_exposed":         economics.WealthExposed(king, e.cfg),
				"alpha_raid":             w.AlphaRaid,
				"beta_sense_adapt":       w.BetaSenseAdapt,
				"gamma_king_defend":      w.GammaKingDefend,
				"delta_king_exposed":     w.DeltaKingExposed,
			},
		})
		if rv < 0 {
			return 0
		}
		return rv
	}
	return economics.RaidValue(merc, king, defenders, e.cfg)
}

// bribeCondition decides whether the king attempts a bribe at all. The
// default is threshold >= raid value; the bribe_outcome policy slot
// overrides the condition.
func (e *Engine) bribeCondition(tick uint64, merc, king *model.Agent, defenders []*model.Agent, rv float64) bool {
	if p := e.policies.BribeOutcome; p != nil {
		return p.EvalBool(policy.Env{
			Agents: map[string]*model.Agent{"merc": merc, "king": king},
			Nums: map[string]float64{
				"tick":                   float64(tick),
				"raid_value":             rv,
				"king_defend_projection": economics.KingDefendProjection(king, defenders, 1),
				"wealth_exposed":         economics.WealthExposed(king, e.cfg),
				"bribe_leakage":          e.cfg.Economic.BribeLeakage,
			},
		})
	}
	return float64(king.BribeThreshold) >= rv
}

// resolveBribe builds the bribe outcome for a king that passed the bribe
// gate with the threshold in hand. With a raid_value or bribe_outcome
// policy configured, the gate's decision is authoritative and only the
// amount and leakage come from config; the built-in resolver would
// recompute the raid value with the default formula and could contradict
// the policy. Without policies the pure resolution is memoized on the
// canonical state of the participants.
func (e *Engine) resolveBribe(merc, king *model.Agent, defenders []*model.Agent) economics.BribeOutcome {
	if e.policies.BribeOutcome != nil || e.policies.RaidValue != nil {
		return economics.BribeOutcome{
			Accepted: true,
			Amount:   king.BribeThreshold,
			Leakage:  e.cfg.Economic.BribeLeakage,
		}
	}

	participants := append([]*model.Agent{king, merc}, defenders...)
	key := cache.Key(participants, e.cfg.Hash()+"|bribe")

	cfg := e.cfg
	kingCopy, mercCopy := *king, *merc
	defCopy := cloneAgents(defenders)
	v := e.memoize(key, func() any {
		k, m := kingCopy, mercCopy
		return economics.ResolveBribe(&k, &m, defCopy, cfg)
	})
	return v.(economics.BribeOutcome)
}

// resolveDefend memoizes the contest resolution. Employment is not part of
// the canonical agent reduction, so it is folded into the key suffix.
func (e *Engine) resolveDefend(tick uint64, knight, merc, king *model.Agent) economics.DefendOutcome {
	if p := e.policies.PKnightWin; p != nil {
		d := e.cfg.Economic.DefendResolution
		traitDelta := float64(knight.Wealth.Defend+knight.Wealth.Sense+knight.Wealth.Adapt) -
			float64(merc.Wealth.Raid+merc.Wealth.Sense+merc.Wealth.Adapt)
		bonus := 0.0
		if knight.Employer == king.ID {
			bonus = d.EmploymentBonus
		}
		pk := economics.Clamp(p.EvalNum(policy.Env{
			Agents: map[string]*model.Agent{"knight": knight, "merc": merc},
			Nums: map[string]float64{
				"tick":                   float64(tick),
				"trait_delta":            traitDelta,
				"employment_bonus":       bonus,
				"base_knight_winrate":    d.BaseKnightWinrate,
				"trait_advantage_weight": d.TraitAdvantageWeight,
				"clamp_min":              d.ClampMin,
				"clamp_max":              d.ClampMax,
			},
		}), d.ClampMin, d.ClampMax)
		wins := pk > 0.5 || (pk == 0.5 && knight.ID < merc.ID)
		stake := int64(d.StakeCurrencyFrac * float64(knight.Currency+merc.Currency))
		return economics.DefendOutcome{KnightWins: wins, Stake: stake, PKnight: pk}
	}

	suffix := "|defend"
	if knight.Employer == king.ID {
		suffix += "+emp"
	}
	key := cache.Key([]*model.Agent{knight, merc, king}, e.cfg.Hash()+suffix)

	cfg := e.cfg
	kingID := king.ID
	knightCopy, mercCopy := *knight, *merc
	v := e.memoize(key, func() any {
		k, m := knightCopy, mercCopy
		return economics.ResolveDefend(&k, &m, kingID, cfg)
	})
	return v.(economics.DefendOutcome)
}

type traitUnits struct {
	trait model.Trait
	units int64
}

// sortedDistribution returns the trade wealth distribution in canonical
// trait order so map iteration never leaks into observable behavior.
func sortedDistribution(dist map[string]int64) []traitUnits {
	var out []traitUnits
	for ti, name := range model.TraitNames {
		if units, ok := dist[name]; ok && units != 0 {
			out = append(out, traitUnits{trait: model.Trait(ti), units: units})
		}
	}
	return out
}

func cloneAgents(agents []*model.Agent) []*model.Agent {
	out := make([]*model.Agent, len(agents))
	for i, a := range agents {
		c := *a
		out[i] = &c
	}
	return out
}
