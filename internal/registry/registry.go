// Package registry owns the agent set: deterministic role assignment,
// employer binding, and id/role lookups. All agent mutation flows through
// the registry's owner (the engine holds exclusive mutable access per tick).
package registry

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
)

// Registry holds all agents with O(1) id lookup and a sorted per-role index
// for deterministic iteration.
type Registry struct {
	cfg *config.Config
	rng *rand.Rand

	agents map[string]*model.Agent
	byTape map[uint64]string
	byRole map[model.Role][]string // sorted agent ids
}

// New creates an empty registry. The rng is the run's single seeded PRNG;
// the registry is its only consumer.
func New(cfg *config.Config, rng *rand.Rand) *Registry {
	return &Registry{
		cfg:    cfg,
		rng:    rng,
		agents: make(map[string]*model.Agent),
		byTape: make(map[uint64]string),
		byRole: make(map[model.Role][]string),
	}
}

// AssignRoles binds each tape id to a new agent. Role counts follow the
// configured ratios with largest-remainder rounding; the PRNG only shuffles
// which sorted tape receives which role slot. Ids are numbered per role in
// assignment order.
func (r *Registry) AssignRoles(tapeIDs []uint64) error {
	sorted := make([]uint64, len(tapeIDs))
	copy(sorted, tapeIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return &model.DuplicateTapeIDError{TapeID: sorted[i]}
		}
	}
	for _, id := range sorted {
		if _, ok := r.byTape[id]; ok {
			return &model.DuplicateTapeIDError{TapeID: id}
		}
	}

	slots := roleSlots(len(sorted), r.cfg.Roles.Ratios)
	r.rng.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })

	counts := map[model.Role]int{}
	for i, tapeID := range sorted {
		role := slots[i]
		counts[role]++
		id := fmt.Sprintf("%s-%02d", role.Prefix(), counts[role])

		a, err := r.spawn(id, tapeID, role)
		if err != nil {
			return err
		}
		r.agents[id] = a
		r.byTape[tapeID] = id
		r.byRole[role] = append(r.byRole[role], id)
	}
	for role := range r.byRole {
		sort.Strings(r.byRole[role])
	}
	return nil
}

// spawn creates one agent with role-specific initialization sampled from
// the seeded PRNG.
func (r *Registry) spawn(id string, tapeID uint64, role model.Role) (*model.Agent, error) {
	currency := r.sample(r.cfg.CurrencyRange(role))
	var wealth model.WealthTraits
	wr := r.cfg.WealthRange(role)
	for t := model.Trait(0); t < model.NumTraits; t++ {
		wealth.Set(t, r.sample(wr))
	}

	a, err := model.NewAgent(id, tapeID, role, currency, wealth)
	if err != nil {
		return nil, err
	}
	switch role {
	case model.RoleKnight:
		a.RetainerFee = r.sample(config.Range{Min: 20, Max: 30})
	case model.RoleKing:
		a.BribeThreshold = r.sample(config.Range{Min: 300, Max: 500})
	}
	return a, nil
}

// sample draws a uniform integer from the inclusive range.
func (r *Registry) sample(rng config.Range) int64 {
	if rng.Max <= rng.Min {
		return rng.Min
	}
	return rng.Min + r.rng.Int63n(rng.Max-rng.Min+1)
}

// roleSlots builds the role slot list: counts are the largest-remainder
// rounding of ratio*n, so each count is within one of round(ratio*n).
func roleSlots(n int, ratios map[string]float64) []model.Role {
	order := []model.Role{model.RoleKing, model.RoleKnight, model.RoleMercenary}

	type quota struct {
		role model.Role
		base int
		frac float64
	}
	quotas := make([]quota, 0, len(order))
	assigned := 0
	for _, role := range order {
		exact := ratios[role.String()] * float64(n)
		base := int(exact)
		quotas = append(quotas, quota{role: role, base: base, frac: exact - float64(base)})
		assigned += base
	}
	// Distribute the remainder to the largest fractional parts; ties go to
	// the earlier role in declaration order.
	sort.SliceStable(quotas, func(i, j int) bool { return quotas[i].frac > quotas[j].frac })
	for i := 0; assigned < n; i++ {
		quotas[i%len(quotas)].base++
		assigned++
	}

	counts := map[model.Role]int{}
	for _, q := range quotas {
		counts[q.role] = q.base
	}
	slots := make([]model.Role, 0, n)
	for _, role := range order {
		for i := 0; i < counts[role]; i++ {
			slots = append(slots, role)
		}
	}
	return slots
}

// AssignKnightEmployers pairs every knight with a king in a deterministic
// round-robin over sorted king ids. No-op when either role is empty.
func (r *Registry) AssignKnightEmployers() {
	kings := r.byRole[model.RoleKing]
	knights := r.byRole[model.RoleKnight]
	if len(kings) == 0 || len(knights) == 0 {
		return
	}
	for i, kid := range knights {
		r.agents[kid].Employer = kings[i%len(kings)]
	}
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (*model.Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, &model.UnknownAgentError{ID: id}
	}
	return a, nil
}

// Update validates and writes back an agent received by value.
func (r *Registry) Update(a model.Agent) error {
	cur, ok := r.agents[a.ID]
	if !ok {
		return &model.UnknownAgentError{ID: a.ID}
	}
	if a.Currency < 0 {
		return &model.InvalidModelError{Reason: fmt.Sprintf("agent %s: negative currency %d", a.ID, a.Currency)}
	}
	for t := model.Trait(0); t < model.NumTraits; t++ {
		if a.Wealth.Get(t) < 0 {
			return &model.InvalidModelError{Reason: fmt.Sprintf("agent %s: negative trait %s", a.ID, t)}
		}
	}
	*cur = a
	return nil
}

// IDsByRole returns the sorted agent ids holding the role. The returned
// slice is the index itself; callers must not mutate it.
func (r *Registry) IDsByRole(role model.Role) []string {
	return r.byRole[role]
}

// AgentsByRole returns the role's agents in sorted-id order.
func (r *Registry) AgentsByRole(role model.Role) []*model.Agent {
	ids := r.byRole[role]
	out := make([]*model.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// SortedIDs returns every agent id in lexicographic order.
func (r *Registry) SortedIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every agent in sorted-id order.
func (r *Registry) All() []*model.Agent {
	ids := r.SortedIDs()
	out := make([]*model.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of agents.
func (r *Registry) Len() int { return len(r.agents) }

// MutateRoles reassigns each agent's role with the configured mutation
// probability, resetting role-specific fields and re-prefixing the id.
// Disabled (a no-op) at the default mutation_rate of 0. Emits no events;
// the caller logs. Returns the ids that changed role.
func (r *Registry) MutateRoles(tick uint64) []string {
	rate := r.cfg.Roles.MutationRate
	if rate <= 0 {
		return nil
	}

	var mutated []string
	for _, id := range r.SortedIDs() {
		if r.rng.Float64() >= rate {
			continue
		}
		a := r.agents[id]
		newRole := model.Role(r.rng.Int63n(model.NumRoles))
		if newRole == a.Role {
			continue
		}
		r.rekey(a, newRole)
		mutated = append(mutated, a.ID)
	}
	if len(mutated) > 0 {
		r.rebuildRoleIndex()
	}
	return mutated
}

// rekey moves an agent to a new role, resetting role-specific fields and
// assigning a fresh id under the new prefix so the prefix always matches.
func (r *Registry) rekey(a *model.Agent, newRole model.Role) {
	delete(r.agents, a.ID)

	a.Role = newRole
	a.Employer = ""
	a.RetainerFee = 0
	a.BribeThreshold = 0
	switch newRole {
	case model.RoleKnight:
		a.RetainerFee = r.sample(config.Range{Min: 20, Max: 30})
	case model.RoleKing:
		a.BribeThreshold = r.sample(config.Range{Min: 300, Max: 500})
	}

	// First free number under the new prefix.
	n := 1
	for {
		id := fmt.Sprintf("%s-%02d", newRole.Prefix(), n)
		if _, taken := r.agents[id]; !taken {
			a.ID = id
			break
		}
		n++
	}
	r.agents[a.ID] = a
	r.byTape[a.TapeID] = a.ID

	// Knights that pointed at a rekeyed or demoted king lose their employer.
	for _, other := range r.agents {
		if other.Employer != "" {
			if _, ok := r.agents[other.Employer]; !ok {
				other.Employer = ""
			}
		}
	}
}

func (r *Registry) rebuildRoleIndex() {
	r.byRole = make(map[model.Role][]string)
	for id, a := range r.agents {
		r.byRole[a.Role] = append(r.byRole[a.Role], id)
	}
	for role := range r.byRole {
		sort.Strings(r.byRole[role])
	}
}
