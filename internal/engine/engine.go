// Package engine orchestrates the per-tick simulation: trait drip, trades,
// retainers, and mercenary interactions, in fixed phase order.
package engine

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"github.com/talgya/minc/internal/aggregate"
	"github.com/talgya/minc/internal/cache"
	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
	"github.com/talgya/minc/internal/policy"
	"github.com/talgya/minc/internal/registry"
	"github.com/talgya/minc/internal/signals"
)

// RunMeta is the once-per-run metadata handed to sinks.
type RunMeta struct {
	RunID      string `json:"run_id" db:"run_id"`
	Version    string `json:"version" db:"version"`
	Seed       uint64 `json:"seed" db:"seed"`
	ConfigHash string `json:"config_hash" db:"config_hash"`
	StartedAt  string `json:"started_at" db:"started_at"` // caller-supplied timestamp
}

// Engine is the deterministic tick engine. One engine is owned by one
// goroutine at a time; independent engines share no mutable state.
type Engine struct {
	cfg      *config.Config
	rng      *rand.Rand
	registry *registry.Registry
	cache    *cache.Cache
	router   *signals.Router
	policies *policy.CompiledPolicies
	agg      *aggregate.Aggregator

	runID       string
	initialized bool

	// Compute closures for witness-sampled cache keys, kept so witnesses
	// can be revalidated by recomputation.
	witnessCompute map[string]func() any
}

// New builds an engine from a finalized config and a seed. The seed drives
// the single PRNG; after initialization only role mutation (enabled by a
// non-zero mutation_rate) draws from it.
func New(cfg *config.Config, seed uint64) (*Engine, error) {
	if cfg.Hash() == "" {
		return nil, fmt.Errorf("config not finalized (no content hash)")
	}
	policies, err := policy.CompileAll(cfg)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	return &Engine{
		cfg:            cfg,
		rng:            rng,
		registry:       registry.New(cfg, rng),
		cache:          cache.New(cfg.Cache.Enabled, cfg.Cache.MaxSize, cfg.Cache.WitnessSampleRate),
		router:         signals.NewRouter(cfg.Refractory),
		policies:       policies,
		agg:            aggregate.New(),
		runID:          uuid.NewString(),
		witnessCompute: make(map[string]func() any),
	}, nil
}

// RunID returns the unique id of this run.
func (e *Engine) RunID() string { return e.runID }

// Meta returns run metadata. The caller supplies the start timestamp so the
// engine itself stays clock-free.
func (e *Engine) Meta(startedAt string) RunMeta {
	return RunMeta{
		RunID:      e.runID,
		Version:    e.cfg.Version,
		Seed:       e.cfg.Seed,
		ConfigHash: e.cfg.Hash(),
		StartedAt:  startedAt,
	}
}

// Initialize binds the first epoch's tape ids to agents: role assignment
// and knight employer binding.
func (e *Engine) Initialize(first *model.EpochData) error {
	if e.initialized {
		return fmt.Errorf("engine already initialized")
	}
	if err := e.registry.AssignRoles(first.SortedTapeIDs()); err != nil {
		return err
	}
	e.registry.AssignKnightEmployers()
	e.initialized = true

	slog.Info("engine initialized",
		"run_id", e.runID,
		"agents", e.registry.Len(),
		"kings", len(e.registry.IDsByRole(model.RoleKing)),
		"knights", len(e.registry.IDsByRole(model.RoleKnight)),
		"mercenaries", len(e.registry.IDsByRole(model.RoleMercenary)),
		"config_hash", e.cfg.Hash(),
	)
	return nil
}

// Finalize returns the final state of every agent in sorted-id order.
func (e *Engine) Finalize() []model.AgentSnapshot {
	agents := e.registry.All()
	out := make([]model.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, model.Snapshot(a))
	}
	return out
}

// Registry exposes read access to the agent set for drivers and tests.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// CacheStats returns the memo counters.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// ValidateWitnesses recomputes every witnessed cache entry and returns the
// mismatch count. Mismatches are logged, not fatal.
func (e *Engine) ValidateWitnesses() int {
	mismatches := e.cache.ValidateWitnesses(func(key string) any {
		f, ok := e.witnessCompute[key]
		if !ok {
			return nil
		}
		return f()
	})
	if mismatches > 0 {
		slog.Error("cache witness validation failed", "mismatches", mismatches)
	}
	return mismatches
}

// memoize runs f through the cache, registering the closure for witness
// revalidation when the key is sampled.
func (e *Engine) memoize(key string, f func() any) any {
	if e.cache.WouldSample(key) {
		e.witnessCompute[key] = f
	}
	return e.cache.GetOrCompute(key, f)
}

// checkInvariants verifies I1 (non-negativity) for every agent. Any failure
// is a logic bug that aborts the tick.
func (e *Engine) checkInvariants(tick uint64) error {
	for _, a := range e.registry.All() {
		if a.Currency < 0 {
			return &model.InvariantViolationError{Which: "non-negative currency", Tick: tick, AgentID: a.ID}
		}
		for t := model.Trait(0); t < model.NumTraits; t++ {
			if a.Wealth.Get(t) < 0 {
				return &model.InvariantViolationError{Which: "non-negative wealth." + t.String(), Tick: tick, AgentID: a.ID}
			}
		}
	}
	return nil
}
