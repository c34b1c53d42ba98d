package cache

import (
	"fmt"
	"testing"

	"github.com/talgya/minc/internal/model"
)

func cacheAgent(t *testing.T, id string, role model.Role, currency int64, wealth model.WealthTraits) *model.Agent {
	t.Helper()
	a, err := model.NewAgent(id, 0, role, currency, wealth)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestKeyPermutationInvariant(t *testing.T) {
	a := cacheAgent(t, "K-01", model.RoleKing, 5000, model.WealthTraits{Defend: 20})
	b := cacheAgent(t, "M-07", model.RoleMercenary, 40, model.WealthTraits{Raid: 11})
	c := cacheAgent(t, "N-03", model.RoleKnight, 150, model.WealthTraits{Sense: 4})

	base := Key([]*model.Agent{a, b, c}, "cfg0123456789abc")
	perms := [][]*model.Agent{
		{a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for i, p := range perms {
		if got := Key(p, "cfg0123456789abc"); got != base {
			t.Errorf("permutation %d changed key: %s vs %s", i, got, base)
		}
	}
	if len(base) != 16 {
		t.Errorf("key %q, want 16 hex chars", base)
	}
}

func TestKeySensitivity(t *testing.T) {
	a := cacheAgent(t, "K-01", model.RoleKing, 5000, model.WealthTraits{Defend: 20})
	base := Key([]*model.Agent{a}, "cfgA")

	changed := cacheAgent(t, "K-01", model.RoleKing, 5001, model.WealthTraits{Defend: 20})
	if Key([]*model.Agent{changed}, "cfgA") == base {
		t.Error("currency change did not change key")
	}
	if Key([]*model.Agent{a}, "cfgB") == base {
		t.Error("config hash change did not change key")
	}
}

func TestGetOrComputeHitsAndMisses(t *testing.T) {
	c := New(true, 10, 0)
	calls := 0
	f := func() any { calls++; return 42 }

	if v := c.GetOrCompute("k1", f); v != 42 {
		t.Fatalf("miss value = %v", v)
	}
	if v := c.GetOrCompute("k1", f); v != 42 {
		t.Fatalf("hit value = %v", v)
	}
	if calls != 1 {
		t.Errorf("compute ran %d times, want 1", calls)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(true, 2, 0)
	c.GetOrCompute("a", func() any { return 1 })
	c.GetOrCompute("b", func() any { return 2 })
	c.GetOrCompute("a", func() any { return 0 }) // touch a -> b becomes LRU
	c.GetOrCompute("c", func() any { return 3 }) // evicts b

	calls := 0
	c.GetOrCompute("a", func() any { calls++; return -1 })
	if calls != 0 {
		t.Error("a was evicted despite recent use")
	}
	c.GetOrCompute("b", func() any { calls++; return -2 })
	if calls != 1 {
		t.Error("b survived eviction")
	}
	if got := c.Stats().Evictions; got < 1 {
		t.Errorf("evictions = %d, want >= 1", got)
	}
}

func TestDisabledCacheComputesAlways(t *testing.T) {
	c := New(false, 10, 1)
	calls := 0
	c.GetOrCompute("k", func() any { calls++; return 1 })
	c.GetOrCompute("k", func() any { calls++; return 1 })
	if calls != 2 {
		t.Errorf("disabled cache computed %d times, want 2", calls)
	}
	if c.Stats().Size != 0 {
		t.Error("disabled cache stored entries")
	}
}

func TestWitnessSamplingDeterministic(t *testing.T) {
	for _, key := range []string{"k1", "k2", "zzz", "0f3a"} {
		first := sampled(key, 0.3)
		for i := 0; i < 5; i++ {
			if sampled(key, 0.3) != first {
				t.Fatalf("sampling for %q not stable", key)
			}
		}
	}
	if sampled("anything", 0) {
		t.Error("rate 0 sampled")
	}
	if !sampled("anything", 1) {
		t.Error("rate 1 did not sample")
	}
}

func TestValidateWitnesses(t *testing.T) {
	c := New(true, 100, 1) // sample everything
	values := map[string]any{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		v := i * i
		values[key] = v
		c.GetOrCompute(key, func() any { return v })
	}

	if got := c.ValidateWitnesses(func(key string) any { return values[key] }); got != 0 {
		t.Errorf("mismatches = %d on faithful recompute", got)
	}
	if got := c.ValidateWitnesses(func(key string) any { return -1 }); got != 20 {
		t.Errorf("mismatches = %d on corrupted recompute, want 20", got)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(true, 10, 1)
	c.GetOrCompute("k", func() any { return 1 })
	c.Invalidate("config changed")

	if s := c.Stats(); s.Size != 0 || s.Invalidations != 1 || s.Witnesses != 0 {
		t.Errorf("stats after invalidate = %+v", s)
	}
	if c.InvalidationsFor("config changed") != 1 {
		t.Error("reason counter not recorded")
	}

	calls := 0
	c.GetOrCompute("k", func() any { calls++; return 1 })
	if calls != 1 {
		t.Error("entry survived invalidation")
	}
}
