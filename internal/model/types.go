// Package model provides the agent data model, events, and tick results.
package model

import (
	"fmt"
	"sort"
)

// Role is an agent's economic role, fixed at assignment (unless role
// mutation is enabled).
type Role uint8

const (
	RoleKing Role = iota
	RoleKnight
	RoleMercenary
)

// NumRoles is the total number of roles.
const NumRoles = 3

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleKing:
		return "king"
	case RoleKnight:
		return "knight"
	case RoleMercenary:
		return "mercenary"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Prefix returns the agent id prefix for the role.
func (r Role) Prefix() string {
	switch r {
	case RoleKing:
		return "K"
	case RoleKnight:
		return "N"
	default:
		return "M"
	}
}

// EventKind identifies one of the closed set of economic actions.
type EventKind string

const (
	EventTraitDrip              EventKind = "trait_drip"
	EventTrade                  EventKind = "trade"
	EventRetainer               EventKind = "retainer"
	EventBribeAccept            EventKind = "bribe_accept"
	EventBribeInsufficientFunds EventKind = "bribe_insufficient_funds"
	EventDefendWin              EventKind = "defend_win"
	EventDefendLoss             EventKind = "defend_loss"
	EventUnopposedRaid          EventKind = "unopposed_raid"
)

// Trait indexes one of the seven wealth traits.
type Trait uint8

const (
	TraitCompute Trait = iota
	TraitCopy
	TraitDefend
	TraitRaid
	TraitTrade
	TraitSense
	TraitAdapt
)

// NumTraits is the total number of wealth traits.
const NumTraits = 7

// TraitNames lists trait names in canonical order.
var TraitNames = [NumTraits]string{"compute", "copy", "defend", "raid", "trade", "sense", "adapt"}

// String returns the trait name.
func (t Trait) String() string {
	if int(t) < NumTraits {
		return TraitNames[t]
	}
	return fmt.Sprintf("trait(%d)", uint8(t))
}

// WealthTraits holds the seven non-negative wealth traits.
// Inline in Agent — fixed-size value type, zero heap allocation.
type WealthTraits struct {
	Compute int64 `json:"compute" db:"compute"`
	Copy    int64 `json:"copy" db:"copy"`
	Defend  int64 `json:"defend" db:"defend"`
	Raid    int64 `json:"raid" db:"raid"`
	Trade   int64 `json:"trade" db:"trade"`
	Sense   int64 `json:"sense" db:"sense"`
	Adapt   int64 `json:"adapt" db:"adapt"`
}

// Total returns the sum of all seven traits.
func (w WealthTraits) Total() int64 {
	return w.Compute + w.Copy + w.Defend + w.Raid + w.Trade + w.Sense + w.Adapt
}

// Get returns a trait value by index.
func (w WealthTraits) Get(t Trait) int64 {
	switch t {
	case TraitCompute:
		return w.Compute
	case TraitCopy:
		return w.Copy
	case TraitDefend:
		return w.Defend
	case TraitRaid:
		return w.Raid
	case TraitTrade:
		return w.Trade
	case TraitSense:
		return w.Sense
	default:
		return w.Adapt
	}
}

// Set assigns a trait value by index.
func (w *WealthTraits) Set(t Trait, v int64) {
	switch t {
	case TraitCompute:
		w.Compute = v
	case TraitCopy:
		w.Copy = v
	case TraitDefend:
		w.Defend = v
	case TraitRaid:
		w.Raid = v
	case TraitTrade:
		w.Trade = v
	case TraitSense:
		w.Sense = v
	default:
		w.Adapt = v
	}
}

// Add adds delta to a trait, saturating at zero.
func (w *WealthTraits) Add(t Trait, delta int64) {
	v := w.Get(t) + delta
	if v < 0 {
		v = 0
	}
	w.Set(t, v)
}

// Scale multiplies every trait by factor, flooring each result.
// Negative factors clamp to zero.
func (w *WealthTraits) Scale(factor float64) {
	if factor < 0 {
		factor = 0
	}
	for t := Trait(0); t < NumTraits; t++ {
		w.Set(t, int64(float64(w.Get(t))*factor))
	}
}

// Agent is a persistent economic actor bound 1:1 to a BFF tape.
type Agent struct {
	ID     string `json:"id"`
	TapeID uint64 `json:"tape_id"`
	Role   Role   `json:"role"`

	Currency int64        `json:"currency"`
	Wealth   WealthTraits `json:"wealth"`

	// Employer is the id of the Knight's employing King, empty when free.
	Employer string `json:"employer,omitempty"`

	RetainerFee    int64 `json:"retainer_fee"`    // Knights only, 0 otherwise
	BribeThreshold int64 `json:"bribe_threshold"` // Kings only, 0 otherwise

	Alive bool `json:"alive"`
}

// NewAgent constructs a validated agent. Negative currency or traits fail
// with InvalidModelError.
func NewAgent(id string, tapeID uint64, role Role, currency int64, wealth WealthTraits) (*Agent, error) {
	if currency < 0 {
		return nil, &InvalidModelError{Reason: fmt.Sprintf("agent %s: negative currency %d", id, currency)}
	}
	for t := Trait(0); t < NumTraits; t++ {
		if wealth.Get(t) < 0 {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("agent %s: negative trait %s", id, t)}
		}
	}
	return &Agent{
		ID:       id,
		TapeID:   tapeID,
		Role:     role,
		Currency: currency,
		Wealth:   wealth,
		Alive:    true,
	}, nil
}

// AddCurrency applies a currency delta. A result below zero saturates at
// zero, whatever the size of the overdraft; no error is reported, so callers
// compute the exact delta that fits.
func (a *Agent) AddCurrency(delta int64) {
	a.Currency += delta
	if a.Currency < 0 {
		a.Currency = 0
	}
}

// Event is an immutable record of one action in a tick.
type Event struct {
	Tick    uint64    `json:"tick" db:"tick"`
	Kind    EventKind `json:"kind" db:"kind"`
	King    string    `json:"king,omitempty" db:"king"`
	Knight  string    `json:"knight,omitempty" db:"knight"`
	Merc    string    `json:"merc,omitempty" db:"merc"`
	Amount  int64     `json:"amount,omitempty" db:"amount"`
	Stake   int64     `json:"stake,omitempty" db:"stake"`
	PKnight float64   `json:"p_knight,omitempty" db:"p_knight"`
	Notes   string    `json:"notes,omitempty" db:"notes"`
}

// TickMetrics holds the scalar counters produced each tick.
type TickMetrics struct {
	Entropy          float64 `json:"entropy" db:"entropy"`
	CompressionRatio float64 `json:"compression_ratio" db:"compression_ratio"`
	CopyScoreMean    float64 `json:"copy_score_mean" db:"copy_score_mean"`
	WealthTotal      int64   `json:"wealth_total" db:"wealth_total"`
	CurrencyTotal    int64   `json:"currency_total" db:"currency_total"`
	BribesPaid       int64   `json:"bribes_paid" db:"bribes_paid"`
	BribesAccepted   int64   `json:"bribes_accepted" db:"bribes_accepted"`
	RaidsAttempted   int64   `json:"raids_attempted" db:"raids_attempted"`
	RaidsWonByMerc   int64   `json:"raids_won_by_merc" db:"raids_won_by_merc"`
	RaidsWonByKnight int64   `json:"raids_won_by_knight" db:"raids_won_by_knight"`
}

// AgentSnapshot is an immutable copy of an agent at end of tick.
type AgentSnapshot struct {
	ID             string       `json:"id"`
	Role           Role         `json:"role"`
	Currency       int64        `json:"currency"`
	WealthTotal    int64        `json:"wealth_total"`
	Wealth         WealthTraits `json:"wealth"`
	Employer       string       `json:"employer,omitempty"`
	RetainerFee    int64        `json:"retainer_fee"`
	BribeThreshold int64        `json:"bribe_threshold"`
	Alive          bool         `json:"alive"`
}

// Snapshot copies an agent into an immutable snapshot.
func Snapshot(a *Agent) AgentSnapshot {
	return AgentSnapshot{
		ID:             a.ID,
		Role:           a.Role,
		Currency:       a.Currency,
		WealthTotal:    a.Wealth.Total(),
		Wealth:         a.Wealth,
		Employer:       a.Employer,
		RetainerFee:    a.RetainerFee,
		BribeThreshold: a.BribeThreshold,
		Alive:          a.Alive,
	}
}

// TickResult is the complete output of one processed tick.
type TickResult struct {
	Tick      uint64          `json:"tick"`
	Events    []Event         `json:"events"`
	Metrics   TickMetrics     `json:"metrics"`
	Snapshots []AgentSnapshot `json:"snapshots"`
}

// TapeLen is the fixed BFF program length in bytes.
const TapeLen = 64

// Tape is one 64-byte self-replicating program from the soup.
type Tape [TapeLen]byte

// EpochData is one soup snapshot delivered by a trace adapter.
// The engine reads from it but never mutates it.
type EpochData struct {
	EpochNum     uint64             `json:"epoch_num"`
	Tapes        map[uint64]Tape    `json:"tapes"`
	Interactions [][2]uint64        `json:"interactions"`
	Metrics      map[string]float64 `json:"metrics"`
}

// SortedTapeIDs returns the epoch's tape ids in ascending order.
func (e *EpochData) SortedTapeIDs() []uint64 {
	ids := make([]uint64, 0, len(e.Tapes))
	for id := range e.Tapes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
