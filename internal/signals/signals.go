// Package signals routes emitted events onto five channels with per-channel
// refractory windows. Events arriving while a channel is refractory queue in
// FIFO order and drain when the window expires.
package signals

import (
	"sort"

	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
)

// Channel is a logical grouping of event kinds sharing a refractory window.
type Channel uint8

const (
	ChannelRaid Channel = iota
	ChannelDefend
	ChannelBribe
	ChannelTrade
	ChannelRetainer
)

// NumChannels is the number of channels.
const NumChannels = 5

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelRaid:
		return "raid"
	case ChannelDefend:
		return "defend"
	case ChannelBribe:
		return "bribe"
	case ChannelTrade:
		return "trade"
	default:
		return "retainer"
	}
}

// channelPriority orders signal emission: higher first.
var channelPriority = [NumChannels]int{
	ChannelRaid:     50,
	ChannelDefend:   40,
	ChannelBribe:    30,
	ChannelTrade:    20,
	ChannelRetainer: 10,
}

// ChannelFor maps an event kind to its channel. Trait drips share the
// trade channel (zero refractory by default).
func ChannelFor(kind model.EventKind) Channel {
	switch kind {
	case model.EventUnopposedRaid, model.EventDefendLoss:
		return ChannelRaid
	case model.EventDefendWin:
		return ChannelDefend
	case model.EventBribeAccept, model.EventBribeInsufficientFunds:
		return ChannelBribe
	case model.EventRetainer:
		return ChannelRetainer
	default: // trade, trait_drip
		return ChannelTrade
	}
}

// Signal is one emitted event with its channel and priority.
type Signal struct {
	Channel  Channel
	Priority int
	Event    model.Event
	seq      int
}

// Coalescer merges or reorders a channel's queued events before draining.
// The default is FIFO pass-through.
type Coalescer interface {
	Coalesce(ch Channel, queued []model.Event) []model.Event
}

type fifoCoalescer struct{}

func (fifoCoalescer) Coalesce(_ Channel, queued []model.Event) []model.Event { return queued }

// Router holds per-channel refractory state and queues.
type Router struct {
	windows         [NumChannels]uint64
	refractoryUntil [NumChannels]uint64 // exclusive upper bound; active when tick >= until
	queued          [NumChannels][]model.Event
	coalescer       Coalescer
	seq             int
}

// NewRouter builds a router from the configured refractory windows.
func NewRouter(cfg config.Refractory) *Router {
	r := &Router{coalescer: fifoCoalescer{}}
	r.windows[ChannelRaid] = cfg.Raid
	r.windows[ChannelDefend] = cfg.Defend
	r.windows[ChannelBribe] = cfg.Bribe
	r.windows[ChannelTrade] = cfg.Trade
	r.windows[ChannelRetainer] = cfg.Retainer
	return r
}

// SetCoalescer replaces the queue-drain policy. The interface is stable;
// the default stays FIFO.
func (r *Router) SetCoalescer(c Coalescer) {
	if c != nil {
		r.coalescer = c
	}
}

// ProcessEvents routes events at the given tick. Active channels emit a
// signal and enter refractory; refractory channels queue the event. Signals
// return sorted by priority descending, ties in insertion order.
func (r *Router) ProcessEvents(tick uint64, events []model.Event) []Signal {
	signals := r.route(tick, events)
	sortSignals(signals)
	return signals
}

func (r *Router) route(tick uint64, events []model.Event) []Signal {
	var signals []Signal
	for _, e := range events {
		ch := ChannelFor(e.Kind)
		if tick >= r.refractoryUntil[ch] {
			r.seq++
			signals = append(signals, Signal{
				Channel:  ch,
				Priority: channelPriority[ch],
				Event:    e,
				seq:      r.seq,
			})
			r.refractoryUntil[ch] = tick + r.windows[ch]
		} else {
			r.queued[ch] = append(r.queued[ch], e)
		}
	}
	return signals
}

// UpdateRefractory drains every channel whose refractory expired at the
// given tick, re-routing its queued events in FIFO order. Draining can
// re-trigger refractory; events that do not fit stay queued.
func (r *Router) UpdateRefractory(tick uint64) []Signal {
	var signals []Signal
	for ch := Channel(0); ch < NumChannels; ch++ {
		if tick < r.refractoryUntil[ch] || len(r.queued[ch]) == 0 {
			continue
		}
		pending := r.coalescer.Coalesce(ch, r.queued[ch])
		r.queued[ch] = nil
		signals = append(signals, r.route(tick, pending)...)
	}
	sortSignals(signals)
	return signals
}

// QueuedLen returns the number of events queued on a channel.
func (r *Router) QueuedLen(ch Channel) int { return len(r.queued[ch]) }

func sortSignals(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Priority != signals[j].Priority {
			return signals[i].Priority > signals[j].Priority
		}
		return signals[i].seq < signals[j].seq
	})
}
