// Package events is the typed publish/subscribe bus (C9). Each event kind
// the engine emits gets its own Kind constant; handlers subscribe either to
// one kind or to everything, and run in their own goroutine so a slow
// subscriber (a WebSocket fan-out, a webhook) never blocks admission or
// lifecycle processing.
package events

import (
	"sync"
	"time"
)

// Kind identifies a shape of Event.Data.
type Kind string

const (
	KindCreated            Kind = "created"
	KindClosed             Kind = "closed"
	KindGated              Kind = "gated"
	KindPriceOverrideSet   Kind = "price_override_set"
	KindTrailingMoved      Kind = "trailing_moved"
	KindPartialTakeProfit  Kind = "partial_take_profit"
	KindConfigUpdated      Kind = "config_updated"
	KindLifecycleError     Kind = "lifecycle_error"
)

// Event is one published occurrence.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one event.
type Subscriber func(Event)

// Bus manages publish and subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Kind][]Subscriber)}
}

// Subscribe registers a handler for one kind.
func (b *Bus) Subscribe(kind Kind, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], sub)
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish notifies subscribers. Each handler runs in its own goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[ev.Kind] {
		go sub(ev)
	}
	for _, sub := range b.allSubs {
		go sub(ev)
	}
}

// PublishCreated emits a created event for an approved recommendation.
func (b *Bus) PublishCreated(id, symbol string, direction, entryPrice interface{}) {
	b.Publish(Event{Kind: KindCreated, Data: map[string]interface{}{
		"id": id, "symbol": symbol, "direction": direction, "entry_price": entryPrice,
	}})
}

// PublishClosed emits a closed event for a recommendation that reached a
// terminal status.
func (b *Bus) PublishClosed(id, reason string, pnlPercent, pnlAmount float64) {
	b.Publish(Event{Kind: KindClosed, Data: map[string]interface{}{
		"id": id, "reason": reason, "pnl_percent": pnlPercent, "pnl_amount": pnlAmount,
	}})
}

// PublishGated emits a gate rejection, keyed by chain id and stage.
func (b *Bus) PublishGated(chainID, stage, reason string, details map[string]interface{}) {
	data := map[string]interface{}{"chain_id": chainID, "stage": stage, "reason": reason}
	for k, v := range details {
		data[k] = v
	}
	b.Publish(Event{Kind: KindGated, Data: data})
}

// PublishPriceOverrideSet emits a test-time price override installation.
func (b *Bus) PublishPriceOverrideSet(symbol string, price float64, expires time.Time) {
	b.Publish(Event{Kind: KindPriceOverrideSet, Data: map[string]interface{}{
		"symbol": symbol, "price": price, "expires": expires,
	}})
}

// PublishTrailingMoved emits a trailing-stop adjustment.
func (b *Bus) PublishTrailingMoved(id string, newStop float64) {
	b.Publish(Event{Kind: KindTrailingMoved, Data: map[string]interface{}{
		"id": id, "new_stop": newStop,
	}})
}

// PublishPartialTakeProfit emits a TP1/TP2/TP3 reduction event.
func (b *Bus) PublishPartialTakeProfit(id string, level int, reductionRatio float64) {
	b.Publish(Event{Kind: KindPartialTakeProfit, Data: map[string]interface{}{
		"id": id, "level": level, "reduction_ratio": reductionRatio,
	}})
}

// PublishConfigUpdated emits a RuntimeConfig hot-swap.
func (b *Bus) PublishConfigUpdated() {
	b.Publish(Event{Kind: KindConfigUpdated, Data: map[string]interface{}{}})
}

// PublishLifecycleError emits a tick-level failure (stale price, store
// write failure) that the lifecycle tracker recovered from without
// surfacing an error to its caller.
func (b *Bus) PublishLifecycleError(id, message string, err error) {
	data := map[string]interface{}{"id": id, "message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Kind: KindLifecycleError, Data: data})
}

// ----------------------------------------------------------------------
// Broadcast callbacks: let a package push to WebSocket clients without
// importing the api package, avoiding an import cycle. Nothing in the
// engine calls SetBroadcastStream; the api package's WebSocket hub gets
// its events through Bus.SubscribeAll, so BroadcastStream is a no-op.
// ----------------------------------------------------------------------

// BroadcastFunc pushes data to every client subscribed to the stream.
type BroadcastFunc func(data interface{})

var broadcastStream BroadcastFunc

// SetBroadcastStream installs the callback that BroadcastStream invokes.
func SetBroadcastStream(fn BroadcastFunc) {
	broadcastStream = fn
}

// BroadcastStream pushes data to the websocket layer, if one is attached.
func BroadcastStream(data interface{}) {
	if broadcastStream != nil {
		go broadcastStream(data)
	}
}
