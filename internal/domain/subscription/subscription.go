// Package subscription implements the live-update fanout registry: a client
// subscribes one leaf path + attribute per subscription id, and every
// committed write to that leaf is pushed to the owning channel, diffed
// against the last value delivered so an unchanged write doesn't generate a
// redundant notification.
package subscription

import (
	"reflect"
	"sync"
	"time"

	"github.com/vsstree/server/internal/domain/channel"
	"github.com/vsstree/server/internal/domain/vsspath"
)

// Filter is an optional advisory predicate evaluated before delivery; a
// subscription with a filter that returns false for a given value is skipped
// for that notification. Filter failures (err != nil) never block delivery:
// filters are advisory, not a second access-control layer.
type Filter func(path vsspath.Path, value any) (bool, error)

// Subscription is one client's live interest in a single leaf path +
// attribute, identified by the UUID handed back from subscribe.
type Subscription struct {
	ID        string
	ChannelID string
	Attr      string
	Path      vsspath.Path
	Filter    Filter
	send      func([]byte) error

	mu       sync.Mutex
	lastSet  bool
	lastSnap any
}

func leafKey(p vsspath.Path, attr string) string {
	return attr + "|" + p.String()
}

// Registry tracks live subscriptions and their reverse index from a leaf
// path to every subscription watching it.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*Subscription
	byLeaf  map[string][]*Subscription
	encoder func(path vsspath.Path, attr string, value any, ts time.Time, subID string) ([]byte, error)
}

// NewRegistry returns an empty Registry. encoder serializes a notification
// envelope for delivery on a channel's Send; it is supplied by the caller so
// this package stays free of any opinion about wire format.
func NewRegistry(encoder func(path vsspath.Path, attr string, value any, ts time.Time, subID string) ([]byte, error)) *Registry {
	return &Registry{
		byID:    make(map[string]*Subscription),
		byLeaf:  make(map[string][]*Subscription),
		encoder: encoder,
	}
}

// Subscribe registers a new subscription over leafPath (a single, already
// resolved non-wildcard leaf path) and returns it.
func (r *Registry) Subscribe(id string, ch *channel.Channel, leafPath vsspath.Path, attr string, filter Filter) *Subscription {
	sub := &Subscription{
		ID:        id,
		ChannelID: ch.ID,
		Attr:      attr,
		Path:      leafPath,
		Filter:    filter,
		send:      ch.Send,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = sub
	key := leafKey(leafPath, attr)
	r.byLeaf[key] = append(r.byLeaf[key], sub)
	return sub
}

// Unsubscribe removes a subscription, reporting whether id was live.
// Idempotent: removing an unknown or already-removed ID is not an error.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	key := leafKey(sub.Path, sub.Attr)
	r.removeFromLeafLocked(key, sub)
	return true
}

// CloseChannel removes every subscription owned by channelID, cascading the
// way a dropped transport connection tears down its live subscriptions.
func (r *Registry) CloseChannel(channelID string) {
	r.mu.Lock()
	var toRemove []string
	for id, sub := range r.byID {
		if sub.ChannelID == channelID {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.Unlock()
	for _, id := range toRemove {
		r.Unsubscribe(id)
	}
}

func (r *Registry) removeFromLeafLocked(key string, sub *Subscription) {
	subs := r.byLeaf[key]
	for i, s := range subs {
		if s == sub {
			r.byLeaf[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.byLeaf[key]) == 0 {
		delete(r.byLeaf, key)
	}
}

// NotifyCommit is invoked by the tree store while holding its write lock,
// so fanout is synchronous with the commit, for one concrete leaf write.
// Delivery to each subscriber is a direct call to its channel's Send
// function: the registry keeps no outbound queue and drops nothing, so the
// writer that triggered the commit waits for as long as each Send takes.
func (r *Registry) NotifyCommit(path vsspath.Path, attr string, value any, ts time.Time) {
	r.mu.Lock()
	subs := append([]*Subscription{}, r.byLeaf[leafKey(path, attr)]...)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(r.encoder, path, attr, value, ts)
	}
}

func (sub *Subscription) deliver(encoder func(vsspath.Path, string, any, time.Time, string) ([]byte, error), path vsspath.Path, attr string, value any, ts time.Time) {
	sub.mu.Lock()
	if sub.lastSet && reflect.DeepEqual(sub.lastSnap, value) {
		sub.mu.Unlock()
		return
	}
	sub.lastSet = true
	sub.lastSnap = value
	sub.mu.Unlock()

	if sub.Filter != nil {
		if ok, err := sub.Filter(path, value); err == nil && !ok {
			return
		}
	}

	if encoder == nil || sub.send == nil {
		return
	}
	payload, err := encoder(path, attr, value, ts, sub.ID)
	if err != nil {
		return
	}
	_ = sub.send(payload)
}
