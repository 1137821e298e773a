// Package subscription holds the versioned subscription model shared by the
// store, the transport and the reconciler.
package subscription

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// QueuePrefix namespaces every queue and exchange owned by the broker.
const QueuePrefix = "fanout"

// Subscription is the folded, current view of a named subscriber.
type Subscription struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	// Types is the sorted set of event types currently subscribed.
	Types []string `json:"types"`
	// DeletedTypes lists types that were subscribed by an earlier version and
	// are not part of Types. Used only to compute unbind operations.
	DeletedTypes []string `json:"-"`
	Endpoint     string   `json:"endpoint"`
	Active       bool     `json:"active"`
}

// Record is one stored version of a subscription.
type Record struct {
	ID        uuid.UUID
	Name      string
	Version   int
	Types     []string
	Endpoint  string
	Active    bool
	CreatedAt time.Time
}

// QueueName returns the durable queue that receives events for name.
func QueueName(name string) string {
	return QueuePrefix + ":" + name
}

// FailedQueueName returns the queue where exhausted events are parked.
func FailedQueueName(name string) string {
	return QueuePrefix + ":" + name + ":failed"
}

// QueueName returns the subscription's queue.
func (s Subscription) QueueName() string { return QueueName(s.Name) }

// FailedQueueName returns the subscription's parking queue.
func (s Subscription) FailedQueueName() string { return FailedQueueName(s.Name) }

// HasType reports whether eventType is in the current type set.
func (s Subscription) HasType(eventType string) bool {
	idx := sort.SearchStrings(s.Types, eventType)
	return idx < len(s.Types) && s.Types[idx] == eventType
}

// Fold builds the current subscription from its stored history. The latest
// version supplies endpoint and activity; DeletedTypes accumulates every type
// seen in an earlier version and absent from the latest. It reports false for
// an empty history.
func Fold(records []Record) (Subscription, bool) {
	if len(records) == 0 {
		return Subscription{}, false
	}
	ordered := append([]Record(nil), records...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	current := map[string]struct{}{}
	deleted := map[string]struct{}{}
	for _, rec := range ordered {
		for t := range current {
			deleted[t] = struct{}{}
		}
		current = make(map[string]struct{}, len(rec.Types))
		for _, t := range rec.Types {
			current[t] = struct{}{}
			delete(deleted, t)
		}
	}

	latest := ordered[len(ordered)-1]
	return Subscription{
		Name:         latest.Name,
		Version:      latest.Version,
		Types:        keys(current),
		DeletedTypes: keys(deleted),
		Endpoint:     latest.Endpoint,
		Active:       latest.Active,
	}, true
}

// NormalizeTypes returns a sorted copy of types with duplicates and empty
// strings removed.
func NormalizeTypes(types []string) []string {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return keys(set)
}

// SameTypes reports whether a and b hold the same set of types.
func SameTypes(a, b []string) bool {
	na, nb := NormalizeTypes(a), NormalizeTypes(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
