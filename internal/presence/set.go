package presence

import (
	"encoding/json"
	"sort"

	"github.com/claraverse/pulse/internal/transport"
)

// Set is an immutable set of online user ids. The zero value is empty.
type Set struct {
	ids map[string]struct{}
}

// NewSet builds a set; empty ids are skipped
func NewSet(ids ...string) Set {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return Set{ids: m}
}

// Has reports membership
func (s Set) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len is the number of members
func (s Set) Len() int {
	return len(s.ids)
}

// Equal compares by membership
func (s Set) Equal(o Set) bool {
	if len(s.ids) != len(o.ids) {
		return false
	}
	for id := range s.ids {
		if _, ok := o.ids[id]; !ok {
			return false
		}
	}
	return true
}

// IDs returns the members sorted
func (s Set) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s Set) with(id string) Set {
	if s.Has(id) {
		return s
	}
	next := make(map[string]struct{}, len(s.ids)+1)
	for k := range s.ids {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return Set{ids: next}
}

func (s Set) without(id string) Set {
	if !s.Has(id) {
		return s
	}
	next := make(map[string]struct{}, len(s.ids))
	for k := range s.ids {
		if k != id {
			next[k] = struct{}{}
		}
	}
	return Set{ids: next}
}

// replace is the authoritative merge used for poll results and pushed
// online_users lists: the new set wins outright, nothing is unioned.
func replace(_ Set, next Set) Set {
	return next
}

// applyDelta applies a user_online / user_offline push event between polls
func applyDelta(current Set, ev transport.Event) Set {
	switch ev.Type {
	case transport.EventUserOnline:
		return current.with(ev.UserID)
	case transport.EventUserOffline:
		return current.without(ev.UserID)
	}
	return current
}
