package mta

import (
	"fmt"
	"sort"
)

// Registry resolves identity groups referenced by queued messages.
type Registry struct {
	groups       map[int]*Group
	defaultGroup int
}

// NewRegistry builds a registry. Messages that reference an unknown group
// (or group 0) use defaultGroup.
func NewRegistry(groups []*Group, defaultGroup int) (*Registry, error) {
	r := &Registry{groups: make(map[int]*Group, len(groups)), defaultGroup: defaultGroup}
	for _, g := range groups {
		if _, dup := r.groups[g.ID]; dup {
			return nil, fmt.Errorf("duplicate identity group %d", g.ID)
		}
		if len(g.Identities) == 0 {
			return nil, fmt.Errorf("identity group %d (%s) has no identities", g.ID, g.Name)
		}
		r.groups[g.ID] = g
	}
	if _, ok := r.groups[defaultGroup]; !ok && len(groups) > 0 {
		return nil, fmt.Errorf("default identity group %d is not defined", defaultGroup)
	}
	return r, nil
}

// Pick returns the next identity of the message's group.
func (r *Registry) Pick(groupID int) (Identity, bool) {
	g, ok := r.groups[groupID]
	if !ok {
		g, ok = r.groups[r.defaultGroup]
		if !ok {
			return Identity{}, false
		}
	}
	return g.Next()
}

// Identities returns every distinct identity, ordered by id.
func (r *Registry) Identities() []Identity {
	seen := make(map[int]Identity)
	for _, g := range r.groups {
		for _, id := range g.Identities {
			seen[id.ID] = id
		}
	}
	out := make([]Identity, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Identity looks up an identity by id.
func (r *Registry) Identity(id int) (Identity, bool) {
	for _, g := range r.groups {
		for _, ident := range g.Identities {
			if ident.ID == id {
				return ident, true
			}
		}
	}
	return Identity{}, false
}
