// Package mta holds the domain types shared by the outbound delivery packages.
package mta

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Identity is a sending network identity (virtual MTA): a source address
// connections are originated from, plus the name announced in EHLO.
type Identity struct {
	ID       int
	Address  net.IP
	Hostname string
}

// Key returns the identity's cache key component.
func (i Identity) Key() string {
	return strconv.Itoa(i.ID)
}

func (i Identity) String() string {
	if i.Address == nil {
		return i.Key()
	}
	return i.Key() + "/" + i.Address.String()
}

// MXRecord is a resolved destination mail exchanger.
type MXRecord struct {
	Host       string
	Preference int
}

// SortMX orders records by ascending preference, keeping the resolver order
// for equal preferences.
func SortMX(records []MXRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})
}

// NormalizeHost lowercases a host and strips a trailing root dot.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// Group is an outbound-identity group. Messages reference a group and each
// delivery attempt takes the next identity in round-robin order.
type Group struct {
	ID         int
	Name       string
	Identities []Identity

	next atomic.Uint64
}

// Next returns the next identity of the group. ok is false for an empty group.
func (g *Group) Next() (Identity, bool) {
	if len(g.Identities) == 0 {
		return Identity{}, false
	}
	n := g.next.Add(1) - 1
	return g.Identities[n%uint64(len(g.Identities))], true
}

// Domain returns the domain part of an address, lowercased.
func Domain(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	return NormalizeHost(address[at+1:])
}
