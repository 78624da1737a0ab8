package mta

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortMX(t *testing.T) {
	records := []MXRecord{
		{Host: "mx3.example.com", Preference: 30},
		{Host: "mx1.example.com", Preference: 10},
		{Host: "mx1b.example.com", Preference: 10},
		{Host: "mx2.example.com", Preference: 20},
	}
	SortMX(records)

	assert.Equal(t, "mx1.example.com", records[0].Host)
	assert.Equal(t, "mx1b.example.com", records[1].Host)
	assert.Equal(t, "mx2.example.com", records[2].Host)
	assert.Equal(t, "mx3.example.com", records[3].Host)
}

func TestGroupNext(t *testing.T) {
	g := &Group{ID: 1, Identities: []Identity{
		{ID: 1, Address: net.ParseIP("192.0.2.1")},
		{ID: 2, Address: net.ParseIP("192.0.2.2")},
	}}

	var got []int
	for i := 0; i < 4; i++ {
		id, ok := g.Next()
		assert.True(t, ok)
		got = append(got, id.ID)
	}
	assert.Equal(t, []int{1, 2, 1, 2}, got)

	_, ok := (&Group{}).Next()
	assert.False(t, ok)
}

func TestDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@Example.COM", "example.com"},
		{"user@example.com.", "example.com"},
		{"a@b@relay.example.net", "relay.example.net"},
		{"postmaster", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Domain(tt.in), tt.in)
	}
}
