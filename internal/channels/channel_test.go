package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlistCompoundMatching(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		sender  string
		want    bool
	}{
		{"empty list allows all", nil, "12345", true},
		{"plain id match", []string{"12345"}, "12345", true},
		{"plain id mismatch", []string{"12345"}, "99999", false},
		{"compound entry matches id part", []string{"12345|alice"}, "12345", true},
		{"compound entry matches username part", []string{"12345|alice"}, "alice", true},
		{"compound probe matches plain entry", []string{"alice"}, "12345|alice", true},
		{"compound both sides", []string{"12345|alice"}, "99999|alice", true},
		{"username case-insensitive", []string{"Alice"}, "alice", true},
		{"at-prefix stripped", []string{"@alice"}, "alice", true},
		{"no shared part", []string{"12345|alice"}, "99999|bob", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NewAllowlist(tc.entries).Allows(tc.sender))
		})
	}
}

func TestAllowDM(t *testing.T) {
	b := NewBase("test", []string{"42|carol"})

	assert.True(t, b.AllowDM("open", "anyone"))
	assert.True(t, b.AllowDM("", "anyone"), "missing policy defaults open")
	assert.False(t, b.AllowDM("disabled", "42"))
	assert.True(t, b.AllowDM("allowlist", "42"))
	assert.True(t, b.AllowDM("allowlist", "carol"))
	assert.False(t, b.AllowDM("allowlist", "7"))
	assert.False(t, b.AllowDM("pairing", "7"), "unknown policy falls back to allowlist")
}

func TestBaseRunningFlag(t *testing.T) {
	b := NewBase("test", nil)
	assert.False(t, b.Running())
	b.SetRunning(true)
	assert.True(t, b.Running())
	assert.Equal(t, "test", b.Name())
	assert.False(t, b.HasAllowlist())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
