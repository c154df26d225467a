package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWildcardMatchesSingleLabelOnly(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"*.example.com"}, HTTPPorts: []int{80}, TLSPorts: []int{443}})
	require.True(t, e.hostAllowed("a.example.com"))
	require.False(t, e.hostAllowed("a.b.example.com"))
	require.False(t, e.hostAllowed("example.com"))
}

func TestEmbeddedWildcard(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"api.*.net"}})
	require.True(t, e.hostAllowed("api.example.net"))
	require.False(t, e.hostAllowed("api.example.co.net"))
}

func TestLiteralMatchCaseInsensitiveTrailingDot(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"api.github.com"}})
	require.True(t, e.hostAllowed("API.GitHub.com."))
}

func TestDecideAllow(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"api.github.com"}, BlockInternalRanges: true})
	d := e.Decide("api.github.com", net.ParseIP("140.82.112.3"), 443, SchemeTLS)
	require.True(t, d.Allowed)
}

func TestDecideBlocksHostNotAllowed(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"api.github.com"}})
	d := e.Decide("evil.example.com", net.ParseIP("93.184.216.34"), 443, SchemeTLS)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonHostNotAllowed, d.Reason)
}

func TestDecideBlocksInternalRange(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"*"}, BlockInternalRanges: true})
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "169.254.1.1", "100.64.0.1", "224.0.0.1", "255.255.255.255"} {
		d := e.Decide("anything", net.ParseIP(ip), 443, SchemeTLS)
		require.False(t, d.Allowed, ip)
		require.Equal(t, ReasonInternalIP, d.Reason, ip)
	}
}

func TestDecideBlocksPortNotAllowed(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"api.github.com"}})
	d := e.Decide("api.github.com", net.ParseIP("1.2.3.4"), 8443, SchemeTLS)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonPortNotAllowed, d.Reason)
}

func TestSubstituteForHostOnlyOnBoundHost(t *testing.T) {
	e := New(Config{
		Secrets: map[string]SecretConfig{
			"TOKEN": {Hosts: []string{"api.github.com"}, Value: "sk-real"},
		},
	})

	out, ok := e.SubstituteForHost("Authorization: Bearer $TOKEN", "api.github.com")
	require.True(t, ok)
	require.Equal(t, "Authorization: Bearer sk-real", out)
	require.NotContains(t, out, "sk-real-placeholder-never-appears-before-substitution")

	_, ok = e.SubstituteForHost("Authorization: Bearer $TOKEN", "evil.example.com")
	require.False(t, ok)
}

func TestSubstituteForHostNoPlaceholderPresent(t *testing.T) {
	e := New(Config{Secrets: map[string]SecretConfig{"TOKEN": {Hosts: []string{"a.com"}, Value: "v"}}})
	out, ok := e.SubstituteForHost("nothing to substitute here", "b.com")
	require.True(t, ok)
	require.Equal(t, "nothing to substitute here", out)
}

func TestSubstituteForHostDoesNotMatchPrefixOfLongerPlaceholder(t *testing.T) {
	e := New(Config{
		Secrets: map[string]SecretConfig{
			"GH_TOKEN":       {Hosts: []string{"github.com"}, Value: "short-secret"},
			"GH_TOKEN_ADMIN": {Hosts: []string{"admin.github.com"}, Value: "admin-secret"},
		},
	})

	_, ok := e.SubstituteForHost("Authorization: Bearer $GH_TOKEN_ADMIN", "github.com")
	require.False(t, ok, "GH_TOKEN must not match inside $GH_TOKEN_ADMIN and must not skip GH_TOKEN_ADMIN's own host check")

	out, ok := e.SubstituteForHost("Authorization: Bearer $GH_TOKEN_ADMIN", "admin.github.com")
	require.True(t, ok)
	require.Equal(t, "Authorization: Bearer admin-secret", out)

	out, ok = e.SubstituteForHost("Authorization: Bearer $GH_TOKEN", "github.com")
	require.True(t, ok)
	require.Equal(t, "Authorization: Bearer short-secret", out)
}
