package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frank() map[string][]string {
	return map[string][]string{
		"given_name":        {"Frank"},
		"family_name":       {"Underwood"},
		"address":           {"Main Road 1"},
		"role":              {"FreeUser", "FreeUser"},
		"subscriptionlevel": {"FreeUser"},
		"country":           {"nl"},
		"s_hash":            {"xyz"},
		"sub":               {"spoofed"},
		"email":             {},
	}
}

func TestProject_OnlyAllowedClaims(t *testing.T) {
	got := DefaultPolicy().Project(frank(), []string{"given_name", "family_name"})

	assert.Equal(t, map[string][]string{
		"given_name":  {"Frank"},
		"family_name": {"Underwood"},
	}, got)
}

func TestProject_Rules(t *testing.T) {
	p := NewPolicy(map[string]Rule{
		"country": {Action: Rename, To: "ctry"},
		"address": {Action: Drop},
		"role":    {Action: Keep},
		"email":   {Action: Rename},
	})

	got := p.Project(frank(), []string{"country", "address", "role", "email", "sub"})

	assert.Equal(t, []string{"nl"}, got["ctry"])
	assert.NotContains(t, got, "country")
	assert.NotContains(t, got, "address")
	assert.Equal(t, []string{"FreeUser"}, got["role"], "values are deduplicated")
	assert.NotContains(t, got, "sub", "protocol claims cannot come from user data")
	assert.NotContains(t, got, "email")
}

func TestProject_RenameOntoProtocolClaimIsDropped(t *testing.T) {
	p := NewPolicy(map[string]Rule{"country": {Action: Rename, To: "iss"}})

	got := p.Project(frank(), []string{"country"})

	assert.Empty(t, got)
}

func TestDefaultPolicy_DropsUpstreamArtifacts(t *testing.T) {
	got := DefaultPolicy().Project(frank(), []string{"s_hash", "given_name"})

	assert.NotContains(t, got, "s_hash")
	assert.Contains(t, got, "given_name")
}

func TestProject_SignInMethodComesFromIssuer(t *testing.T) {
	user := frank()
	user["amr"] = []string{"mfa"}

	got := NewPolicy(nil).Project(user, []string{"amr", "idp", "given_name"})

	assert.NotContains(t, got, "amr")
	assert.NotContains(t, got, "idp")
	assert.Contains(t, got, "given_name")
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string][]string{
		"given_name": {"Claire"},
		"role":       {"PayingUser", "Admin"},
		"empty":      {},
	})

	assert.Equal(t, map[string]any{
		"given_name": "Claire",
		"role":       []string{"PayingUser", "Admin"},
	}, got)
}
