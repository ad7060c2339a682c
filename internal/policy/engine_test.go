package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxidecomputer/oidc-broker/internal/claims"
)

func strPtr(s string) *string { return &s }

func TestLoadBytes_NoPolicies(t *testing.T) {
	_, err := LoadBytes([]byte(""))
	require.ErrorIs(t, err, ErrNoPolicies)
}

func TestLoadBytes_Malformed(t *testing.T) {
	_, err := LoadBytes([]byte("this is not cedar"))
	require.ErrorIs(t, err, ErrLoadPolicy)
}

func TestDecide_Allow(t *testing.T) {
	engine, err := LoadBytes([]byte(`permit(principal, action, resource);`))
	require.NoError(t, err)

	decision, err := engine.Decide("subject-1", claims.GitHub{}, Fact{Kind: "oxide", Silo: "silo.example", Duration: 600})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Empty(t, decision.Reason)
}

func TestDecide_Deny(t *testing.T) {
	engine, err := LoadBytes([]byte(`forbid(principal, action, resource);`))
	require.NoError(t, err)

	fact := Fact{Kind: "github", Repository: "acme/app", Visibility: "private", Permission: "contents:read"}
	decision, err := engine.Decide("subject-1", claims.GitHub{}, fact)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, fact.String(), decision.Reason)
}

func TestDecide_AllowsOnMatchingClaim(t *testing.T) {
	policy := `permit(principal, action, resource)
when { context.claims.repository_owner == "acme" };`
	engine, err := LoadBytes([]byte(policy))
	require.NoError(t, err)

	claimSet := claims.GitHub{RepositoryOwner: strPtr("acme")}
	fact := Fact{Kind: "github", Repository: "acme/app", Visibility: "private", Permission: "contents:read"}
	decision, err := engine.Decide("subject-1", claimSet, fact)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestDecide_DeniesOnMismatchingClaim(t *testing.T) {
	policy := `permit(principal, action, resource)
when { context.claims.repository_owner == "acme" };`
	engine, err := LoadBytes([]byte(policy))
	require.NoError(t, err)

	claimSet := claims.GitHub{RepositoryOwner: strPtr("other")}
	fact := Fact{Kind: "github", Repository: "other/lib", Visibility: "public", Permission: "contents:read"}
	decision, err := engine.Decide("subject-1", claimSet, fact)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

// TestDecide_EngineError asserts that referencing a context.claims attribute
// the presented claim set never populated is a fatal policy error, not a
// silent deny: Fact's context record only carries the claims that were
// actually present on the token, so a policy author who typos a claim name
// finds out from an error, not from every request being denied.
func TestDecide_EngineError(t *testing.T) {
	policy := `permit(principal, action, resource)
when { context.claims.sub == "someone" };`
	engine, err := LoadBytes([]byte(policy))
	require.NoError(t, err)

	fact := Fact{Kind: "oxide", Silo: "silo.example", Duration: 600}
	_, err = engine.Decide("subject-1", claims.GitHub{}, fact)
	require.ErrorIs(t, err, ErrEngineFailed)
}
