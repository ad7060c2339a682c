// Package policy wraps a Cedar policy set behind the broker's decision
// contract: decide one atomic fact at a time and report allow, deny with a
// human-readable reason, or a fatal engine error. The policy language itself
// is treated as opaque — this package only owns translating a fact and a
// claim set into a Cedar request and rendering a deny reason.
package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/cedar-policy/cedar-go"
	"github.com/cedar-policy/cedar-go/types"

	"github.com/oxidecomputer/oidc-broker/internal/claims"
)

var (
	ErrNoPolicies   = errors.New("no policy statements loaded")
	ErrLoadPolicy   = errors.New("failed to parse policy file")
	ErrEngineFailed = errors.New("policy engine error")
)

// Decision is the outcome of evaluating a single atomic fact.
type Decision struct {
	Allowed bool
	Reason  string // populated only when !Allowed
}

// Fact is one atomic authorization question: an Oxide silo/duration pair, or
// a single (repository, visibility, permission) triple drawn from the
// Cartesian product of a GitHub request's repositories and permissions.
type Fact struct {
	Kind       string // "oxide" or "github"
	Silo       string
	Duration   uint32
	Repository string
	Visibility string
	Permission string
}

// String renders the fact the way it appears in a deny reason, so
// `Token doesn't match the policy: <reason>` is reproducible from logs.
func (f Fact) String() string {
	switch f.Kind {
	case "oxide":
		return fmt.Sprintf("silo=%s duration=%d", f.Silo, f.Duration)
	case "github":
		return fmt.Sprintf("repository=%s visibility=%s permission=%s", f.Repository, f.Visibility, f.Permission)
	default:
		return fmt.Sprintf("unknown fact kind %q", f.Kind)
	}
}

func (f Fact) action() types.EntityUID {
	return types.NewEntityUID("Action", types.String(f.Kind))
}

func (f Fact) resource() types.EntityUID {
	switch f.Kind {
	case "oxide":
		return types.NewEntityUID("Silo", types.String(f.Silo))
	case "github":
		return types.NewEntityUID("Repository", types.String(f.Repository))
	default:
		return types.NewEntityUID("Unknown", types.String(""))
	}
}

func (f Fact) contextFields() types.RecordMap {
	m := types.RecordMap{}
	switch f.Kind {
	case "oxide":
		m["silo"] = types.String(f.Silo)
		m["duration"] = types.Long(f.Duration)
	case "github":
		m["repository"] = types.String(f.Repository)
		m["repository_visibility"] = types.String(f.Visibility)
		m["permission"] = types.String(f.Permission)
	}
	return m
}

// Engine holds a parsed Cedar policy set and decides facts against it.
type Engine struct {
	policySet *cedar.PolicySet
}

// Load parses the Cedar policy statements found at path (one or more
// policies concatenated in a single file, as Cedar's own parser accepts)
// and returns an Engine ready to decide facts.
func Load(path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadPolicy, err)
	}
	return LoadBytes(raw)
}

// LoadBytes parses raw Cedar policy text, primarily for tests.
func LoadBytes(raw []byte) (*Engine, error) {
	policySet, err := cedar.NewPolicySetFromBytes("policy.cedar", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadPolicy, err)
	}
	if policySet.Len() == 0 {
		return nil, ErrNoPolicies
	}
	return &Engine{policySet: policySet}, nil
}

// Decide evaluates a single atomic fact against the loaded policy set, given
// the subject's claim set as the Cedar principal's context. subjectID
// identifies the principal (the presented token's subject, or its issuer
// when the token has no subject) purely
// for Cedar's entity bookkeeping; the claim matcher that most deployments
// actually key decisions off lives in the policy's own `when` clauses via
// the `context.claims` record built here.
func (e *Engine) Decide(subjectID string, claimSet claims.GitHub, fact Fact) (Decision, error) {
	claimsMap := types.RecordMap{}
	for key, val := range claimSet.AsMap() {
		claimsMap[types.String(key)] = types.String(val)
	}

	ctxMap := types.RecordMap{"claims": types.NewRecord(claimsMap)}
	for k, v := range fact.contextFields() {
		ctxMap[k] = v
	}

	req := cedar.Request{
		Principal: types.NewEntityUID("Subject", types.String(subjectID)),
		Action:    fact.action(),
		Resource:  fact.resource(),
		Context:   types.NewRecord(ctxMap),
	}

	decision, diagnostic := e.policySet.IsAuthorized(types.EntityMap{}, req)
	if decision == types.Allow {
		return Decision{Allowed: true}, nil
	}

	if len(diagnostic.Errors) > 0 {
		return Decision{}, fmt.Errorf("%w: %v", ErrEngineFailed, diagnostic.Errors[0])
	}

	return Decision{Allowed: false, Reason: fact.String()}, nil
}
