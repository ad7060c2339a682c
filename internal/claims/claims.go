// Package claims defines the provider-specific OIDC claim shapes the broker
// understands, the field-wise claim-constraint matcher, and the flattening
// (AsMap) the policy engine uses to build its request context. The policy
// engine does not call Matches; its rules compare claims through the
// context record instead.
package claims

// Kind discriminates the closed set of provider claim shapes. Adding a new
// provider means adding a Kind and a concrete type, not subclassing.
type Kind string

const (
	KindGitHub Kind = "github"
	KindOIDC   Kind = "oidc"
)

// Set is implemented by every concrete provider claim shape.
type Set interface {
	Kind() Kind
}

// GitHub is the claim shape presented by GitHub Actions OIDC tokens and,
// doubling as a ClaimConstraint, the shape of a policy's required values.
// Every field is a pointer so that "absent" and "empty string" are distinct,
// per the wire contract.
type GitHub struct {
	JTI               *string `json:"jti,omitempty"`
	Sub               *string `json:"sub,omitempty"`
	Aud               *string `json:"aud,omitempty"`
	Ref               *string `json:"ref,omitempty"`
	Repository        *string `json:"repository,omitempty"`
	RepositoryOwner   *string `json:"repository_owner,omitempty"`
	ActorID           *string `json:"actor_id,omitempty"`
	RepositoryID      *string `json:"repository_id,omitempty"`
	RepositoryOwnerID *string `json:"repository_owner_id,omitempty"`
	Actor             *string `json:"actor,omitempty"`
	Workflow          *string `json:"workflow,omitempty"`
	HeadRef           *string `json:"head_ref,omitempty"`
	BaseRef           *string `json:"base_ref,omitempty"`
	EventName         *string `json:"event_name,omitempty"`
	RefType           *string `json:"ref_type,omitempty"`
	JobWorkflowRef    *string `json:"job_workflow_ref,omitempty"`
	Iss               *string `json:"iss,omitempty"`
}

func (GitHub) Kind() Kind { return KindGitHub }

// Generic is the free-form claim shape used for issuers with no dedicated
// provider type.
type Generic map[string]any

func (Generic) Kind() Kind { return KindOIDC }

// Matches implements the claim-constraint table: absent constraint fields
// pass unconditionally, present constraint fields require an equal
// presented value, and absence of the presented value with a present
// constraint always fails.
func Matches(constraint, presented GitHub) bool {
	return matchField(constraint.JTI, presented.JTI) &&
		matchField(constraint.Sub, presented.Sub) &&
		matchField(constraint.Aud, presented.Aud) &&
		matchField(constraint.Ref, presented.Ref) &&
		matchField(constraint.Repository, presented.Repository) &&
		matchField(constraint.RepositoryOwner, presented.RepositoryOwner) &&
		matchField(constraint.ActorID, presented.ActorID) &&
		matchField(constraint.RepositoryID, presented.RepositoryID) &&
		matchField(constraint.RepositoryOwnerID, presented.RepositoryOwnerID) &&
		matchField(constraint.Actor, presented.Actor) &&
		matchField(constraint.Workflow, presented.Workflow) &&
		matchField(constraint.HeadRef, presented.HeadRef) &&
		matchField(constraint.BaseRef, presented.BaseRef) &&
		matchField(constraint.EventName, presented.EventName) &&
		matchField(constraint.RefType, presented.RefType) &&
		matchField(constraint.JobWorkflowRef, presented.JobWorkflowRef) &&
		matchField(constraint.Iss, presented.Iss)
}

func matchField(constraint, presented *string) bool {
	if constraint == nil {
		return true
	}
	if presented == nil {
		return false
	}
	return *constraint == *presented
}

// AsMap flattens the non-nil fields of a GitHub claim set into a string map,
// keyed by their wire name, for use as a Cedar request context.
func (g GitHub) AsMap() map[string]string {
	out := make(map[string]string)
	add := func(key string, val *string) {
		if val != nil {
			out[key] = *val
		}
	}
	add("jti", g.JTI)
	add("sub", g.Sub)
	add("aud", g.Aud)
	add("ref", g.Ref)
	add("repository", g.Repository)
	add("repository_owner", g.RepositoryOwner)
	add("actor_id", g.ActorID)
	add("repository_id", g.RepositoryID)
	add("repository_owner_id", g.RepositoryOwnerID)
	add("actor", g.Actor)
	add("workflow", g.Workflow)
	add("head_ref", g.HeadRef)
	add("base_ref", g.BaseRef)
	add("event_name", g.EventName)
	add("ref_type", g.RefType)
	add("job_workflow_ref", g.JobWorkflowRef)
	add("iss", g.Iss)
	return out
}
