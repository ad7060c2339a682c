// Package githubminter mints GitHub App installation tokens scoped to a set
// of repositories and permissions, and answers repository visibility
// lookups on behalf of internal/ghvisibility.
package githubminter

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/oxidecomputer/oidc-broker/internal/credentials"
	"github.com/oxidecomputer/oidc-broker/internal/ratelimit"
)

// DefaultBaseURL is the production GitHub REST API root. Tests point the
// Minter's resty client at an httptest server instead.
const DefaultBaseURL = "https://api.github.com"

const userAgent = "https://github.com/oxidecomputer/oidc-exchange"

// installRPS and installBurst bound how often this broker hits the GitHub
// API on behalf of any one organization or user account, independent of how
// many repositories under it are being requested at once.
const (
	installRPS   = 5
	installBurst = 10
)

// Error is a githubminter failure, classified for whether its message may
// be shown to an HTTP caller verbatim.
type Error struct {
	msg     string
	safe    bool
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// SafeToExpose mirrors the upstream GitHubTokenError::safe_to_expose split:
// input-validation and "GitHub told us no" errors are safe; IO, key, and
// JWT-encoding failures are not.
func (e *Error) SafeToExpose() bool { return e.safe }

func safeErr(msg string) *Error  { return &Error{msg: msg, safe: true} }
func unsafeErr(msg string, err error) *Error {
	return &Error{msg: msg, safe: false, wrapped: err}
}

// Request is a mint request: a set of "owner/name" repositories and
// "name:level" permission strings.
type Request struct {
	Repositories []string
	Permissions  []string
}

// ParsedRequest is a Request that has passed owner/format/duplicate
// validation. Exported so callers (the exchange handler's fact derivation,
// in particular) can validate a request and fail fast before making any
// upstream call, instead of discovering a malformed request only once
// Mint itself gets around to parsing it.
type ParsedRequest struct {
	Owner       string
	RepoNames   []string
	Permissions map[string]string
}

// Minter holds the broker's GitHub App identity and mints installation
// tokens on demand. A nil-keyed Store (no GitHub credential configured)
// causes every call to fail with NoCredentials.
type Minter struct {
	logger  *slog.Logger
	store   *credentials.Store
	client  *resty.Client
	limiter *ratelimit.Limiter
}

// New constructs a Minter. httpClient should have its base URL set to
// DefaultBaseURL in production, or to a test server's URL in tests.
func New(logger *slog.Logger, store *credentials.Store, httpClient *resty.Client) *Minter {
	return &Minter{
		logger:  logger,
		store:   store,
		client:  httpClient,
		limiter: ratelimit.NewLimiter(installRPS, installBurst),
	}
}

// Mint validates req, signs a fresh App JWT, locates the installation for
// req's single owner, and mints a scoped installation token.
func (m *Minter) Mint(ctx context.Context, req Request) (string, error) {
	gh, ok := m.store.GitHub()
	if !ok {
		return "", safeErr("GitHub credentials are not configured for this broker")
	}

	parsed, err := ParseRequest(req)
	if err != nil {
		return "", err
	}

	if err := m.limiter.Wait(ctx, parsed.Owner); err != nil {
		return "", unsafeErr("rate limit wait interrupted", err)
	}

	appJWT, err := signAppJWT(gh.ClientID, gh.PrivateKey)
	if err != nil {
		return "", unsafeErr("failed to encode the GitHub App JWT", err)
	}

	installationID, err := m.findInstallation(ctx, appJWT, parsed.Owner)
	if err != nil {
		return "", err
	}

	var tokenResp installationTokenResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(appJWT).
		SetHeader("User-Agent", userAgent).
		SetBody(map[string]interface{}{
			"repositories": parsed.RepoNames,
			"permissions":  parsed.Permissions,
		}).
		ForceContentType("application/json").
		SetResult(&tokenResp).
		Post(fmt.Sprintf("/app/installations/%d/access_tokens", installationID))
	if err != nil {
		return "", unsafeErr("request to mint an installation token failed", err)
	}
	if resp.IsError() {
		return "", githubAPIError(resp)
	}

	m.logger.InfoContext(ctx, "minted github installation token", "owner", parsed.Owner, "repositories", len(parsed.RepoNames))
	return tokenResp.Token, nil
}

// RepositoryVisibility implements ghvisibility.Fetcher, used by the
// Visibility Cache on a miss.
func (m *Minter) RepositoryVisibility(ctx context.Context, repository string) (string, error) {
	gh, ok := m.store.GitHub()
	if !ok {
		return "", safeErr("GitHub credentials are not configured for this broker")
	}

	owner, name, err := splitRepository(repository)
	if err != nil {
		return "", err
	}

	if err := m.limiter.Wait(ctx, owner); err != nil {
		return "", unsafeErr("rate limit wait interrupted", err)
	}

	appJWT, err := signAppJWT(gh.ClientID, gh.PrivateKey)
	if err != nil {
		return "", unsafeErr("failed to encode the GitHub App JWT", err)
	}

	installationID, err := m.findInstallation(ctx, appJWT, owner)
	if err != nil {
		return "", err
	}
	installationToken, err := m.mintInstallationToken(ctx, appJWT, installationID)
	if err != nil {
		return "", err
	}

	var repoResp struct {
		Visibility string `json:"visibility"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(installationToken).
		SetHeader("User-Agent", userAgent).
		ForceContentType("application/json").
		SetResult(&repoResp).
		Get(fmt.Sprintf("/repos/%s/%s", owner, name))
	if err != nil {
		return "", unsafeErr("request to fetch repository visibility failed", err)
	}
	if resp.IsError() {
		return "", githubAPIError(resp)
	}
	return repoResp.Visibility, nil
}

func (m *Minter) mintInstallationToken(ctx context.Context, appJWT string, installationID int64) (string, error) {
	var tokenResp installationTokenResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(appJWT).
		SetHeader("User-Agent", userAgent).
		SetBody(map[string]interface{}{}).
		ForceContentType("application/json").
		SetResult(&tokenResp).
		Post(fmt.Sprintf("/app/installations/%d/access_tokens", installationID))
	if err != nil {
		return "", unsafeErr("request to mint an installation token failed", err)
	}
	if resp.IsError() {
		return "", githubAPIError(resp)
	}
	return tokenResp.Token, nil
}

type installationTokenResponse struct {
	Token string `json:"token"`
}

type installationResponse struct {
	ID int64 `json:"id"`
}

type githubErrorBody struct {
	Message string `json:"message"`
}

func githubAPIError(resp *resty.Response) *Error {
	var body githubErrorBody
	msg := string(resp.Body())
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	return safeErr(fmt.Sprintf("request to %s failed with status %d: %s", resp.Request.URL, resp.StatusCode(), msg))
}

// findInstallation tries the "orgs" namespace then the "users" namespace,
// stopping at the first successful (2xx) response, per the corrected
// behavior: a 404 means "try the next kind", any other error is fatal, and
// the first success wins instead of the last.
func (m *Minter) findInstallation(ctx context.Context, appJWT, owner string) (int64, error) {
	for _, kind := range []string{"orgs", "users"} {
		var installation installationResponse
		resp, err := m.client.R().
			SetContext(ctx).
			SetAuthToken(appJWT).
			SetHeader("User-Agent", userAgent).
			ForceContentType("application/json").
			SetResult(&installation).
			Get(fmt.Sprintf("/%s/%s/installation", kind, owner))
		if err != nil {
			return 0, unsafeErr("request to locate the app installation failed", err)
		}
		if resp.StatusCode() == 404 {
			continue
		}
		if resp.IsError() {
			return 0, githubAPIError(resp)
		}
		return installation.ID, nil
	}
	return 0, safeErr(fmt.Sprintf("oidc-exchange's GitHub App is not installed on %s", owner))
}

// signAppJWT signs a GitHub App authentication JWT per GitHub's contract:
// RS256, issued ten seconds in the past to tolerate clock skew, and valid
// for five minutes.
func signAppJWT(clientID string, key *rsa.PrivateKey) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"iat": now.Add(-10 * time.Second).Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

func splitRepository(repo string) (owner, name string, err error) {
	owner, name, found := strings.Cut(repo, "/")
	if !found || strings.Contains(name, "/") {
		return "", "", safeErr(fmt.Sprintf("repository name %s is not in the owner/name format", repo))
	}
	return owner, name, nil
}

// ParseRequest validates req's repository and permission shape: every
// repository must be "owner/name", all repositories must share one owner
// (DifferentOrgs), at least one repository must be requested
// (NoRepositories), every permission must be "name:level" (NotAPermission),
// and no permission name may repeat (DuplicatePermission). It performs no
// upstream I/O, so callers can validate a request before making any network
// call on its behalf.
func ParseRequest(req Request) (*ParsedRequest, error) {
	if len(req.Repositories) == 0 {
		return nil, safeErr("the requested token asked for access to no repositories")
	}

	var owner string
	repoNames := make([]string, 0, len(req.Repositories))
	for _, repo := range req.Repositories {
		o, name, err := splitRepository(repo)
		if err != nil {
			return nil, safeErr(fmt.Sprintf("repository name %s is not in the owner/name format", repo))
		}
		if owner != "" && owner != o {
			return nil, safeErr("the repositories requested for this token belong to different organizations")
		}
		owner = o
		repoNames = append(repoNames, name)
	}

	permissions := make(map[string]string, len(req.Permissions))
	for _, permission := range req.Permissions {
		name, level, found := strings.Cut(permission, ":")
		if !found || strings.Contains(name, "/") {
			return nil, safeErr(fmt.Sprintf("the permission string %s is not a valid permission", permission))
		}
		if _, exists := permissions[name]; exists {
			return nil, safeErr(fmt.Sprintf("the permission %s is requested multiple times", name))
		}
		permissions[name] = level
	}

	return &ParsedRequest{Owner: owner, RepoNames: repoNames, Permissions: permissions}, nil
}
