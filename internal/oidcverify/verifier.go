// Package oidcverify implements multi-issuer OIDC discovery and JWT
// verification against rotating JWKS, per the broker's verification
// contract: a token is only ever trusted after its signature, issuer and
// audience have been checked against the issuer it claims to be from.
package oidcverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/oxidecomputer/oidc-broker/internal/claims"
)

// Error taxonomy per spec.md §4.1. All surface to HTTP callers as a
// generic 400; full detail is logged at info level by the caller.
var (
	ErrInvalidOidcConfig    = errors.New("invalid OIDC configuration")
	ErrInvalidHeader        = errors.New("failed to parse token header")
	ErrInvalidToken         = errors.New("failed to verify token")
	ErrInvalidKey           = errors.New("failed to build decoding key")
	ErrMissingKid           = errors.New("missing kid in token header")
	ErrMissingKeyAlgorithm  = errors.New("JWK does not declare a key algorithm")
	ErrUnknownKid           = errors.New("kid did not match any known key")
	ErrUnsupportedAlgorithm = errors.New("key algorithm is not supported")
	ErrUnknownIssuer        = errors.New("unsupported issuer")
	ErrRequest              = errors.New("external call failed")
)

// supportedAlgorithms is the enumerated algorithm set spec.md §3 names:
// {HS256/384/512, RS256/384/512, PS256/384/512, ES256/384, EdDSA}.
var supportedAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true,
	"EdDSA": true,
}

type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	JWKSURI                          string   `json:"jwks_uri"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// Record is the resolved configuration for one OIDC issuer: its JWKS and
// the algorithms its discovery document declared as supported. Held
// behind a reader/writer lock to admit future live refresh even though
// the current design only populates it once at startup (spec.md §9).
type Record struct {
	mu         sync.RWMutex
	Issuer     string
	Audience   string
	Algorithms map[string]struct{}
	jwks       jose.JSONWebKeySet
}

// Verify validates tokenString's signature and standard claims against
// this issuer record and returns the decoded GitHub-shaped claim set.
func (r *Record) Verify(tokenString string) (claims.GitHub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	header, err := peekHeader(tokenString)
	if err != nil {
		return claims.GitHub{}, err
	}

	kid, ok := header["kid"].(string)
	if !ok || kid == "" {
		return claims.GitHub{}, ErrMissingKid
	}

	candidates := r.jwks.Key(kid)
	if len(candidates) == 0 {
		return claims.GitHub{}, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
	}
	jwk := candidates[0]

	if jwk.Algorithm == "" {
		return claims.GitHub{}, ErrMissingKeyAlgorithm
	}
	if _, ok := r.Algorithms[jwk.Algorithm]; !ok {
		return claims.GitHub{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, jwk.Algorithm)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwk.Algorithm}),
		jwt.WithIssuer(r.Issuer),
		jwt.WithAudience(r.Audience),
		jwt.WithLeeway(60*time.Second),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(tokenString, jwt.MapClaims{}, func(*jwt.Token) (interface{}, error) {
		if !jwk.Valid() {
			return nil, ErrInvalidKey
		}
		return jwk.Key, nil
	})
	if err != nil {
		return claims.GitHub{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return claims.GitHub{}, ErrInvalidToken
	}

	return decodeGitHubClaims(mapClaims)
}

func decodeGitHubClaims(mapClaims jwt.MapClaims) (claims.GitHub, error) {
	raw, err := json.Marshal(map[string]interface{}(mapClaims))
	if err != nil {
		return claims.GitHub{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var gh claims.GitHub
	if err := json.Unmarshal(raw, &gh); err != nil {
		return claims.GitHub{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return gh, nil
}

func peekHeader(tokenString string) (map[string]interface{}, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return token.Header, nil
}

// PeekIssuer decodes tokenString's claims without verifying its signature,
// solely to read "iss" and route to the matching Verifier. The subsequent
// call to Verify is what makes this safe (spec.md §4.7 step 1, §9).
func PeekIssuer(tokenString string) (string, error) {
	parser := jwt.NewParser()
	_, parts, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	var claimsMap jwt.MapClaims
	if err := parser.DecodeSegment(parts[1], &claimsMap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	iss, ok := claimsMap["iss"].(string)
	if !ok || iss == "" {
		return "", fmt.Errorf("%w: missing iss claim", ErrInvalidHeader)
	}
	return iss, nil
}

// Verifier holds one Record per configured issuer, indexed by the issuer
// URL the discovery document itself reports (authoritative, may differ
// from the configured discovery URL).
type Verifier struct {
	logger     *slog.Logger
	httpClient *resty.Client

	mu       sync.RWMutex
	byIssuer map[string]*Record
}

// New constructs an empty Verifier; call Discover once per configured
// provider before serving requests.
func New(logger *slog.Logger, httpClient *resty.Client) *Verifier {
	return &Verifier{
		logger:     logger,
		httpClient: httpClient,
		byIssuer:   make(map[string]*Record),
	}
}

// Discover fetches discoveryURL, then its jwks_uri, and registers the
// resulting Record under the issuer the document reports.
func (v *Verifier) Discover(ctx context.Context, discoveryURL, audience string) error {
	var doc discoveryDocument
	resp, err := v.httpClient.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&doc).
		Get(discoveryURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: discovery document request failed with status %d", ErrRequest, resp.StatusCode())
	}

	algorithms := make(map[string]struct{}, len(doc.IDTokenSigningAlgValuesSupported))
	for _, alg := range doc.IDTokenSigningAlgValuesSupported {
		if !supportedAlgorithms[alg] {
			return fmt.Errorf("%w: unrecognized algorithm %q", ErrInvalidOidcConfig, alg)
		}
		algorithms[alg] = struct{}{}
	}

	var jwks jose.JSONWebKeySet
	jwksResp, err := v.httpClient.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&jwks).
		Get(doc.JWKSURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	if jwksResp.IsError() {
		return fmt.Errorf("%w: jwks request failed with status %d", ErrRequest, jwksResp.StatusCode())
	}

	record := &Record{
		Issuer:     doc.Issuer,
		Audience:   audience,
		Algorithms: algorithms,
		jwks:       jwks,
	}

	v.mu.Lock()
	v.byIssuer[doc.Issuer] = record
	v.mu.Unlock()

	v.logger.Info("registered OIDC issuer", "issuer", doc.Issuer, "jwks_uri", doc.JWKSURI, "keys", len(jwks.Keys))
	return nil
}

// Lookup returns the Record registered for issuer, if any.
func (v *Verifier) Lookup(issuer string) (*Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	record, ok := v.byIssuer[issuer]
	return record, ok
}

// Verify looks up the Record for issuer and validates tokenString against
// it. Returns ErrUnknownIssuer if no Record is registered for issuer.
func (v *Verifier) Verify(_ context.Context, issuer, tokenString string) (claims.GitHub, error) {
	record, ok := v.Lookup(issuer)
	if !ok {
		return claims.GitHub{}, ErrUnknownIssuer
	}
	return record.Verify(tokenString)
}
