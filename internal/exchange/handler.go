// Package exchange implements the broker's single HTTP endpoint: decode,
// verify, authorize, and mint, in that order, short-circuiting on the first
// failure.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oxidecomputer/oidc-broker/internal/ghvisibility"
	"github.com/oxidecomputer/oidc-broker/internal/githubminter"
	"github.com/oxidecomputer/oidc-broker/internal/oidcverify"
	"github.com/oxidecomputer/oidc-broker/internal/oxideminter"
	"github.com/oxidecomputer/oidc-broker/internal/policy"
)

const maxRequestBodyBytes = 500 << 20 // 500 MiB request body ceiling.
const requestTimeout = 30 * time.Second

// request is the wire shape of POST /exchange: a caller identity JWT plus a
// tagged union over the two downstream services.
type request struct {
	CallerIdentity string `json:"caller_identity"`
	Service        string `json:"service"`

	// Oxide fields.
	Silo     string `json:"silo"`
	Duration uint32 `json:"duration"`

	// GitHub fields.
	Repositories []string `json:"repositories"`
	Permissions  []string `json:"permissions"`
}

type response struct {
	AccessToken string `json:"access_token"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler wires the OIDC Verifier, Policy Engine, Visibility Cache, and both
// minters into the five-step exchange contract.
type Handler struct {
	logger     *slog.Logger
	verifier   *oidcverify.Verifier
	engine     *policy.Engine
	visibility *ghvisibility.Cache
	oxide      *oxideminter.Minter
	github     *githubminter.Minter
	audience   string
	router     chi.Router
}

// New constructs a Handler and wires its chi router.
func New(
	logger *slog.Logger,
	verifier *oidcverify.Verifier,
	engine *policy.Engine,
	visibility *ghvisibility.Cache,
	oxide *oxideminter.Minter,
	github *githubminter.Minter,
	audience string,
) *Handler {
	h := &Handler{
		logger:     logger,
		verifier:   verifier,
		engine:     engine,
		visibility: visibility,
		oxide:      oxide,
		github:     github,
		audience:   audience,
	}
	h.router = h.setupRouter()
	return h
}

func (h *Handler) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Get("/healthz", h.handleHealthz)
	r.Post("/exchange", h.handleExchange)
	return r
}

// Handler returns the HTTP handler to mount on an *http.Server.
func (h *Handler) Handler() http.Handler { return h.router }

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", "error", err)
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Step 1: decode insecurely to learn the issuer.
	issuer, err := oidcverify.PeekIssuer(req.CallerIdentity)
	if err != nil {
		h.logger.InfoContext(ctx, "failed to peek token issuer", "error", err)
		h.respondError(w, http.StatusBadRequest, "Invalid token")
		return
	}

	// Step 2: find the Verifier record for this issuer.
	if _, ok := h.verifier.Lookup(issuer); !ok {
		h.logger.WarnContext(ctx, "unsupported issuer", "issuer", issuer)
		h.respondError(w, http.StatusBadRequest, "Unsupported issuer")
		return
	}

	// Step 3: verify signature, issuer, audience, expiry.
	claimSet, err := h.verifier.Verify(ctx, issuer, req.CallerIdentity)
	if err != nil {
		h.logger.InfoContext(ctx, "token validation failed", "issuer", issuer, "error", err)
		h.respondError(w, http.StatusBadRequest, "Token validation failed")
		return
	}

	facts, err := h.factsFor(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to derive policy facts", "error", err)
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to generate token: %v", err))
		return
	}

	subjectID := issuer
	if claimSet.Sub != nil {
		subjectID = *claimSet.Sub
	}

	// Step 4: every derived fact must be allowed.
	for _, fact := range facts {
		decision, err := h.engine.Decide(subjectID, claimSet, fact)
		if err != nil {
			h.logger.ErrorContext(ctx, "policy engine error", "error", err)
			h.respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !decision.Allowed {
			h.logger.WarnContext(ctx, "policy denied request", "reason", decision.Reason)
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("Token doesn't match the policy: %s", decision.Reason))
			return
		}
	}

	// Step 5: dispatch to the appropriate minter.
	token, err := h.mint(ctx, req)
	if err != nil {
		h.respondMintError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "minted credential", "service", req.Service)
	h.respondJSON(w, http.StatusOK, response{AccessToken: token})
}

type safeToExpose interface {
	SafeToExpose() bool
}

func (h *Handler) respondMintError(w http.ResponseWriter, err error) {
	var se safeToExpose
	if errors.As(err, &se) && se.SafeToExpose() {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to generate token: %v", err))
		return
	}
	h.logger.Error("minter failed", "error", err)
	h.respondError(w, http.StatusInternalServerError, "internal error")
}

// factsFor derives the Cartesian product of atomic facts this request must
// be authorized for: a single fact for an Oxide request, or one fact per
// (repository, permission) pair for a GitHub request, each annotated with
// the repository's cached visibility.
func (h *Handler) factsFor(ctx context.Context, req request) ([]policy.Fact, error) {
	switch req.Service {
	case "oxide":
		return []policy.Fact{{Kind: "oxide", Silo: req.Silo, Duration: req.Duration}}, nil
	case "github":
		// Validate shape, owner consistency and permission format before
		// touching the network: a cross-owner or malformed request must be
		// rejected with zero upstream calls.
		if _, err := githubminter.ParseRequest(githubminter.Request{
			Repositories: req.Repositories,
			Permissions:  req.Permissions,
		}); err != nil {
			return nil, err
		}

		facts := make([]policy.Fact, 0, len(req.Repositories)*len(req.Permissions))
		for _, repo := range req.Repositories {
			visibility, err := h.visibility.Visibility(ctx, repo)
			if err != nil {
				return nil, err
			}
			for _, permission := range req.Permissions {
				facts = append(facts, policy.Fact{
					Kind:       "github",
					Repository: repo,
					Visibility: visibility,
					Permission: permission,
				})
			}
		}
		return facts, nil
	default:
		return nil, fmt.Errorf("unrecognized service %q", req.Service)
	}
}

func (h *Handler) mint(ctx context.Context, req request) (string, error) {
	switch req.Service {
	case "oxide":
		return h.oxide.Mint(ctx, oxideminter.Request{Silo: req.Silo, Duration: req.Duration})
	case "github":
		return h.github.Mint(ctx, githubminter.Request{Repositories: req.Repositories, Permissions: req.Permissions})
	default:
		return "", fmt.Errorf("unrecognized service %q", req.Service)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
