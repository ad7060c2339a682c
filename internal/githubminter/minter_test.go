package githubminter

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/oxidecomputer/oidc-broker/internal/credentials"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMinter(t *testing.T, mux *http.ServeMux) (*Minter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := credentials.New()
	store.SetGitHub(&credentials.GitHub{ClientID: "app-123", PrivateKey: key})

	client := resty.New().SetBaseURL(server.URL)
	return New(discard(), store, client), server
}

func apiMux(t *testing.T, installationPath string, installationID int64) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/installation", func(w http.ResponseWriter, r *http.Request) {
		if installationPath != "orgs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(installationResponse{ID: installationID})
	})
	mux.HandleFunc("/users/acme/installation", func(w http.ResponseWriter, r *http.Request) {
		if installationPath != "users" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(installationResponse{ID: installationID})
	})
	return mux
}

func TestMint_Happy_OrgInstallation(t *testing.T) {
	mux := apiMux(t, "orgs", 555)
	mux.HandleFunc("/app/installations/555/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(installationTokenResponse{Token: "ghs_minted"})
	})
	m, _ := newTestMinter(t, mux)

	token, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app", "acme/lib"},
		Permissions:  []string{"contents:read"},
	})
	require.NoError(t, err)
	require.Equal(t, "ghs_minted", token)
}

func TestMint_Happy_UserInstallation(t *testing.T) {
	mux := apiMux(t, "users", 777)
	mux.HandleFunc("/app/installations/777/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(installationTokenResponse{Token: "ghs_minted2"})
	})
	m, _ := newTestMinter(t, mux)

	token, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app"},
		Permissions:  []string{"contents:read"},
	})
	require.NoError(t, err)
	require.Equal(t, "ghs_minted2", token)
}

func TestMint_AppNotInstalled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/installation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/users/acme/installation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m, _ := newTestMinter(t, mux)

	_, err := m.Mint(t.Context(), Request{Repositories: []string{"acme/app"}, Permissions: []string{"contents:read"}})
	require.Error(t, err)
	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	require.True(t, gErr.SafeToExpose())
	require.Contains(t, gErr.Error(), "not installed on acme")
}

func TestMint_DifferentOrgs(t *testing.T) {
	m, _ := newTestMinter(t, http.NewServeMux())
	_, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app", "other/lib"},
		Permissions:  []string{"contents:read"},
	})
	require.Error(t, err)
	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	require.True(t, gErr.SafeToExpose())
	require.Contains(t, gErr.Error(), "different organizations")
}

func TestMint_NotAGitHubRepository(t *testing.T) {
	m, _ := newTestMinter(t, http.NewServeMux())
	_, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app/extra"},
		Permissions:  []string{"contents:read"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "owner/name")
}

func TestMint_NoRepositories(t *testing.T) {
	m, _ := newTestMinter(t, http.NewServeMux())
	_, err := m.Mint(t.Context(), Request{Repositories: nil, Permissions: []string{"contents:read"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no repositories")
}

func TestMint_DuplicatePermission(t *testing.T) {
	m, _ := newTestMinter(t, http.NewServeMux())
	_, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app"},
		Permissions:  []string{"contents:read", "contents:write"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requested multiple times")
}

func TestMint_NotAPermission(t *testing.T) {
	m, _ := newTestMinter(t, http.NewServeMux())
	_, err := m.Mint(t.Context(), Request{
		Repositories: []string{"acme/app"},
		Permissions:  []string{"not-a-permission"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a valid permission")
}

func TestMint_NoCredentials(t *testing.T) {
	store := credentials.New()
	m := New(discard(), store, resty.New())
	_, err := m.Mint(t.Context(), Request{Repositories: []string{"acme/app"}, Permissions: []string{"contents:read"}})
	require.Error(t, err)
	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	require.True(t, gErr.SafeToExpose())
}

func TestRepositoryVisibility(t *testing.T) {
	mux := apiMux(t, "orgs", 555)
	mux.HandleFunc("/app/installations/555/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(installationTokenResponse{Token: "ghs_installation"})
	})
	mux.HandleFunc("/repos/acme/app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"visibility": "private"}`))
	})
	m, _ := newTestMinter(t, mux)

	visibility, err := m.RepositoryVisibility(t.Context(), "acme/app")
	require.NoError(t, err)
	require.Equal(t, "private", visibility)
}
