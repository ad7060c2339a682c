// Package credentials holds the admin-level material the broker uses to act
// on a caller's behalf against Oxide silos and the GitHub API: one
// pre-authenticated client per silo, and an optional GitHub App identity.
// Nothing in this package ever renders its secret fields in a log line.
package credentials

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Oxide is the admin credential for one silo: a resty client pre-configured
// with the silo's base URL and a bearer token, ready for device-auth calls.
type Oxide struct {
	Host   string
	client *resty.Client
}

// NewOxide constructs an Oxide credential for host, with client pre-armed
// with an admin bearer token and the silo's base URL.
func NewOxide(host, baseURL, adminToken string, timeout time.Duration) *Oxide {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(adminToken).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Oxide{Host: host, client: client}
}

// Client returns the pre-authenticated resty client for this silo.
func (o *Oxide) Client() *resty.Client { return o.client }

// LogValue prevents the admin token from ever reaching a structured log
// line; only the silo host is rendered.
func (o *Oxide) LogValue() slog.Value {
	return slog.GroupValue(slog.String("silo_host", o.Host))
}

// GitHub is the broker's GitHub App identity: the App's client (app) ID and
// its RSA private key, used to self-sign short-lived App JWTs.
type GitHub struct {
	ClientID   string
	PrivateKey *rsa.PrivateKey
}

// LogValue renders only the client ID; the private key is never logged.
func (g *GitHub) LogValue() slog.Value {
	if g == nil {
		return slog.StringValue("<none>")
	}
	return slog.GroupValue(slog.String("github_client_id", g.ClientID))
}

// Store is the broker's admin credential store: one Oxide credential per
// configured silo host, and at most one GitHub App identity.
type Store struct {
	oxide  map[string]*Oxide
	github *GitHub
}

// New constructs an empty Store. Use AddSilo and SetGitHub to populate it
// from loaded settings.
func New() *Store {
	return &Store{oxide: make(map[string]*Oxide)}
}

// AddSilo registers silo's admin credential under its host.
func (s *Store) AddSilo(silo *Oxide) {
	s.oxide[silo.Host] = silo
}

// SetGitHub installs the broker's GitHub App identity, or clears it if gh
// is nil.
func (s *Store) SetGitHub(gh *GitHub) {
	s.github = gh
}

// ErrSiloNotConfigured reports that a silo host has no registered
// credential. Silo itself signals this through its boolean result.
var ErrSiloNotConfigured = fmt.Errorf("silo not configured")

// Silo returns the admin credential registered for host.
func (s *Store) Silo(host string) (*Oxide, bool) {
	cred, ok := s.oxide[host]
	return cred, ok
}

// GitHub returns the broker's GitHub App identity, if configured.
func (s *Store) GitHub() (*GitHub, bool) {
	if s.github == nil {
		return nil, false
	}
	return s.github, true
}

// LogValue renders only the set of configured silo hosts and whether a
// GitHub identity is present — never any secret material.
func (s *Store) LogValue() slog.Value {
	hosts := make([]string, 0, len(s.oxide))
	for host := range s.oxide {
		hosts = append(hosts, host)
	}
	return slog.GroupValue(
		slog.Any("oxide_silos", hosts),
		slog.Bool("github_configured", s.github != nil),
	)
}
