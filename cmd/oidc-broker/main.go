package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oxidecomputer/oidc-broker/internal/config"
	"github.com/oxidecomputer/oidc-broker/internal/credentials"
	"github.com/oxidecomputer/oidc-broker/internal/exchange"
	"github.com/oxidecomputer/oidc-broker/internal/ghvisibility"
	"github.com/oxidecomputer/oidc-broker/internal/githubminter"
	"github.com/oxidecomputer/oidc-broker/internal/oidcverify"
	"github.com/oxidecomputer/oidc-broker/internal/oxideminter"
	"github.com/oxidecomputer/oidc-broker/internal/policy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <settings-path>", os.Args[0])
	}
	settingsPath := os.Args[1]

	settings, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	envSettings, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("failed to load environment settings: %w", err)
	}

	logger := newLogger(envSettings.LogLevel, settings.LogDirectory)
	slog.SetDefault(logger)

	logger.Info("starting oidc-broker",
		"audience", settings.Audience,
		"policy_path", settings.PolicyPath,
		"port", settings.Port,
		"providers", len(settings.Providers),
	)

	store, err := loadCredentials(settings)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	verifier := oidcverify.New(logger, resty.New().SetTimeout(10*time.Second))
	for _, provider := range settings.Providers {
		if err := verifier.Discover(context.Background(), provider.URL, settings.Audience); err != nil {
			return fmt.Errorf("failed to discover OIDC provider %s: %w", provider.URL, err)
		}
	}

	engine, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	oxideMinter := oxideminter.New(logger, store, oxideminter.Settings{
		AllowTokensWithoutExpiry: settings.Oxide.AllowTokensWithoutExpiry,
		MaxDuration:              settings.Oxide.MaxDuration,
	})

	githubClient := resty.New().SetBaseURL(githubminter.DefaultBaseURL).SetTimeout(10 * time.Second)
	githubMinter := githubminter.New(logger, store, githubClient)
	visibility := ghvisibility.New(githubMinter)

	handler := exchange.New(logger, verifier, engine, visibility, oxideMinter, githubMinter, settings.Audience)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Port),
		Handler:      handler.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				return fmt.Errorf("failed to close server: %w", err)
			}
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newLogger builds a structured JSON logger. When log_directory is
// configured, output goes to a daily-rotated file there instead of stdout.
func newLogger(level, logDirectory string) *slog.Logger {
	var handlerLevel slog.Level
	if err := handlerLevel.UnmarshalText([]byte(level)); err != nil {
		handlerLevel = slog.LevelInfo
	}

	var out *os.File = os.Stdout
	opts := &slog.HandlerOptions{Level: handlerLevel}

	if logDirectory != "" {
		rotator := &lumberjack.Logger{
			Filename: logDirectory + "/oidc-broker.log",
			MaxAge:   1, // days
			Compress: true,
		}
		go func() {
			for range time.Tick(24 * time.Hour) {
				_ = rotator.Rotate()
			}
		}()
		return slog.New(slog.NewJSONHandler(rotator, opts))
	}

	return slog.New(slog.NewJSONHandler(out, opts))
}

// loadCredentials reads every configured silo's bearer token file and the
// GitHub App's private key, populating a Store ready for the minters.
func loadCredentials(settings *config.Settings) (*credentials.Store, error) {
	store := credentials.New()

	for host, tokenPath := range settings.Oxide.Silos {
		raw, err := os.ReadFile(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read admin token for silo %s: %w", host, err)
		}
		store.AddSilo(credentials.NewOxide(host, fmt.Sprintf("https://%s", host), string(raw), 10*time.Second))
	}

	if settings.GitHub.ClientID != "" && settings.GitHub.PrivateKeyPath != "" {
		key, err := loadRSAPrivateKey(settings.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load GitHub App private key: %w", err)
		}
		store.SetGitHub(&credentials.GitHub{ClientID: settings.GitHub.ClientID, PrivateKey: key})
	}

	return store, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key at %s is not an RSA key", path)
	}
	return rsaKey, nil
}
