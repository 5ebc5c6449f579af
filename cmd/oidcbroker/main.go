// Command oidcbroker manages a local OAuth2/OIDC session: it bootstraps the
// provider configuration, drives the browser-based authorization-code flow,
// and prints bearer tokens for use by other tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"

	"oidcbroker/internal/config"
	"oidcbroker/internal/observability"
	"oidcbroker/internal/oidc"
	"oidcbroker/internal/session"
	"oidcbroker/internal/storage"
)

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	configPath := flag.String("config", envOr("OIDCBROKER_CONFIG", "oidcbroker.yaml"), "provider configuration file (yaml)")
	statePath := flag.String("state", envOr("OIDCBROKER_STATE", "oidcbroker.db"), "session state database; empty for in-memory")
	snapshotPath := flag.String("snapshot", envOr("OIDCBROKER_SNAPSHOT", "oidcbroker.snapshot.json"), "configuration snapshot file")
	login := flag.Bool("login", false, "start a browser login flow instead of printing a token")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the login flow")
	flag.Parse()

	// Initialize Sentry if DSN is provided
	sentryDSN := os.Getenv("SENTRY_DSN")
	sentryEnabled := false
	if sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			sentryEnabled = true
		}
	}
	defer func() {
		if sentryEnabled {
			sentry.Flush(2 * time.Second)
		}
	}()

	if err := run(logger, *configPath, *statePath, *snapshotPath, *login, *timeout); err != nil {
		if sentryEnabled {
			sentry.CaptureException(err)
		}
		logger.Error("oidcbroker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger observability.Logger, configPath, statePath, snapshotPath string, login bool, timeout time.Duration) error {
	src, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := src.Validate(); err != nil {
		return err
	}
	cfgStore := config.NewFileStore(src, snapshotPath)

	var states storage.SessionStore
	if statePath == "" {
		states = storage.NewMemorySessionStore()
	} else {
		var opts []storage.SQLiteOption
		if passphrase := os.Getenv("OIDCBROKER_STATE_PASSPHRASE"); passphrase != "" {
			opts = append(opts, storage.WithPassphrase(passphrase))
		}
		sqlStore, err := storage.OpenSQLite("file:"+statePath+"?cache=shared", opts...)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer sqlStore.Close()
		states = sqlStore
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	discovery := &oidc.DiscoveryClient{HTTPClient: httpClient, SandboxHost: src.SandboxHost}
	tokens := &oidc.TokenClient{HTTPClient: httpClient, ClientSecret: src.ClientSecret}
	mgr := session.NewManager(cfgStore, states, discovery, tokens, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.ReconcileConfiguration(ctx); err != nil {
		return err
	}
	if err := mgr.Bootstrap(ctx); err != nil {
		return err
	}
	if cfgErr := mgr.LastConfigurationError(); cfgErr != nil {
		return fmt.Errorf("provider configuration: %w", cfgErr)
	}

	if login {
		return runLogin(ctx, logger, mgr, src, timeout)
	}
	return printToken(ctx, mgr)
}

func printToken(ctx context.Context, mgr *session.Manager) error {
	token, err := mgr.BearerToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		if mgr.LoginRequired() {
			return errors.New("no valid session; run with -login first")
		}
		return errors.New("no access token available")
	}
	fmt.Println(token)
	return nil
}

// runLogin prints the authorization URL, serves the redirect URI locally,
// and redeems the returned code.
func runLogin(ctx context.Context, logger observability.Logger, mgr *session.Manager, src config.Source, timeout time.Duration) error {
	mgr.ClearLoginRequired()

	req, err := mgr.BuildAuthorizationRequest(ctx)
	if err != nil {
		return err
	}

	redirect, err := url.Parse(src.RedirectURI)
	if err != nil {
		return fmt.Errorf("parse redirect_uri: %w", err)
	}
	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listen on redirect host: %w", err)
	}

	type callbackResult struct {
		resp *oidc.AuthorizationResponse
		err  error
	}
	results := make(chan callbackResult, 1)

	// Browsers retry and prefetch; never let the callback endpoint be
	// hammered into the token exchange path.
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)

	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		resp, parseErr := oidc.ParseAuthorizationResponse(r.URL.Query())
		select {
		case results <- callbackResult{resp: resp, err: parseErr}:
		default:
			// A result is already queued; this is a duplicate redirect.
		}
		if parseErr != nil {
			http.Error(w, "authorization failed; you can close this window", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "authorization complete; you can close this window")
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("callback server error", "error", serveErr)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintln(os.Stderr, "Open this URL in your browser to log in:")
	fmt.Fprintln(os.Stderr, req.URL())

	var result callbackResult
	select {
	case result = <-results:
	case <-time.After(timeout):
		return errors.New("timed out waiting for authorization redirect")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := mgr.OnAuthorizationResult(ctx, result.resp, result.err); err != nil {
		return err
	}

	token, err := mgr.BearerToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("login did not produce an authorized session")
	}
	logger.Info("login complete")
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
