package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/offline-sync/credentials"
	"github.com/wolfeidau/offline-sync/credentials/opprovider"
	"github.com/wolfeidau/offline-sync/engine"
	"github.com/wolfeidau/offline-sync/server"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// RemoteFlags configure the remote API and the signed-in user.
type RemoteFlags struct {
	BaseURL     string `help:"Remote API base URL."`
	APIToken    string `help:"Bearer token for the remote API."`
	UserID      string `help:"Signed-in user id."`
	CondoID     string `help:"Condominium id of the signed-in user."`
	Credentials string `help:"Path to a credentials JSON template (env, file, json and op functions)." type:"existingfile"`
	OnePassword bool   `help:"Enable the op template function backed by the 1Password CLI." name:"1password"`
}

// resolve merges flag values over the credentials template, if any.
func (f RemoteFlags) resolve(ctx context.Context, g *Globals) (credentials.Credentials, error) {
	creds := credentials.Credentials{
		APIToken: f.APIToken,
		BaseURL:  f.BaseURL,
		UserID:   f.UserID,
		CondoID:  f.CondoID,
	}
	if f.Credentials != "" {
		opts := []credentials.ResolverOption{credentials.WithLogger(g.Logger)}
		if f.OnePassword {
			opts = append(opts, opprovider.WithOnePassword())
		}
		fromFile, err := credentials.NewResolver(opts...).ResolveFile(ctx, f.Credentials)
		if err != nil {
			return credentials.Credentials{}, err
		}
		creds.Merge(*fromFile)
	}
	if creds.BaseURL == "" {
		return credentials.Credentials{}, errors.New("remote base URL is required (--base-url or credentials file)")
	}
	return creds, creds.Validate()
}

func (f RemoteFlags) engineConfig(creds credentials.Credentials, g *Globals) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.DBPath = g.DB
	cfg.BaseURL = creds.BaseURL
	cfg.APIToken = creds.APIToken
	cfg.UserID = creds.UserID
	cfg.CondoID = creds.CondoID
	cfg.Logger = g.Logger
	return cfg
}

// ServeCmd runs the engine and the local HTTP surface.
type ServeCmd struct {
	RemoteFlags

	Address         string        `help:"Address for the local HTTP surface." default:"127.0.0.1:8080"`
	AuthToken       string        `help:"Bearer token required by the local HTTP surface (overrides local_token from credentials)."`
	MaxRetries      int           `help:"Failed deliveries a mutation survives before it is dead-lettered (0 dead-letters on the first failure)." default:"3"`
	TickInterval    time.Duration `help:"Periodic sync check while online." default:"5s"`
	Cooldown        time.Duration `help:"Backoff after a rate-limited delivery." default:"2s"`
	DeliveryTimeout time.Duration `help:"Timeout for a single delivery." default:"15s"`
	ProbeInterval   time.Duration `help:"Health probe interval (negative disables)." default:"10s"`
	ConfirmWindow   time.Duration `help:"How long connectivity must hold before going online." default:"1s"`
	ReaperInterval  time.Duration `help:"How often expired cache entries are purged." default:"5m"`
	AssumeOnline    bool          `help:"Start online instead of waiting for the first probe."`

	Metrics      bool   `help:"Expose Prometheus metrics on /metrics."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Metrics || c.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "offline-sync",
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Metrics,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	creds, err := c.resolve(ctx, g)
	if err != nil {
		return err
	}

	cfg := c.engineConfig(creds, g)
	cfg.MaxRetries = c.MaxRetries
	cfg.ProbeInterval = c.ProbeInterval
	cfg.ConfirmWindow = c.ConfirmWindow
	cfg.ReaperInterval = c.ReaperInterval
	cfg.InitialOnline = c.AssumeOnline
	cfg.Sync.TickInterval = c.TickInterval
	cfg.Sync.RateLimitCooldown = c.Cooldown
	cfg.Sync.DeliveryTimeout = c.DeliveryTimeout

	eng, err := engine.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	eng.Start(ctx)

	authToken := c.AuthToken
	if authToken == "" {
		authToken = creds.LocalToken
	}
	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: authToken,
		Logger:    g.Logger,
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	g.Logger.Info("offline-sync started",
		"address", srv.Address(),
		"db", g.DB,
		"base_url", creds.BaseURL,
		"user_id", creds.UserID)

	var runErr error
	select {
	case <-ctx.Done():
		g.Logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
