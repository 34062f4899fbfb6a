package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/broadcast"
	"github.com/agentworkforce/relaylive/internal/collab"
	"github.com/agentworkforce/relaylive/internal/config"
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/agentworkforce/relaylive/internal/health"
	"github.com/agentworkforce/relaylive/internal/httpapi"
	"github.com/agentworkforce/relaylive/internal/logging"
	"github.com/agentworkforce/relaylive/internal/pubsub"
	"github.com/agentworkforce/relaylive/internal/relay"
	"github.com/agentworkforce/relaylive/internal/structsync"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "relaylive: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), logOut io.Writer) error {
	fs := pflag.NewFlagSet("relaylive", pflag.ContinueOnError)
	fs.SetOutput(logOut)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(flags.ConfigPath, lookup)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = flags.Apply(cfg)
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = a.shutdown(shutdownCtx)
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return a.serve(ctx, listener)
}

// app is the wired process: one session store, one relay, one collaboration
// hub and the HTTP surface in front of them.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	broker    pubsub.Broker
	adapter   *pubsub.Adapter
	store     *docsession.Store
	relay     *relay.Server
	hub       *collab.Hub
	reporter  *health.Reporter
	api       *httpapi.Server
	stopWatch context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	snapshots, err := docsession.BuildSnapshotStoreFromDSN(cfg.SnapshotStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize snapshot store: %w", err)
	}
	broker, err := pubsub.BuildBrokerFromDSN(cfg.BrokerURL)
	if err != nil {
		if snapshots != nil {
			_ = snapshots.Close()
		}
		return nil, fmt.Errorf("initialize broker: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, broker: broker}
	a.store = docsession.NewStore(docsession.StoreOptions{
		Snapshots:      snapshots,
		IdleTTL:        cfg.SessionIdleTTL,
		MaxIdle:        cfg.SessionMaxIdle,
		HydrateTimeout: cfg.AcquireTimeout,
		SweepInterval:  sweepInterval(cfg.SessionIdleTTL),
		Logger:         logger,
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	a.stopWatch = stopWatch
	if files, ok := snapshots.(*docsession.FileSnapshotStore); ok {
		err := files.Watch(watchCtx, func(documentID string) {
			if a.store.Invalidate(documentID) {
				logger.Info().Str("document_id", documentID).Msg("snapshot changed on disk; dropped idle replica")
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot directory watch unavailable")
		}
	}

	gate := auth.NewGate(buildAuthority(cfg), cfg.AuthTimeout, logger)
	origins := splitOrigins(cfg.CORSOrigin)
	a.adapter = pubsub.NewAdapter(broker, pubsub.AdapterOptions{ChannelPrefix: cfg.ChannelPrefix, Logger: logger})
	a.reporter = health.NewReporter(health.Options{
		Broker:      a.adapter,
		Connections: func() map[string]int { return a.relay.ConnectionCounts() },
		Sessions:    a.store.Stats,
	})
	a.relay = relay.New(relay.Options{
		Gate:           gate,
		Publisher:      a.adapter,
		Activity:       a.reporter,
		OriginPatterns: origins,
		Logger:         logger,
	})
	if err := a.adapter.Start(ctx, a.relay.DeliverRemote); err != nil {
		// Readiness reports the broker; the relay still serves local sockets.
		logger.Error().Err(err).Str("broker", redactDSN(cfg.BrokerURL)).Msg("subscribe to broker failed")
	}
	a.hub = collab.NewHub(collab.Options{
		Sessions:       a.store,
		Gate:           gate,
		OriginPatterns: origins,
		AcquireTimeout: cfg.AcquireTimeout,
		Logger:         logger,
	})
	a.api = httpapi.NewServer(httpapi.Deps{
		Documents:   a.store,
		Mutator:     structsync.NewEngine(a.store, logger),
		Broadcaster: broadcast.New(a.hub, logger),
		Relay:       a.relay,
		Collab:      a.hub,
		Health:      a.reporter,
		Logger:      logger,
	}, httpapi.ServerConfig{
		BasePath:           cfg.BasePath,
		CORSOrigin:         cfg.CORSOrigin,
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		RateLimitMax:       cfg.IntakeRateLimit,
		RateLimitWindow:    cfg.IntakeRateWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})
	return a, nil
}

func buildAuthority(cfg config.Config) auth.Authority {
	if cfg.JWTSecret != "" {
		return auth.NewJWTAuthority(cfg.JWTSecret)
	}
	return auth.NewRemoteAuthority(cfg.AuthBaseURL, auth.RemoteOptions{})
}

func (a *app) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	a.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("base_path", a.cfg.BasePath).
		Str("broker", redactDSN(a.cfg.BrokerURL)).
		Msg("relaylive listening")

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if shutdownErr := a.shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	a.logger.Info().Msg("relaylive stopped")
	return err
}

// shutdown lets detached page-event work finish, disconnects sockets, flushes
// cross-instance publishes and writes back changed replicas, in that order.
// Page-event work emits through the relay, so it must end before the relay
// stops accepting publishes.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.api.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain page events: %w", err))
	}
	if err := a.relay.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close relay: %w", err))
	}
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close collaboration hub: %w", err))
	}
	if err := a.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close adapter: %w", err))
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	a.stopWatch()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session store: %w", err))
	}
	return errors.Join(errs...)
}

func sweepInterval(idleTTL time.Duration) time.Duration {
	interval := idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// redactDSN drops credentials before a DSN is logged.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
