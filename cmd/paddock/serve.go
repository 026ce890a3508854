package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/capacity"
	"github.com/fleetgrid/paddock/pkg/config"
	"github.com/fleetgrid/paddock/pkg/enroll"
	"github.com/fleetgrid/paddock/pkg/events"
	"github.com/fleetgrid/paddock/pkg/health"
	"github.com/fleetgrid/paddock/pkg/log"
	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/node"
	"github.com/fleetgrid/paddock/pkg/security"
	"github.com/fleetgrid/paddock/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the paddock control plane",
	Long: `Start the control plane: open the fleet store, initialize the
certificate authority (generating a root on first run), and run the
event relay, the stale-node sweep and the reservation expiry sweep
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

// app holds the wired control-plane services. The RPC layer that fronts
// them is deployed separately and embeds these handles.
type app struct {
	store        storage.Store
	ca           *security.CertAuthority
	tokens       *enroll.TokenService
	enrollment   *enroll.Service
	heartbeats   *health.HeartbeatService
	reservations *capacity.ReservationService
	nodes        *node.Service
	broker       *events.Broker
	relay        *events.OutboxRelay
	metrics      *metrics.PromSink
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.Format == "json",
	})
	logger := log.WithComponent("serve")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	a.broker.Start()
	defer a.broker.Stop()

	go a.relay.Run(ctx)
	go runSweep(ctx, cfg.Health.SweepInterval, "stale node sweep", func() (int, error) {
		return a.heartbeats.CheckStaleNodes(ctx)
	})
	go runSweep(ctx, cfg.Reservations.SweepInterval, "reservation expiry sweep", func() (int, error) {
		return a.reservations.ExpireStale(ctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.Server.DataDir).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Msg("control plane running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("shutting down after server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	clock := clockwork.NewRealClock()

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	caStorage, err := security.NewFileCAStorage(filepath.Join(cfg.Server.DataDir, "ca"), cfg.CA.KeyPassphrase)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open CA storage: %w", err)
	}
	ca := security.NewCertAuthority(security.Config{
		KeyBits:       cfg.CA.KeyBits,
		ValidityYears: cfg.CA.ValidityYears,
		TrustDomain:   cfg.CA.TrustDomain,
		Organization:  cfg.CA.Organization,
	}, caStorage, clock, log.WithComponent("ca"))
	if err := ca.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize certificate authority: %w", err)
	}

	auditSink := audit.NewLogSink(log.WithComponent("audit"))
	promSink := metrics.NewPromSink()
	broker := events.NewBroker()
	relay := events.NewOutboxRelay(store, broker, time.Second, log.WithComponent("outbox"))

	tokens := enroll.NewTokenService(store, clock, log.WithComponent("tokens"), auditSink, cfg.Tokens.MaxValidity)
	enrollment := enroll.NewService(store, ca, tokens, clock, log.WithComponent("enroll"), auditSink, promSink)

	scorer := health.NewScorer(health.ScoringConfig{
		HealthyThreshold:  cfg.Health.HealthyThreshold,
		DegradedThreshold: cfg.Health.DegradedThreshold,
		TrendMargin:       cfg.Health.TrendMargin,
		IssuePenalty:      cfg.Health.IssuePenalty,
	})
	heartbeats := health.NewHeartbeatService(store, scorer, clock, log.WithComponent("health"), promSink, cfg.Health.StaleAfter)

	reservations := capacity.NewReservationService(store, clock, log.WithComponent("capacity"), auditSink, promSink,
		cfg.Reservations.DefaultTTL, cfg.Reservations.MaxTTL)
	nodes := node.NewService(store, clock, log.WithComponent("node"), auditSink, cfg.Health.StaleAfter)

	return &app{
		store:        store,
		ca:           ca,
		tokens:       tokens,
		enrollment:   enrollment,
		heartbeats:   heartbeats,
		reservations: reservations,
		nodes:        nodes,
		broker:       broker,
		relay:        relay,
		metrics:      promSink,
	}, nil
}

func runSweep(ctx context.Context, interval time.Duration, name string, sweep func() (int, error)) {
	logger := log.WithComponent("sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweep(); err != nil {
				logger.Error().Err(err).Str("sweep", name).Msg("sweep failed")
			}
		}
	}
}
