package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drydockproject/drydock/pkg/config"
	"github.com/drydockproject/drydock/pkg/drain"
	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/gate"
	"github.com/drydockproject/drydock/pkg/ledger"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/notify"
	"github.com/drydockproject/drydock/pkg/observability"
	"github.com/drydockproject/drydock/pkg/probe"
	"github.com/drydockproject/drydock/pkg/provider"
	"github.com/drydockproject/drydock/pkg/provider/azure"
	"github.com/drydockproject/drydock/pkg/provider/docker"
	"github.com/drydockproject/drydock/pkg/provider/fake"
	"github.com/drydockproject/drydock/pkg/provider/gcp"
	"github.com/drydockproject/drydock/pkg/provider/lambda"
)

const defaultLambdaKeyEnv = "LAMBDA_API_KEY"

// app wires the pieces a subcommand needs from config and flags.
// Provider adapters are built separately because their constructors
// check credentials, and read-only commands must work without any.
type app struct {
	cfg       *config.Config
	fleetName string
	logger    *slog.Logger
	registry  *fleet.Registry
	prober    *probe.SSHProbe
	notifier  notify.Notifier
	policy    *gate.Policy
	sessionID string
	ledger    *ledger.Ledger
}

func newLogger() (*slog.Logger, error) {
	logger, err := observability.NewLogger(logLevel, logFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newApp(fleetName string) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	fleetCfg, err := cfg.Fleet(fleetName)
	if err != nil {
		return nil, err
	}

	policy, err := gate.CompilePolicy(cfg.Gate.Policy)
	if err != nil {
		return nil, fmt.Errorf("gate policy: %w", err)
	}

	registry := fleet.NewRegistry(fleet.RegistryConfig{
		Path:     fleetCfg.Inventory,
		Output:   fleetCfg.Output,
		Backends: cfg.BackendNames(),
		Logger:   logger,
	})

	notifiers := notify.Fanout{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Timeout: cfg.Notify.Timeout,
			Headers: cfg.Notify.Headers,
		}, logger))
	}

	return &app{
		cfg:       cfg,
		fleetName: fleetName,
		logger:    logger,
		registry:  registry,
		prober:    probe.New(cfg.SSH, logger),
		notifier:  notifiers,
		policy:    policy,
		sessionID: lifecycle.NewSessionID(),
	}, nil
}

// ledgerFile resolves the ledger path: flag beats config.
func (a *app) ledgerFile() string {
	if ledgerPath != "" {
		return ledgerPath
	}
	return a.cfg.Ledger.Path
}

// openLedger opens the ledger for writing. Commands that only read
// phases go through readLedgerView instead, so a running session's
// file handle is never contended.
func (a *app) openLedger() error {
	led, err := ledger.Open(ledger.Config{
		Path:      a.ledgerFile(),
		SessionID: a.sessionID,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.ledger = led
	return nil
}

func (a *app) Close() error {
	if a.ledger != nil {
		return a.ledger.Close()
	}
	return nil
}

// coordinator assembles the drain coordinator. Flag overrides win over
// per-fleet config, which wins over global config.
func (a *app) coordinator(providers *provider.Registry, metrics *observability.SessionMetrics, override config.DrainCfg) *drain.Coordinator {
	drainCfg := a.cfg.DrainFor(a.fleetName)
	if override.Interval > 0 {
		drainCfg.Interval = override.Interval
	}
	if override.Timeout > 0 {
		drainCfg.Timeout = override.Timeout
	}
	if override.Concurrency > 0 {
		drainCfg.Concurrency = override.Concurrency
	}

	g := gate.New(a.prober, a.ledger, gate.Config{
		SettleDelay: a.cfg.Gate.SettleDelay,
		Policy:      a.policy,
		Logger:      a.logger,
	})

	return drain.New(drain.Deps{
		Prober:    a.prober,
		Signaler:  a.prober,
		Ledger:    a.ledger,
		Gate:      g,
		Providers: providers,
		Notifier:  a.notifier,
		Metrics:   metrics,
	}, drain.Config{
		SessionID:   a.sessionID,
		Fleet:       a.fleetName,
		Interval:    drainCfg.Interval,
		Timeout:     drainCfg.Timeout,
		Concurrency: drainCfg.Concurrency,
		Logger:      a.logger,
	})
}

// buildProviders constructs every configured backend adapter. Constructors
// validate credentials, so this only runs for commands that will issue
// backend calls.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		adapter, err := buildAdapter(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		adapters = append(adapters, adapter)
	}
	return provider.NewRegistry(adapters...), nil
}

func buildAdapter(name string, pc config.ProviderCfg) (provider.Adapter, error) {
	// The registry keys adapters by their own Name(), which for real
	// backends is the type. A fake may carry any name so it can stand
	// in for a backend during rehearsals.
	if pc.Type != "fake" && name != pc.Type {
		return nil, fmt.Errorf("%s adapters must be named %q", pc.Type, pc.Type)
	}

	switch pc.Type {
	case "azure":
		return azure.New(azure.Config{
			SubscriptionID: pc.SubscriptionID,
			ResourceGroup:  pc.ResourceGroup,
			TenantID:       pc.TenantID,
			ClientID:       pc.ClientID,
			SecretEnv:      pc.SecretEnv,
		})
	case "gcp":
		return gcp.New(gcp.Config{
			Project: pc.Project,
			Zone:    pc.Zone,
		})
	case "lambda":
		keyEnv := pc.APIKeyEnv
		if keyEnv == "" {
			keyEnv = defaultLambdaKeyEnv
		}
		return lambda.New(lambda.Config{APIKey: os.Getenv(keyEnv)})
	case "docker":
		return docker.New(docker.Config{Label: pc.Label})
	case "fake":
		return fake.Named(name), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// serveMetrics exposes session metrics while a command runs. The returned
// shutdown func is always safe to call.
func serveMetrics(addr string, source observability.PhaseSource, logger *slog.Logger) (*observability.SessionMetrics, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	metrics := observability.NewSessionMetrics(source)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)
	srv, err := observability.Serve(addr, reg, logger)
	if err != nil {
		return nil, nil, err
	}
	return metrics, func() { srv.Close() }, nil
}
