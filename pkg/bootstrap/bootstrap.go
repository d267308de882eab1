// Package bootstrap assembles a ready-to-run playback application from
// high-level configuration: it picks the bag backend, the broker transport
// and the observability endpoints, then wires them into a player.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	bagmem "github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag/memory"
	bagsqlite "github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag/sqlite"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/internal/logutil"
	obsmetrics "github.com/Ayrton2718/rosbag-rviz-panel/pkg/observability/metrics"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/player"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
	psgrpc "github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/grpc"
	pslocal "github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/local"
	tlsx "github.com/Ayrton2718/rosbag-rviz-panel/pkg/security/tlsconfig"
)

// Config defines the high-level inputs to assemble a playback application
// with sensible defaults. Values can come from flags, the environment
// (BAGPLAY_* variables) or a YAML profile.
type Config struct {
	// Bag is the URI of the bag to load at startup (optional; bags can also
	// be loaded later through the player). "mem://name" addresses a
	// registered in-memory bag, anything else is a sqlite3 bag path.
	Bag string `env:"BAGPLAY_BAG" yaml:"bag"`

	// Broker selects the publishing transport: "local" (default, in-process
	// fan-out) or "grpc" (streaming endpoint on BrokerAddr).
	Broker string `env:"BAGPLAY_BROKER" yaml:"broker"`
	// BrokerAddr is the bind address of the gRPC broker.
	BrokerAddr string `env:"BAGPLAY_BROKER_ADDR" yaml:"brokerAddr"`

	// ClockTopic overrides the simulated-time topic.
	ClockTopic string `env:"BAGPLAY_CLOCK_TOPIC" yaml:"clockTopic"`
	// Speed is the initial playback speed multiplier.
	Speed float64 `env:"BAGPLAY_SPEED" yaml:"speed"`
	// QoSDepth bounds per-subscriber buffering on created senders.
	QoSDepth int `env:"BAGPLAY_QOS_DEPTH" yaml:"qosDepth"`
	// Reliable requests confirmed delivery where the transport supports it.
	Reliable bool `env:"BAGPLAY_QOS_RELIABLE" yaml:"reliable"`

	// MetricsAddr serves Prometheus metrics on /metrics when non-empty.
	MetricsAddr string `env:"BAGPLAY_METRICS_ADDR" yaml:"metricsAddr"`

	// TLS (optional) for the gRPC broker endpoint.
	TLSEnable     bool   `env:"BAGPLAY_TLS_ENABLE" yaml:"tlsEnable"`
	TLSCA         string `env:"BAGPLAY_TLS_CA" yaml:"tlsCA"`
	TLSCert       string `env:"BAGPLAY_TLS_CERT" yaml:"tlsCert"`
	TLSKey        string `env:"BAGPLAY_TLS_KEY" yaml:"tlsKey"`
	TLSServerName string `env:"BAGPLAY_TLS_SERVER_NAME" yaml:"tlsServerName"`
	TLSSkipVerify bool   `env:"BAGPLAY_TLS_SKIP_VERIFY" yaml:"tlsSkipVerify"`

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger `yaml:"-"`

	// Sink (optional) receives the player's outward notifications.
	Sink player.Sink `yaml:"-"`
}

// FromEnv returns a Config populated from BAGPLAY_* environment variables on
// top of defaults.
func FromEnv() (Config, error) {
	cfg := Config{Broker: "local", Speed: 1.0}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("bootstrap: parse env: %w", err)
	}
	return cfg, nil
}

// LoadProfile overlays a YAML profile file onto cfg. Zero-valued fields in
// the file keep their current values.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bootstrap: read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("bootstrap: parse profile %s: %w", path, err)
	}
	return nil
}

// App is an assembled playback application: the player, its broker and the
// optional observability endpoints, with a single lifecycle.
type App struct {
	Config Config
	Player *player.Player
	Broker pubsub.Broker

	logger     *log.Logger
	grpcBroker *psgrpc.Server
	metricsSrv *http.Server
}

// Build assembles an App from Config without starting anything.
func Build(cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}

	var broker pubsub.Broker
	var grpcBroker *psgrpc.Server
	switch cfg.Broker {
	case "", "local":
		broker = pslocal.New()
	case "grpc":
		srv := psgrpc.NewServer(cfg.BrokerAddr)
		if cfg.TLSEnable {
			topts := tlsx.Options{
				Enable:   true,
				CAFile:   cfg.TLSCA,
				CertFile: cfg.TLSCert,
				KeyFile:  cfg.TLSKey,
			}
			srvTLS, err := topts.Server()
			if err != nil {
				return nil, fmt.Errorf("bootstrap: tls server config: %w", err)
			}
			srv.UseTLS(srvTLS)
		}
		broker = srv
		grpcBroker = srv
	default:
		return nil, fmt.Errorf("bootstrap: unknown broker kind %q", cfg.Broker)
	}

	p, err := player.New(player.Options{
		Open:       Opener(),
		Broker:     broker,
		QoS:        pubsub.QoS{Depth: cfg.QoSDepth, Reliable: cfg.Reliable},
		ClockTopic: cfg.ClockTopic,
		Sink:       cfg.Sink,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Speed != 1.0 {
		if err := p.SetSpeed(cfg.Speed); err != nil {
			return nil, err
		}
	}

	return &App{
		Config:     cfg,
		Player:     p,
		Broker:     broker,
		logger:     cfg.Logger,
		grpcBroker: grpcBroker,
	}, nil
}

// Start brings up the broker endpoint and metrics server, then loads the
// configured bag (when one is set). The ctx bounds the broker's lifetime.
func (a *App) Start(ctx context.Context) error {
	obsmetrics.Register()

	if a.grpcBroker != nil {
		if err := a.grpcBroker.Start(ctx); err != nil {
			return fmt.Errorf("bootstrap: broker listen: %w", err)
		}
		logutil.Infof(a.logger, "broker streaming on %s", a.grpcBroker.Addr())
	}

	if a.Config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{
			Addr:              a.Config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logutil.Errorf(a.logger, "metrics server: %v", err)
			}
		}()
		logutil.Infof(a.logger, "metrics on http://%s/metrics", a.Config.MetricsAddr)
	}

	if a.Config.Bag != "" {
		if err := a.Player.Load(a.Config.Bag); err != nil {
			return err
		}
	}
	return nil
}

// Run builds and starts an App. The caller owns Close.
func Run(ctx context.Context, cfg Config) (*App, error) {
	app, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close stops playback, releases the bag and shuts down the endpoints.
func (a *App) Close() error {
	err := a.Player.Close()
	if a.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(sctx)
		cancel()
	}
	if cerr := a.Broker.Close(); err == nil {
		err = cerr
	}
	return err
}

// ClientTLS derives a subscriber-side tls.Config from the Config's TLS
// fields, or nil when TLS is disabled.
func (c Config) ClientTLS() (*tls.Config, error) {
	topts := tlsx.Options{
		Enable:             c.TLSEnable,
		CAFile:             c.TLSCA,
		CertFile:           c.TLSCert,
		KeyFile:            c.TLSKey,
		ServerName:         c.TLSServerName,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
	return topts.Client()
}

// Opener returns the URI-dispatching bag opener: "mem://name" resolves
// registered in-memory bags, everything else opens a sqlite3 bag on disk.
func Opener() bag.Opener {
	return func(uri string) (bag.Reader, error) {
		if name, ok := strings.CutPrefix(uri, "mem://"); ok {
			return bagmem.Open(name)
		}
		return bagsqlite.Open(uri)
	}
}
