// Package cli provides the cobra commands of the bagplayctl tool: play a bag,
// inspect its metadata and subscribe to a remote playback broker.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bootstrap"
	tracing "github.com/Ayrton2718/rosbag-rviz-panel/pkg/observability/tracing"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/player"
	psgrpc "github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/grpc"
	tlsx "github.com/Ayrton2718/rosbag-rviz-panel/pkg/security/tlsconfig"
)

// AddAll attaches the playback subcommands (play/info/sub) to the provided
// root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewPlayCmd())
	root.AddCommand(NewInfoCmd())
	root.AddCommand(NewSubCmd())
}

// NewPlaybackCommand returns a parent command "playback" containing
// play/info/sub as subcommands, for embedding in larger tools.
func NewPlaybackCommand() *cobra.Command {
	parent := &cobra.Command{Use: "playback", Short: "bag playback commands"}
	parent.AddCommand(NewPlayCmd())
	parent.AddCommand(NewInfoCmd())
	parent.AddCommand(NewSubCmd())
	return parent
}

// NewPlayCmd returns the "play" command used to replay a bag.
func NewPlayCmd() *cobra.Command {
	var (
		bagURI, brokerKind, brokerAddr, clockTopic, metricsAddr, profile string
		speed                                                            float64
		qosDepth                                                         int
		startOff, endOff                                                 time.Duration
		backward, paused, traceEnable                                    bool
		tlsEnable                                                        bool
		tlsCA, tlsCert, tlsKey                                           string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Replay a bag on its original topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg, err := bootstrap.FromEnv()
			if err != nil {
				return err
			}
			if profile != "" {
				if err := bootstrap.LoadProfile(profile, &cfg); err != nil {
					return err
				}
			}
			if bagURI != "" {
				cfg.Bag = bagURI
			}
			if cfg.Bag == "" {
				return fmt.Errorf("missing --bag")
			}
			if cmd.Flags().Changed("broker") {
				cfg.Broker = brokerKind
			}
			if cmd.Flags().Changed("broker-addr") {
				cfg.BrokerAddr = brokerAddr
			}
			if cmd.Flags().Changed("clock-topic") {
				cfg.ClockTopic = clockTopic
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("speed") {
				cfg.Speed = speed
			}
			if cmd.Flags().Changed("qos-depth") {
				cfg.QoSDepth = qosDepth
			}
			if tlsEnable {
				cfg.TLSEnable = true
				cfg.TLSCA = tlsCA
				cfg.TLSCert = tlsCert
				cfg.TLSKey = tlsKey
			}
			cfg.Logger = log.Default()

			app, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			p := app.Player
			st := p.Status()
			if startOff > 0 {
				if err := p.SetRangeStart(st.Start + bag.Time(startOff)); err != nil {
					return err
				}
			}
			if endOff > 0 {
				if err := p.SetRangeEnd(st.Start + bag.Time(endOff)); err != nil {
					return err
				}
			}
			if backward {
				if err := p.SetDirection(player.Backward); err != nil {
					return err
				}
				if err := p.GotoEnd(); err != nil {
					return err
				}
			}

			events := p.Subscribe(ctx)
			if !paused {
				if err := p.Play(); err != nil {
					return err
				}
			} else {
				fmt.Println("loaded, paused. Press Ctrl+C to exit.")
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					switch ev.Type {
					case player.EventPosition:
						fmt.Printf("\r%s  %3d%%  t=%.2fs", ev.DateLabel, ev.Progress, ev.ElapsedSeconds)
					case player.EventStatus:
						fmt.Printf("\n%s\n", ev.Status)
					case player.EventFinished:
						fmt.Println("\ndone")
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&bagURI, "bag", "", "bag URI: sqlite3 path or mem://name (required)")
	cmd.Flags().StringVar(&brokerKind, "broker", "local", "publishing transport: local|grpc")
	cmd.Flags().StringVar(&brokerAddr, "broker-addr", ":17950", "gRPC broker bind address")
	cmd.Flags().StringVar(&clockTopic, "clock-topic", player.DefaultClockTopic, "simulated-time topic")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&profile, "profile", "", "YAML profile file overlaying env config")
	cmd.Flags().Float64Var(&speed, "speed", 1.0, "playback speed multiplier (> 0)")
	cmd.Flags().IntVar(&qosDepth, "qos-depth", 0, "per-subscriber buffer depth (0 = default)")
	cmd.Flags().DurationVar(&startOff, "start", 0, "trim: offset from bag start to begin at")
	cmd.Flags().DurationVar(&endOff, "end", 0, "trim: offset from bag start to end at")
	cmd.Flags().BoolVar(&backward, "backward", false, "play the range in reverse from its end")
	cmd.Flags().BoolVar(&paused, "paused", false, "load without starting playback")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS on the broker endpoint")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to server certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to server private key (PEM)")
	return cmd
}

// NewInfoCmd returns the "info" command printing bag metadata as JSON.
func NewInfoCmd() *cobra.Command {
	var bagURI string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print bag metadata as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bagURI == "" {
				return fmt.Errorf("missing --bag")
			}
			r, err := bootstrap.Opener()(bagURI)
			if err != nil {
				return err
			}
			defer r.Close()
			md := r.Metadata()
			out := struct {
				URI       string          `json:"uri"`
				Start     bag.Time        `json:"start"`
				End       bag.Time        `json:"end"`
				Duration  string          `json:"duration"`
				SizeBytes uint64          `json:"sizeBytes"`
				Size      string          `json:"size"`
				Topics    []bag.TopicInfo `json:"topics"`
			}{bagURI, md.Start, md.End, md.Duration().String(), md.SizeBytes, player.FormatSize(md.SizeBytes), md.Topics}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&bagURI, "bag", "", "bag URI: sqlite3 path or mem://name (required)")
	return cmd
}

// NewSubCmd returns the "sub" command attaching to a remote playback broker.
func NewSubCmd() *cobra.Command {
	var (
		addr, topicsCSV                       string
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "sub",
		Short: "Subscribe to a playback broker and print streamed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := psgrpc.NewClient(timeout)
			if tlsEnable {
				topts := tlsx.Options{
					Enable:             true,
					CAFile:             tlsCA,
					CertFile:           tlsCert,
					KeyFile:            tlsKey,
					ServerName:         tlsServerName,
					InsecureSkipVerify: tlsSkip,
				}
				cliTLS, err := topts.Client()
				if err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
				client.UseTLS(cliTLS)
			}

			err := client.Subscribe(ctx, addr, splitCSV(topicsCSV), func(topic string, data []byte) {
				fmt.Printf("%s  %d bytes\n", topic, len(data))
			})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17950", "broker address (host:port)")
	cmd.Flags().StringVar(&topicsCSV, "topics", "", "comma-separated topic filter (empty = all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "dial timeout")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS towards the broker")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
