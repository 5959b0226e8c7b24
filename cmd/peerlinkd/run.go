package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/opd-ai/peerlink"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
)

type runFlags struct {
	configPath  string
	tcp         string
	quic        string
	id          string
	nick        string
	peers       []string
	friends     []string
	relay       bool
	metricsAddr string
	logLevel    string
}

func newRunCommand() *cobra.Command {
	return runCommand(&runFlags{})
}

func runCommand(f *runFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fl.StringVar(&f.tcp, "tcp", "", "TCP listen address (host:port)")
	fl.StringVar(&f.quic, "quic", "", "QUIC listen address (host:port), enables datagram connections")
	fl.StringVar(&f.id, "id", "", "node id (default: random)")
	fl.StringVar(&f.nick, "nick", "", "node nickname")
	fl.StringArrayVar(&f.peers, "peer", nil, "known peer as id@host:port (repeatable)")
	fl.StringArrayVar(&f.friends, "friend", nil, "id of a known peer to treat as friend (repeatable)")
	fl.BoolVar(&f.relay, "relay", true, "allow relayed connections")
	fl.StringVar(&f.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run(cmd *cobra.Command, f *runFlags) error {
	level, err := logrus.ParseLevel(f.logLevel)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logrus.SetLevel(level)

	cfg, err := buildConfig(cmd, f)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := peerlink.New(cfg,
		peerlink.WithRegisterer(reg),
		peerlink.WithMessageHandler(logMessage),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if f.metricsAddr != "" {
		srv = serveMetrics(f.metricsAddr, reg)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "node %s listening, advertising %s\n", node.ID(), node.Addr())
	<-ctx.Done()

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"stats":    fmt.Sprintf("%+v", node.Stats()),
	}).Info("Shutting down")

	var errs error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		cancel()
	}
	return multierr.Append(errs, node.Stop())
}

// buildConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func buildConfig(cmd *cobra.Command, f *runFlags) (config.Config, error) {
	cfg, err := config.Read(f.configPath)
	if err != nil {
		return cfg, err
	}

	fl := cmd.Flags()
	if fl.Changed("tcp") {
		cfg.TCPListen = f.tcp
	}
	if fl.Changed("quic") {
		cfg.QUICListen = f.quic
		cfg.UseDatagramConnections = f.quic != ""
	}
	if fl.Changed("id") {
		cfg.NodeID = f.id
	}
	if fl.Changed("nick") {
		cfg.Nick = f.nick
	}
	if fl.Changed("relay") {
		cfg.UseRelayedConnections = f.relay
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Nick == "" {
		cfg.Nick = peer.ID(cfg.NodeID).Short()
	}

	for _, s := range f.peers {
		p, err := parsePeer(s)
		if err != nil {
			return cfg, err
		}
		cfg.Peers = append(cfg.Peers, p)
	}
	for _, id := range f.friends {
		if !markFriend(cfg.Peers, id) {
			return cfg, fmt.Errorf("--friend %s: not a known peer", id)
		}
	}
	return cfg, cfg.Validate()
}

// parsePeer parses id@host:port.
func parsePeer(s string) (config.Peer, error) {
	id, addr, ok := strings.Cut(s, "@")
	if !ok || id == "" || addr == "" {
		return config.Peer{}, fmt.Errorf("--peer %q: expected id@host:port", s)
	}
	return config.Peer{ID: id, Address: addr}, nil
}

func markFriend(peers []config.Peer, id string) bool {
	found := false
	for i := range peers {
		if peers[i].ID == id {
			peers[i].Friend = true
			found = true
		}
	}
	return found
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv
}

func logMessage(from peer.ID, msg message.Message) {
	logrus.WithFields(logrus.Fields{
		"function": "logMessage",
		"peer":     from.Short(),
		"type":     msg.Type().String(),
	}).Debug("Message received")
}
