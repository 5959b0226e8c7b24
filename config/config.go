// Package config holds the tunables of a peerlink node. Values come from
// Default, an optional YAML file and PEERLINK_* environment variables, in
// that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"time"

	"github.com/opd-ai/peerlink/peer"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Peer is a node known at startup.
type Peer struct {
	ID      string `yaml:"id"`
	Nick    string `yaml:"nick,omitempty"`
	Address string `yaml:"address,omitempty"`
	Friend  bool   `yaml:"friend,omitempty"`
}

// Info converts the entry into node info.
func (p Peer) Info() peer.Info {
	return peer.Info{ID: peer.ID(p.ID), Nick: p.Nick, ConnectAddress: p.Address}
}

// Config holds every tunable of a node.
type Config struct {
	NodeID           string `yaml:"node_id"`
	Nick             string `yaml:"nick"`
	ProtocolVersion  uint32 `yaml:"protocol_version"`
	Supernode        bool   `yaml:"supernode"`
	TCPListen        string `yaml:"tcp_listen"`
	QUICListen       string `yaml:"quic_listen"`
	AdvertiseAddress string `yaml:"advertise_address"`

	// LANCIDRs are additional networks treated as local.
	LANCIDRs []string `yaml:"lan_cidrs"`

	DialTimeout                 time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout            time.Duration `yaml:"handshake_timeout"`
	IdentityReplyTimeout        time.Duration `yaml:"identity_reply_timeout"`
	RelayedIdentityReplyTimeout time.Duration `yaml:"relayed_identity_reply_timeout"`
	RelayAckTimeout             time.Duration `yaml:"relay_ack_timeout"`
	KeepAliveTimeout            time.Duration `yaml:"keep_alive_timeout"`

	SendQueueWarn int `yaml:"send_queue_warn"`
	SendQueueMax  int `yaml:"send_queue_max"`

	ReconnectMinWorkers     int           `yaml:"reconnect_min_workers"`
	ReconnectMaxWorkers     int           `yaml:"reconnect_max_workers"`
	ReconnectAttemptBudget  time.Duration `yaml:"reconnect_attempt_budget"`
	ReconnectResizeInterval time.Duration `yaml:"reconnect_resize_interval"`
	ReconnectIdleWait       time.Duration `yaml:"reconnect_idle_wait"`
	MaxNodeOfflineTime      time.Duration `yaml:"max_node_offline_time"`
	SupernodesToConnect     int           `yaml:"supernodes_to_connect"`

	RelayConnectInterval   time.Duration `yaml:"relay_connect_interval"`
	RelayNamePattern       string        `yaml:"relay_name_pattern"`
	UseRelayedConnections  bool          `yaml:"use_relayed_connections"`
	UseDatagramConnections bool          `yaml:"use_datagram_connections"`

	Peers []Peer `yaml:"peers"`
}

// Default returns the production configuration.
//
// Default Value Rationale:
//   - HandshakeTimeout, IdentityReplyTimeout: 60s - slow links and busy peers still finish the handshake
//   - RelayedIdentityReplyTimeout: 20s - a circuit already proved both ends reachable
//   - KeepAliveTimeout: 2m - pings go out every 40s, three missed pings close the session
//   - SendQueueWarn/SendQueueMax: 50/2000 - a peer 2000 messages behind is not keeping up
//   - ReconnectMinWorkers/ReconnectMaxWorkers: 2/5 - bounded outbound connect rate
//   - MaxNodeOfflineTime: 10h - nodes silent for longer are not worth a connect attempt
//   - UseDatagramConnections: false - QUIC needs the remote to listen on UDP as well
func Default() Config {
	return Config{
		ProtocolVersion:             1,
		TCPListen:                   ":1337",
		DialTimeout:                 30 * time.Second,
		HandshakeTimeout:            60 * time.Second,
		IdentityReplyTimeout:        60 * time.Second,
		RelayedIdentityReplyTimeout: 20 * time.Second,
		RelayAckTimeout:             60 * time.Second,
		KeepAliveTimeout:            2 * time.Minute,
		SendQueueWarn:               50,
		SendQueueMax:                2000,
		ReconnectMinWorkers:         2,
		ReconnectMaxWorkers:         5,
		ReconnectAttemptBudget:      10 * time.Second,
		ReconnectResizeInterval:     2 * time.Minute,
		ReconnectIdleWait:           2 * time.Minute,
		MaxNodeOfflineTime:          10 * time.Hour,
		SupernodesToConnect:         3,
		RelayConnectInterval:        20 * time.Second,
		RelayNamePattern:            "^relay",
		UseRelayedConnections:       true,
		UseDatagramConnections:      false,
	}
}

// Load returns Default overlaid with the YAML file at path (if path is not
// empty) and the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that still overlay their own
// settings (command line flags) before validating.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(data); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnvironment(&cfg)
	return cfg, nil
}

// Decode overlays the YAML document data onto c. Unknown keys are an error.
func (c *Config) Decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.NodeID == "" {
		errs = multierr.Append(errs, errors.New("node_id is required"))
	}
	if c.TCPListen == "" && c.QUICListen == "" {
		errs = multierr.Append(errs, errors.New("at least one of tcp_listen and quic_listen is required"))
	}
	for name, addr := range map[string]string{"tcp_listen": c.TCPListen, "quic_listen": c.QUICListen, "advertise_address": c.AdvertiseAddress} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, cidr := range c.LANCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("lan_cidrs: %w", err))
		}
	}

	positive("dial_timeout", c.DialTimeout)
	positive("handshake_timeout", c.HandshakeTimeout)
	positive("identity_reply_timeout", c.IdentityReplyTimeout)
	positive("relayed_identity_reply_timeout", c.RelayedIdentityReplyTimeout)
	positive("relay_ack_timeout", c.RelayAckTimeout)
	positive("keep_alive_timeout", c.KeepAliveTimeout)
	positive("reconnect_attempt_budget", c.ReconnectAttemptBudget)
	positive("reconnect_resize_interval", c.ReconnectResizeInterval)
	positive("reconnect_idle_wait", c.ReconnectIdleWait)
	positive("max_node_offline_time", c.MaxNodeOfflineTime)
	positive("relay_connect_interval", c.RelayConnectInterval)

	if c.SendQueueWarn <= 0 || c.SendQueueMax <= c.SendQueueWarn {
		errs = multierr.Append(errs, fmt.Errorf("send queue thresholds must satisfy 0 < warn < max, got %d/%d", c.SendQueueWarn, c.SendQueueMax))
	}
	if c.ReconnectMinWorkers < 1 || c.ReconnectMaxWorkers < c.ReconnectMinWorkers {
		errs = multierr.Append(errs, fmt.Errorf("reconnect workers must satisfy 1 <= min <= max, got %d/%d", c.ReconnectMinWorkers, c.ReconnectMaxWorkers))
	}
	if c.SupernodesToConnect < 0 {
		errs = multierr.Append(errs, fmt.Errorf("supernodes_to_connect must not be negative, got %d", c.SupernodesToConnect))
	}
	if _, err := regexp.Compile(c.RelayNamePattern); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("relay_name_pattern: %w", err))
	}
	for i, p := range c.Peers {
		if p.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("peers[%d]: id is required", i))
		}
	}
	return errs
}
