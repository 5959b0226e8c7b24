package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 20*time.Second, cfg.RelayedIdentityReplyTimeout)
	assert.Equal(t, 2*time.Minute, cfg.KeepAliveTimeout)
	assert.Equal(t, 50, cfg.SendQueueWarn)
	assert.Equal(t, 2000, cfg.SendQueueMax)

	assert.Error(t, cfg.Validate(), "node id is required")
	cfg.NodeID = "node-a"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlink.yaml")
	doc := `
node_id: node-a
nick: alice
tcp_listen: 127.0.0.1:4000
handshake_timeout: 45s
send_queue_max: 500
lan_cidrs: [100.64.0.0/10]
peers:
  - id: node-b
    address: 10.0.0.2:4000
    friend: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "127.0.0.1:4000", cfg.TCPListen)
	assert.Equal(t, 45*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 500, cfg.SendQueueMax)
	assert.Equal(t, 60*time.Second, cfg.IdentityReplyTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"100.64.0.0/10"}, cfg.LANCIDRs)
	require.Len(t, cfg.Peers, 1)
	assert.True(t, cfg.Peers[0].Friend)
	assert.Equal(t, "10.0.0.2:4000", cfg.Peers[0].Info().ConnectAddress)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: a\nhandshake_timout: 1s\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("PEERLINK_NODE_ID", "node-env")
	t.Setenv("PEERLINK_HANDSHAKE_TIMEOUT", "15s")
	t.Setenv("PEERLINK_KEEP_ALIVE_TIMEOUT", "90000")
	t.Setenv("PEERLINK_SEND_QUEUE_WARN", "80")
	t.Setenv("PEERLINK_USE_DATAGRAM_CONNECTIONS", "true")
	t.Setenv("PEERLINK_LAN_CIDRS", "10.1.0.0/16, 10.2.0.0/16")

	t.Setenv("PEERLINK_RELAY_ACK_TIMEOUT", "soon")
	t.Setenv("PEERLINK_SEND_QUEUE_MAX", "-5")
	t.Setenv("PEERLINK_DIAL_TIMEOUT", "48h")
	t.Setenv("PEERLINK_USE_RELAYED_CONNECTIONS", "maybe")

	cfg := Default()
	ApplyEnvironment(&cfg)

	assert.Equal(t, "node-env", cfg.NodeID)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 90*time.Second, cfg.KeepAliveTimeout)
	assert.Equal(t, 80, cfg.SendQueueWarn)
	assert.True(t, cfg.UseDatagramConnections)
	assert.Equal(t, []string{"10.1.0.0/16", "10.2.0.0/16"}, cfg.LANCIDRs)

	def := Default()
	assert.Equal(t, def.RelayAckTimeout, cfg.RelayAckTimeout)
	assert.Equal(t, def.SendQueueMax, cfg.SendQueueMax)
	assert.Equal(t, def.DialTimeout, cfg.DialTimeout)
	assert.Equal(t, def.UseRelayedConnections, cfg.UseRelayedConnections)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "node-a"
	cfg.TCPListen = "no-port"
	cfg.SendQueueMax = 10
	cfg.ReconnectMinWorkers = 0
	cfg.RelayNamePattern = "(["
	cfg.LANCIDRs = []string{"10.0.0.0/33"}
	cfg.KeepAliveTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 6)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "node-a"
	cfg.LANCIDRs = []string{"10.9.0.0/16"}
	cfg.Peers = []Peer{{ID: "node-b", Friend: true}}

	data, err := cfg.Marshal()
	require.NoError(t, err)

	var back Config
	require.NoError(t, back.Decode(data))
	assert.Equal(t, cfg, back)
}
