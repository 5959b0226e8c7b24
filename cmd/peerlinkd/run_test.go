package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerlink/config"
)

func TestParsePeer(t *testing.T) {
	p, err := parsePeer("node-2@10.0.0.2:1337")
	require.NoError(t, err)
	assert.Equal(t, config.Peer{ID: "node-2", Address: "10.0.0.2:1337"}, p)

	for _, bad := range []string{"", "node-2", "@10.0.0.2:1337", "node-2@"} {
		_, err := parsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\nnick: filenick\ntcp_listen: \":2000\"\n"), 0o600))

	f := &runFlags{}
	cmd := runCommand(f)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--config", path,
		"--nick", "flagnick",
		"--peer", "b@10.0.0.2:1337",
		"--peer", "c@10.0.0.3:1337",
		"--friend", "c",
		"--relay=false",
	}))

	cfg, err := buildConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.NodeID)
	assert.Equal(t, "flagnick", cfg.Nick)
	assert.Equal(t, ":2000", cfg.TCPListen)
	assert.False(t, cfg.UseRelayedConnections)
	require.Len(t, cfg.Peers, 2)
	assert.False(t, cfg.Peers[0].Friend)
	assert.True(t, cfg.Peers[1].Friend)
}

func TestBuildConfig_GeneratesNodeID(t *testing.T) {
	f := &runFlags{}
	cmd := runCommand(f)
	require.NoError(t, cmd.Flags().Parse(nil))

	cfg, err := buildConfig(cmd, f)
	require.NoError(t, err)
	assert.Len(t, cfg.NodeID, 36)
	assert.NotEmpty(t, cfg.Nick)
}

func TestBuildConfig_UnknownFriend(t *testing.T) {
	f := &runFlags{}
	cmd := runCommand(f)
	require.NoError(t, cmd.Flags().Parse([]string{"--id", "a", "--friend", "zz"}))

	_, err := buildConfig(cmd, f)
	assert.ErrorContains(t, err, "not a known peer")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "peerlinkd dev")
}
