package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sample = `
coordinator: 0
transport: amqp
privacy:
  epsilon: 0.5
nodes:
  - id: 0
    name: coordinator
  - id: 1
    name: bank1
  - id: 2
    name: bank2
postgres:
  host: db
  port: 5432
  user: ftil
  database: bank1
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, TransportAMQP, cfg.Transport)
	require.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	require.Equal(t, 0.5, cfg.Privacy.Epsilon)
	require.Equal(t, 0.001, cfg.Privacy.Delta)
	require.NotNil(t, cfg.Postgres)
	require.Equal(t, "db", cfg.Postgres.Host)

	want := []protocol.Node{{ID: 0, Name: "coordinator"}, {ID: 1, Name: "bank1"}, {ID: 2, Name: "bank2"}}
	if diff := cmp.Diff(want, cfg.NodeSet().Nodes()); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, protocol.Node{ID: 0, Name: "coordinator"}, cfg.CoordinatorNode())
}

func TestValidate(t *testing.T) {
	base := func() *NetworkConfig {
		cfg, err := Parse([]byte(sample))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*NetworkConfig)
		errMsg string
	}{
		{"no nodes", func(c *NetworkConfig) { c.Nodes = nil }, "at least one node"},
		{"duplicate id", func(c *NetworkConfig) { c.Nodes[2].ID = 1 }, "duplicate node id 1"},
		{"duplicate name", func(c *NetworkConfig) { c.Nodes[2].Name = "bank1" }, "duplicate node name"},
		{"unknown coordinator", func(c *NetworkConfig) { c.Coordinator = 7 }, "coordinator 7"},
		{"http needs addrs", func(c *NetworkConfig) { c.Transport = TransportHTTP }, "needs an addr"},
		{"unknown transport", func(c *NetworkConfig) { c.Transport = "pigeon" }, "unknown transport"},
		{"bad delta", func(c *NetworkConfig) { c.Privacy.Delta = 1 }, "invalid privacy"},
		{"no retries", func(c *NetworkConfig) { c.RetryAttempts = 0 }, "retry_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("nodes: ["))
	require.Error(t, err)
}
