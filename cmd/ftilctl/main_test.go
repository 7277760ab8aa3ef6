package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/etienne-leroy/FTILlite/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestClientsRejectsMemoryTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport = config.TransportMemory
	cfg.Nodes = []config.NodeConfig{{ID: 0, Name: "coordinator"}}
	_, err := clients(cfg, nil, nil)
	require.ErrorContains(t, err, "cannot reach remote nodes")
}

func TestClientsPerNode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Nodes = []config.NodeConfig{
		{ID: 0, Name: "coordinator", Addr: "http://localhost:8080"},
		{ID: 1, Name: "bank1", Addr: "http://localhost:8081"},
	}
	cs, err := clients(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	for _, c := range cs {
		require.NoError(t, c.Close())
	}
}

func TestPrintHits(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	printHits(cmd, map[string][]int64{"bank2": {}, "bank1": {4, 2000}})
	require.Equal(t, "bank1: 2 accounts\n  4 2000\nbank2: 0 accounts\n", buf.String())
}

func TestSavesListWithoutNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	yaml := "coordinator: 0\ntransport: amqp\ndata_dir: " + dir + "\nnodes:\n  - id: 0\n    name: coordinator\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "saves", "list"})
	require.NoError(t, root.Execute())
	require.Empty(t, out.String())
}

func TestTagsValidatesFlags(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", "unused.yaml", "tags", "--op", "xor", "-q", "SELECT 1, 1"})
	err := root.Execute()
	require.ErrorContains(t, err, "invalid argument")
}

func TestTagsValidatesMinHits(t *testing.T) {
	for _, hits := range []string{"0", "3"} {
		root := newRootCommand()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs([]string{"--config", "unused.yaml", "tags", "--op", "at-least", "--min-hits", hits,
			"-q", "SELECT account, a FROM flags", "-q", "SELECT account, b FROM flags"})
		err := root.Execute()
		require.ErrorContains(t, err, "invalid argument "+hits+" for --min-hits")
	}
}
