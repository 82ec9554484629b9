package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tradesys/botkeeper/internal/supervisor"
)

const sampleYAML = `
status_file: /tmp/bot_status.json
alert:
  backend: none
bots:
  - kind: grid
    name: Grid Bot
    script: ./bots/grid.sh
    ipc_port: 8888
    config:
      sim:
        symbol: ETHUSDT
        tick_ms: 250
  - kind: scalp
    script: ./bots/scalp.sh
    ipc_port: 8889
  - kind: controller
    script: ./bots/controller.sh
    internal: true
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	require.Len(t, f.Bots, 3)
	assert.Equal(t, "/tmp/bot_status.json", f.StatusFile)
	assert.Equal(t, "none", f.Alert.Backend)

	grid, ok := f.Def("grid")
	require.True(t, ok)
	assert.Equal(t, "Grid Bot", grid.Name)
	assert.Equal(t, 8888, grid.IPCPort)
	assert.NotNil(t, grid.Config["sim"])

	ctl, ok := f.Def("controller")
	require.True(t, ok)
	assert.True(t, ctl.Internal)

	_, ok = f.Def("nope")
	assert.False(t, ok)
}

func TestLoadRejectsDuplicatePorts(t *testing.T) {
	_, err := Load(writeTemp(t, `
bots:
  - kind: a
    script: ./a.sh
    ipc_port: 9000
  - kind: b
    script: ./b.sh
    ipc_port: 9000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share ipc_port")
}

func TestLoadRejectsEmpty(t *testing.T) {
	_, err := Load(writeTemp(t, "bots: []\n"))
	require.Error(t, err)
}

func TestDescriptorsFeedRegistry(t *testing.T) {
	f, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	reg, err := supervisor.NewRegistry(f.Descriptors())
	require.NoError(t, err)
	assert.Equal(t, []supervisor.Kind{"grid", "scalp", "controller"}, reg.Kinds())
}

func TestRuntimeYAML(t *testing.T) {
	f, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)
	grid, _ := f.Def("grid")

	raw, err := RuntimeYAML(grid, map[string]string{"api_key": "k1"}, "/var/lib/botkeeper")
	require.NoError(t, err)

	wc := &WorkerConfig{}
	require.NoError(t, yaml.Unmarshal(raw, wc))
	assert.Equal(t, "grid", wc.Kind)
	assert.Equal(t, "Grid Bot", wc.Name)
	assert.Equal(t, 8888, wc.IPCPort)
	assert.Equal(t, filepath.Join("/var/lib/botkeeper", "grid"), wc.PersistenceDir)
	assert.Equal(t, "k1", wc.Credentials["api_key"])

	// def subtree survives injection
	assert.Equal(t, "ETHUSDT", wc.Sim.Symbol)
	assert.Equal(t, 250, wc.Sim.TickMS)
}

func TestRuntimeYAMLNoSecrets(t *testing.T) {
	def := BotDef{Descriptor: supervisor.Descriptor{Kind: "scalp", Script: "./s.sh"}}
	raw, err := RuntimeYAML(def, nil, "")
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &m))
	_, hasCreds := m["credentials"]
	assert.False(t, hasCreds)
	_, hasDir := m["persistence_dir"]
	assert.False(t, hasDir)
}

func TestLoadWorkerDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kind: grid\nipc_port: 8888\n"), 0o600))

	wc, err := LoadWorker(path)
	require.NoError(t, err)
	assert.Equal(t, "grid", wc.Name)
	assert.Equal(t, "BTCUSDT", wc.Sim.Symbol)
	assert.Equal(t, 1000, wc.Sim.TickMS)
	assert.Equal(t, 10000.0, wc.Sim.BaseBalance)
}

func TestLoadWorkerRejectsMissingKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ipc_port: 8888\n"), 0o600))

	_, err := LoadWorker(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind is required")
}
