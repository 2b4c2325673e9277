package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshnode.toml")
	const body = `
DataDir = "/var/lib/meshnode"
ListenAddr = "0.0.0.0:9000"
IsLeader = true
BootstrapPeers = ["10.0.0.1:30700", "10.0.0.2:30700"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/meshnode", cfg.DataDir)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.True(t, cfg.IsLeader)
	require.Equal(t, []string{"10.0.0.1:30700", "10.0.0.2:30700"}, cfg.BootstrapPeers)
	// Untouched fields keep their defaults.
	require.Equal(t, Default().GenesisSupply, cfg.GenesisSupply)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshnode.toml")
	require.NoError(t, os.WriteFile(path, []byte("NotAField = 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestCoordinatorProjectsRatingConfig(t *testing.T) {
	cfg := Default()
	cfg.RatingAlpha = 0.5
	cfg.RatingMinTasks = 3

	cc := cfg.Coordinator()
	require.Equal(t, 0.5, cc.Rating.Alpha)
	require.Equal(t, 3, cc.Rating.MinTasks)
}
