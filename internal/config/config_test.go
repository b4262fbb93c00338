package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultApplies(t *testing.T) {
	require := require.New(t)

	c := Default()
	require.Equal("./var/peerd", c.WorkDir)
	require.Equal(6881, c.BasePort)
	require.NotEmpty(c.Logging.Encoding)
}

func TestLoadYAML(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "peerd.yaml")
	contents := `
work_dir: /tmp/peerd-data
base_port: 7000
rarity_fallback: true
swarm:
  compact: true
tracker:
  base_url: http://tracker.example:8080
`
	require.NoError(os.WriteFile(path, []byte(contents), 0644))

	c, err := Load(path)
	require.NoError(err)
	require.Equal("/tmp/peerd-data", c.WorkDir)
	require.Equal(7000, c.BasePort)
	require.True(c.RarityFallback)
	require.True(c.Swarm.Compact)
	require.Equal("http://tracker.example:8080", c.Tracker.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(err)
}
