package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveWorkDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Setenv("RELAY_BASE", "/srv/relay")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty uses temp dir", "", filepath.Join(os.TempDir(), AppName)},
		{"blank uses temp dir", "   ", filepath.Join(os.TempDir(), AppName)},
		{"absolute cleaned", "/var/tmp//relay/../relay", "/var/tmp/relay"},
		{"home expanded", "~/relay", filepath.Join(home, "relay")},
		{"env expanded", "$RELAY_BASE/one", "/srv/relay/one"},
		{"relative made absolute", "relay", filepath.Join(cwd, "relay")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ResolveWorkDir(tt.input))
		})
	}
}

func TestConfigLocations(t *testing.T) {
	require.Equal(t, filepath.Join(".installrelay", "config.yaml"), LocalConfigPath())
	require.Equal(t, AppName, filepath.Base(UserConfigDir()))
}

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Empty(t, Expand(""))
	require.Equal(t, home, Expand("~"))
	require.Equal(t, filepath.Join(home, "rules.yaml"), Expand("~/rules.yaml"))
}
