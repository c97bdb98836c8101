// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// AppName names the temp and config directories.
const AppName = "installrelay"

// ResolveWorkDir turns a configured mailbox directory into a clean absolute
// path.
//
// Input normalization:
//   - "" -> "$TMPDIR/installrelay"
//   - "~/relay" -> "$HOME/relay"
//   - "$XDG_RUNTIME_DIR/relay" -> environment variables expanded
//   - "relay" -> relative to the current directory
func ResolveWorkDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return filepath.Join(os.TempDir(), AppName)
	}
	return Expand(path)
}

// Expand resolves environment variables and a leading ~ in a user supplied
// path and makes it absolute. Empty stays empty.
func Expand(path string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}

	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// LocalConfigPath is the project-local config file checked first.
func LocalConfigPath() string {
	return filepath.Join("."+AppName, "config.yaml")
}

// UserConfigDir is the directory searched for config.yaml after the local
// file. Empty when the home directory is unknown.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", AppName)
}
