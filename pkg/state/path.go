package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// BaseDir returns the default host data root: system user cache dir + "/mew".
func BaseDir() (string, error) {
	if d := strings.TrimSpace(userCacheDir()); d != "" {
		return filepath.Join(d, "mew"), nil
	}
	return "", errors.New("state: cannot determine system user cache directory")
}

// PluginDataDir is the per-plugin directory under a host data root.
func PluginDataDir(root, pluginName string) string {
	return filepath.Join(root, "plugin_data", pluginName)
}

// DigestName returns the hex sha256 of identity followed by ext.
func DigestName(identity, ext string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:]) + ext
}

func userCacheDir() string {
	if d, err := os.UserCacheDir(); err == nil && strings.TrimSpace(d) != "" {
		return d
	}

	switch runtime.GOOS {
	case "windows":
		if d := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); d != "" {
			return d
		}
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, "AppData", "Local")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, "Library", "Caches")
		}
	default:
		if d := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); d != "" {
			return d
		}
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, ".cache")
		}
	}

	return ""
}
