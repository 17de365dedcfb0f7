package runtime

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// RuntimeConfig is the host-provided environment of the plugin process.
type RuntimeConfig struct {
	PluginName string `env:"JRYS_PLUGIN_NAME" envDefault:"jrys"`
	// DataRoot is the host data root; plugin data lives under
	// <DataRoot>/plugin_data/<PluginName>. Empty means "use the default".
	DataRoot   string `env:"JRYS_DATA_ROOT"`
	AssetsDir  string `env:"JRYS_ASSETS_DIR" envDefault:"."`
	ConfigFile string `env:"JRYS_CONFIG"`
	LogLevel   string `env:"JRYS_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"JRYS_LOG_FORMAT" envDefault:"console"`
	HTTPProxy  string `env:"JRYS_HTTP_PROXY"`
}

func LoadRuntimeConfig() (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := env.Parse(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.PluginName = strings.TrimSpace(cfg.PluginName)
	if cfg.PluginName == "" {
		return RuntimeConfig{}, fmt.Errorf("JRYS_PLUGIN_NAME must not be empty")
	}
	if strings.ContainsAny(cfg.PluginName, `/\`) || cfg.PluginName == "." || cfg.PluginName == ".." {
		return RuntimeConfig{}, fmt.Errorf("invalid JRYS_PLUGIN_NAME %q", cfg.PluginName)
	}
	cfg.AssetsDir = strings.TrimSpace(cfg.AssetsDir)
	if cfg.AssetsDir == "" {
		cfg.AssetsDir = "."
	}
	cfg.DataRoot = strings.TrimSpace(cfg.DataRoot)
	return cfg, nil
}
