package app

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"mew/jrys/pkg/runtime"
)

// Commands understood by the CLI.
const (
	CmdRender   = "render"
	CmdLast     = "last"
	CmdPreCache = "precache"
	CmdMatch    = "match"
)

type Config struct {
	Runtime runtime.RuntimeConfig

	Command string
	UserID  string
	Name    string
	Out     string
	Text    string

	MetricsAddr string
}

// ParseConfig reads the environment, then applies flags from args. The first
// positional argument is the command.
func ParseConfig(fs *pflag.FlagSet, args []string) (Config, error) {
	rc, err := runtime.LoadRuntimeConfig()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Runtime: rc}

	fs.StringVar(&cfg.Runtime.ConfigFile, "config", rc.ConfigFile, "plugin option file (json, yaml or toml)")
	fs.StringVar(&cfg.Runtime.AssetsDir, "assets", rc.AssetsDir, "plugin directory holding jrys.json, font/ and backgroundFolder/")
	fs.StringVar(&cfg.Runtime.DataRoot, "data-root", rc.DataRoot, "host data root (default: user cache dir)")
	fs.StringVar(&cfg.Runtime.LogLevel, "log-level", rc.LogLevel, "log level")
	fs.StringVar(&cfg.Runtime.HTTPProxy, "proxy", rc.HTTPProxy, "HTTP proxy: direct, env, URL or socks5://host:port")
	fs.StringVarP(&cfg.UserID, "user", "u", "", "user id")
	fs.StringVarP(&cfg.Name, "name", "n", "", "display name")
	fs.StringVarP(&cfg.Out, "out", "o", "", "poster output path (render)")
	fs.StringVar(&cfg.Text, "text", "", "message text (match)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return Config{}, fmt.Errorf("missing command (%s, %s, %s, %s)", CmdRender, CmdLast, CmdPreCache, CmdMatch)
	}
	cfg.Command = strings.ToLower(rest[0])

	switch cfg.Command {
	case CmdRender, CmdLast:
		if strings.TrimSpace(cfg.UserID) == "" {
			return Config{}, fmt.Errorf("%s: --user is required", cfg.Command)
		}
	case CmdPreCache, CmdMatch:
	default:
		return Config{}, fmt.Errorf("unknown command %q", cfg.Command)
	}
	if cfg.Command == CmdRender && cfg.Out == "" {
		cfg.Out = "jrys-" + cfg.UserID + ".jpg"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.UserID
	}
	return cfg, nil
}
