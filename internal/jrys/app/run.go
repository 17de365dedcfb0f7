// Package app is the jrys command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/metrics"
	"mew/jrys/internal/jrys/plugin"
	"mew/jrys/pkg/logx"
	"mew/jrys/pkg/state"
)

const shutdownTimeout = 5 * time.Second

// Main parses args and runs the selected command.
func Main(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("jrys", pflag.ContinueOnError)
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		return err
	}
	return Run(ctx, cfg, out)
}

func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	log := logx.New(os.Stderr, cfg.Runtime.LogLevel, cfg.Runtime.LogFormat)

	opts, err := config.Load(cfg.Runtime.ConfigFile)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}

	dataRoot := cfg.Runtime.DataRoot
	if dataRoot == "" {
		if d, err := state.BaseDir(); err == nil {
			dataRoot = d
		} else {
			log.Warn().Err(err).Msg("no default data root")
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	p, err := plugin.New(plugin.Deps{
		Options: opts,
		Layout: cache.Layout{
			DataRoot:          dataRoot,
			PluginName:        cfg.Runtime.PluginName,
			AssetsDir:         cfg.Runtime.AssetsDir,
			BackgroundListDir: filepath.Join(cfg.Runtime.AssetsDir, "backgroundFolder"),
		},
		Log:     log,
		Metrics: m,
		Proxy:   cfg.Runtime.HTTPProxy,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	return dispatch(ctx, cfg, p, out)
}

func dispatch(ctx context.Context, cfg Config, p *plugin.Plugin, out io.Writer) error {
	switch cfg.Command {
	case CmdRender:
		err := p.RenderDailyFortune(ctx, cfg.UserID, cfg.Name, func(poster string) error {
			b, err := os.ReadFile(poster)
			if err != nil {
				return err
			}
			return state.WriteFileAtomic(cfg.Out, b)
		})
		if err != nil {
			return userFacing(out, err)
		}
		_, err = fmt.Fprintln(out, cfg.Out)
		return err

	case CmdLast:
		path, err := p.LastGeneratedImage(cfg.UserID)
		if err != nil {
			return userFacing(out, err)
		}
		_, err = fmt.Fprintln(out, path)
		return err

	case CmdPreCache:
		st, err := p.PreCache(ctx)
		if err != nil {
			return err
		}
		b, err := state.MarshalIndented(st, "  ")
		if err != nil {
			return err
		}
		_, err = out.Write(b)
		return err

	case CmdMatch:
		_, err := fmt.Fprintln(out, p.MatchKeyword(cfg.Text))
		return err
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

// userFacing prints the message of a *plugin.UserError before returning it.
func userFacing(out io.Writer, err error) error {
	var ue *plugin.UserError
	if errors.As(err, &ue) {
		_, _ = fmt.Fprintln(out, ue.Message)
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
