// Package plugin is the entry point a chat host calls: render today's
// fortune poster, fetch the last background, match trigger keywords.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/download"
	"mew/jrys/internal/jrys/fortune"
	"mew/jrys/internal/jrys/metrics"
	"mew/jrys/internal/jrys/painter"
	"mew/jrys/internal/jrys/resources"
	"mew/jrys/pkg/logx"
	"mew/jrys/pkg/x/httpx"
)

const (
	httpTimeout  = 5 * time.Second
	httpMaxConns = 10
)

// Keywords trigger a render when sent as a whole message.
var Keywords = []string{"jrys", "今日运势", "运势"}

type Deps struct {
	Options config.Options
	Layout  cache.Layout
	// FontDir defaults to <AssetsDir>/font.
	FontDir string
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	// Proxy is passed to the default client (see httpx.ClientOptions).
	Proxy string
	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client
	Now        func() time.Time
}

type Plugin struct {
	opts    config.Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	store    *cache.Store
	res      *resources.Manager
	fortunes *fortune.Store
	selector *fortune.Selector
	painter  *painter.Painter
	renders  *semaphore.Weighted
}

func New(deps Deps) (*Plugin, error) {
	opts := deps.Options.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Log

	store := cache.New(deps.Layout, logx.Component(log, "cache"))
	if _, err := store.EnsureDirs(); err != nil {
		return nil, err
	}
	layout := store.Layout()

	client := deps.HTTPClient
	if client == nil {
		c, err := httpx.NewClient(httpx.ClientOptions{
			Timeout:   httpTimeout,
			Proxy:     deps.Proxy,
			MaxConns:  httpMaxConns,
			UserAgent: download.DefaultUserAgent,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}
	dl := download.New(client, logx.Component(log, "download"), download.WithMetrics(deps.Metrics))

	fontDir := deps.FontDir
	if fontDir == "" {
		fontDir = filepath.Join(layout.AssetsDir, "font")
	}
	fonts, err := painter.LoadFontSet(fontDir, opts.FontName)
	if err != nil {
		if fonts == nil {
			return nil, err
		}
		log.Error().Err(err).Msg("font unavailable, using fallback font")
	}

	selOpts := fortune.SelectorOptionsFrom(opts)
	selOpts.Now = now

	p := &Plugin{
		opts:     opts,
		log:      log,
		metrics:  deps.Metrics,
		now:      now,
		store:    store,
		res:      resources.New(opts, store, dl, logx.Component(log, "resources"), resources.WithMetrics(deps.Metrics), resources.WithClock(now)),
		fortunes: fortune.NewStore(filepath.Join(layout.AssetsDir, fortune.FileName), logx.Component(log, "fortune")),
		selector: fortune.NewSelector(selOpts, logx.Component(log, "selector")),
		painter:  painter.New(painter.LayoutFrom(opts), fonts, logx.Component(log, "painter")),
		renders:  semaphore.NewWeighted(int64(opts.RenderConcurrency)),
	}

	if opts.PreCacheBackgrounds {
		p.res.StartPreCache()
	}
	return p, nil
}

// MatchKeyword reports whether a plain message should trigger a render.
func (p *Plugin) MatchKeyword(text string) bool {
	return p.opts.KeywordEnabled && slices.Contains(Keywords, strings.TrimSpace(text))
}

// RenderDailyFortune draws userID's poster and hands its path to deliver.
// The poster file is removed after deliver returns. Failures the user should
// see are *UserError.
func (p *Plugin) RenderDailyFortune(ctx context.Context, userID, displayName string, deliver func(imagePath string) error) error {
	log := p.log.With().Str("user_id", userID).Str("user", displayName).Logger()
	log.Info().Msg("rendering daily fortune")

	cat, err := p.fortunes.Load()
	if err != nil {
		log.Error().Err(err).Msg("fortune table unavailable")
		return userError(MsgRenderFailed, err)
	}

	var (
		avatar    string
		bg        resources.Background
		avatarErr error
		bgErr     error
	)
	var g errgroup.Group
	g.Go(func() error {
		avatar, avatarErr = p.res.Avatar(ctx, userID)
		return avatarErr
	})
	g.Go(func() error {
		bg, bgErr = p.res.Background(ctx)
		return bgErr
	})
	_ = g.Wait()

	cleanupBG := func() {
		if bg.ShouldCleanup && bg.Path != "" {
			if err := os.Remove(bg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("path", bg.Path).Msg("remove background")
			}
		}
	}

	if err := ctx.Err(); err != nil {
		cleanupBG()
		return err
	}
	if bgErr != nil {
		log.Error().Err(bgErr).Msg("background unavailable")
		cleanupBG()
		return userError(MsgBackgroundFailed, bgErr)
	}
	if avatarErr != nil {
		log.Error().Err(avatarErr).Msg("avatar unavailable")
		cleanupBG()
		return userError(MsgAvatarFailed, avatarErr)
	}

	draw, ok := p.selector.Select(cat, userID)
	if !ok {
		log.Error().Msg("fortune table is empty")
		cleanupBG()
		return userError(MsgRenderFailed, errors.New("no fortune entries"))
	}

	poster, err := p.render(ctx, painter.Input{
		UserID:         userID,
		AvatarPath:     avatar,
		BackgroundPath: bg.Path,
		Entry:          draw.Entry,
		Date:           p.now(),
	})
	if err != nil {
		cleanupBG()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("render failed")
		return userError(MsgRenderFailed, err)
	}
	defer func() {
		if err := os.Remove(poster); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", poster).Msg("remove poster")
		}
	}()

	if err := deliver(poster); err != nil {
		cleanupBG()
		return fmt.Errorf("deliver poster: %w", err)
	}
	log.Info().Int("score", draw.Score).Msg("daily fortune delivered")

	prev, had, err := p.fortunes.RecordLastImage(userID, fortune.LastImage{Path: bg.Path, ShouldCleanup: bg.ShouldCleanup})
	if err != nil {
		log.Warn().Err(err).Msg("record last image")
		cleanupBG()
		return nil
	}
	if had && prev.ShouldCleanup && prev.Path != "" && prev.Path != bg.Path {
		if err := os.Remove(prev.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", prev.Path).Msg("remove superseded background")
		}
	}
	if err := p.fortunes.Save(); err != nil {
		log.Warn().Err(err).Msg("save fortune document")
	}
	return nil
}

func (p *Plugin) render(ctx context.Context, in painter.Input) (string, error) {
	if err := p.renders.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.renders.Release(1)

	start := time.Now()
	out, err := p.painter.Render(ctx, in)
	p.metrics.ObserveRender(err == nil, time.Since(start))
	return out, err
}

// LastGeneratedImage returns the background of userID's latest poster.
func (p *Plugin) LastGeneratedImage(userID string) (string, error) {
	rec, ok, err := p.fortunes.LastImage(userID)
	if err != nil {
		return "", userError(MsgNoHistory, err)
	}
	if !ok || rec.Path == "" {
		return "", userError(MsgNoHistory, nil)
	}
	if info, err := os.Stat(rec.Path); err != nil || !info.Mode().IsRegular() {
		return "", userError(MsgHistoryMissing, err)
	}
	return rec.Path, nil
}

// PreCache runs a background sweep in the caller's goroutine.
func (p *Plugin) PreCache(ctx context.Context) (resources.SweepStatus, error) {
	return p.res.PreCache(ctx)
}

// Shutdown stops the pre-cache sweep and releases HTTP resources. It returns
// ctx.Err() if that takes longer than ctx allows.
func (p *Plugin) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.res.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
