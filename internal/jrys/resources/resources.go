// Package resources obtains the two images a poster needs: the user's avatar
// and a background picked from the URL lists.
package resources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/metrics"
	"mew/jrys/pkg/logx"
	"mew/jrys/pkg/runtime"
	"mew/jrys/pkg/x/imagex"
	"mew/jrys/pkg/x/syncx"
)

const (
	maxBackgroundAttempts = 5
	cooldownCacheSize     = 1 << 20

	precacheTask = "precache"
)

var (
	ErrNoBackgroundLists = errors.New("resources: no background list files")
	ErrNoBackgroundURLs  = errors.New("resources: background list has no URLs")
	ErrBackgroundFailed  = errors.New("resources: no background could be fetched")
	ErrAvatarFailed      = errors.New("resources: avatar could not be fetched")
)

// Fetcher downloads url into dest atomically.
type Fetcher interface {
	Fetch(ctx context.Context, label, url, dest string) error
}

// Background is a usable background file. ShouldCleanup marks a single-use
// download the caller owns and must remove when done.
type Background struct {
	Path          string
	ShouldCleanup bool
}

type Manager struct {
	opts    config.Options
	store   *cache.Store
	dl      Fetcher
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cooldown *freecache.Cache
	group    *syncx.Group
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClock replaces time.Now for avatar freshness and status timestamps.
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) {
		if now != nil {
			mg.now = now
		}
	}
}

func New(opts config.Options, store *cache.Store, dl Fetcher, log zerolog.Logger, options ...Option) *Manager {
	m := &Manager{
		opts:     opts,
		store:    store,
		dl:       dl,
		log:      log,
		now:      time.Now,
		cooldown: freecache.NewCache(cooldownCacheSize),
		group:    syncx.NewGroup(context.Background()),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Avatar returns a local avatar file for userID, downloading it when the
// cached copy is missing or older than the configured expiration.
func (m *Manager) Avatar(ctx context.Context, userID string) (string, error) {
	dest, err := m.store.AvatarPath(userID)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		if m.now().Sub(info.ModTime()) < m.opts.AvatarTTL() {
			m.metrics.ObserveAvatarCache(true)
			return dest, nil
		}
	}
	m.metrics.ObserveAvatarCache(false)

	if err := m.dl.Fetch(ctx, "avatar", m.opts.AvatarURL(userID), dest); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrAvatarFailed, err)
	}
	if err := m.verifyImage(dest); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAvatarFailed, err)
	}
	return dest, nil
}

// Background picks a random list file, then tries up to five of its URLs in
// random order. A URL already in the permanent cache is returned as is.
func (m *Manager) Background(ctx context.Context) (Background, error) {
	lists, err := m.listFiles()
	if err != nil {
		return Background{}, err
	}
	if len(lists) == 0 {
		m.log.Warn().Str("dir", m.store.Layout().BackgroundListDir).Msg("no background list files found")
		return Background{}, ErrNoBackgroundLists
	}

	list := lists[rand.IntN(len(lists))]
	urls, err := readLines(list)
	if err != nil {
		return Background{}, fmt.Errorf("read %s: %w", list, err)
	}
	if len(urls) == 0 {
		m.log.Warn().Str("file", filepath.Base(list)).Msg("background list has no URLs")
		return Background{}, ErrNoBackgroundURLs
	}

	rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
	attempts := min(maxBackgroundAttempts, len(urls))

	for _, u := range urls[:attempts] {
		if err := ctx.Err(); err != nil {
			return Background{}, err
		}
		if !runtime.IsHTTPURL(u) || m.coolingDown(u) {
			continue
		}

		cached := m.store.BackgroundCachePath(u)
		if fileExists(cached) {
			m.metrics.ObserveBackgroundCache(true)
			return Background{Path: cached}, nil
		}
		m.metrics.ObserveBackgroundCache(false)

		bg := Background{Path: cached}
		if !m.opts.PreCacheBackgrounds && m.opts.CleanupDownloads {
			bg = Background{Path: m.store.BackgroundTmpPath(u), ShouldCleanup: true}
		}

		if err := m.dl.Fetch(ctx, "background", u, bg.Path); err != nil {
			if ctx.Err() != nil {
				return Background{}, ctx.Err()
			}
			m.markFailed(u)
			continue
		}
		if err := m.verifyImage(bg.Path); err != nil {
			m.markFailed(u)
			continue
		}
		m.log.Info().Str("url", logx.Truncate(u, 120)).Bool("ephemeral", bg.ShouldCleanup).Msg("background downloaded")
		return bg, nil
	}

	m.log.Warn().Int("attempts", attempts).Msg("background download failed")
	return Background{}, ErrBackgroundFailed
}

// verifyImage removes path unless it holds a decodable image. Hosts
// sometimes answer 200 with an HTML error page.
func (m *Manager) verifyImage(path string) error {
	if _, _, err := imagex.DecodeConfigFile(path); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("downloaded file is not an image")
		_ = os.Remove(path)
		return err
	}
	return nil
}

func (m *Manager) coolingDown(url string) bool {
	if m.opts.FailedURLTTL() <= 0 {
		return false
	}
	_, err := m.cooldown.Get([]byte(url))
	return err == nil
}

func (m *Manager) markFailed(url string) {
	ttl := m.opts.FailedURLTTL()
	if ttl <= 0 {
		return
	}
	if err := m.cooldown.Set([]byte(url), []byte{1}, int(ttl/time.Second)); err != nil {
		m.log.Debug().Err(err).Msg("cooldown cache set")
	}
}

// CollectURLs returns the sorted, de-duplicated http(s) URLs of every list
// file. Unreadable files are skipped.
func (m *Manager) CollectURLs() ([]string, error) {
	lists, err := m.listFiles()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, list := range lists {
		lines, err := readLines(list)
		if err != nil {
			m.log.Warn().Err(err).Str("file", list).Msg("read background list")
			continue
		}
		for _, u := range lines {
			if runtime.IsHTTPURL(u) {
				seen[u] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) listFiles() ([]string, error) {
	dir := m.store.Layout().BackgroundListDir
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".txt") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// StartPreCache launches the background sweep unless one is already running.
func (m *Manager) StartPreCache() bool {
	return m.group.Go(precacheTask, func(ctx context.Context) error {
		_, err := m.PreCache(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("background pre-cache failed")
		}
		return err
	})
}

func (m *Manager) PreCacheRunning() bool { return m.group.Running(precacheTask) }

// WaitPreCache blocks until a started sweep has finished.
func (m *Manager) WaitPreCache() { m.group.Wait() }

// Close cancels a running sweep, waits for it and drops idle connections.
func (m *Manager) Close() {
	m.group.Stop()
	if c, ok := m.dl.(interface{ Client() *http.Client }); ok && c.Client() != nil {
		c.Client().CloseIdleConnections()
	}
}
