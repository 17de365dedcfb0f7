// Package cache maps avatars and background URLs to local files under the
// plugin data directory and migrates historical cache layouts into it.
package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mew/jrys/pkg/state"
)

const (
	avatarsDirName       = "avatars"
	backgroundDirName    = "background_images"
	backgroundTmpDirName = "background_images_tmp"

	fallbackExt  = ".img"
	maxExtLength = 10
)

var ErrInvalidKey = errors.New("cache: invalid key")

// Layout describes where the plugin keeps its files.
type Layout struct {
	// DataRoot is the host data root. Empty or unusable roots fall back to AssetsDir.
	DataRoot   string
	PluginName string
	// AssetsDir is the plugin's own directory (fortune table, fonts, URL lists).
	AssetsDir string
	// BackgroundListDir holds the *.txt background URL lists.
	BackgroundListDir string
}

// Dirs are the resolved canonical cache directories.
type Dirs struct {
	PluginData    string
	Root          string
	Avatars       string
	Backgrounds   string
	BackgroundTmp string
	// Fallback is true when the host data root could not be used.
	Fallback bool
}

type Store struct {
	layout Layout
	log    zerolog.Logger

	mu          sync.Mutex
	initialized bool
	dirs        Dirs
}

func New(layout Layout, log zerolog.Logger) *Store {
	if strings.TrimSpace(layout.AssetsDir) == "" {
		layout.AssetsDir = "."
	}
	if strings.TrimSpace(layout.BackgroundListDir) == "" {
		layout.BackgroundListDir = filepath.Join(layout.AssetsDir, "backgroundFolder")
	}
	return &Store{layout: layout, log: log}
}

func (s *Store) Layout() Layout { return s.layout }

// EnsureDirs resolves and creates the canonical cache tree. The first
// successful call also migrates legacy cache directories; later calls are
// no-ops. Safe for concurrent use.
func (s *Store) EnsureDirs() (Dirs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return s.dirs, nil
	}

	dirs, err := s.resolvePrimary()
	if err != nil {
		s.log.Warn().Err(err).Msg("plugin data root unavailable, falling back to plugin directory cache")
		dirs, err = s.resolveFallback()
		if err != nil {
			return Dirs{}, err
		}
	}

	for _, m := range s.legacyDirs(dirs) {
		s.MigrateLegacy(m.src, m.dst, m.label)
	}

	s.dirs = dirs
	s.initialized = true
	if !dirs.Fallback {
		s.log.Info().Str("dir", dirs.PluginData).Msg("plugin data directory ready")
	}
	return dirs, nil
}

func (s *Store) resolvePrimary() (Dirs, error) {
	root := strings.TrimSpace(s.layout.DataRoot)
	if root == "" {
		return Dirs{}, errors.New("no host data root configured")
	}
	name := strings.TrimSpace(s.layout.PluginName)
	if name == "" {
		name = "unknown"
	}
	pluginData := state.PluginDataDir(root, name)
	return makeDirs(pluginData, false)
}

func (s *Store) resolveFallback() (Dirs, error) {
	return makeDirs(s.layout.AssetsDir, true)
}

func layoutDirs(pluginData string, fallback bool) Dirs {
	root := filepath.Join(pluginData, "cache")
	return Dirs{
		PluginData:    pluginData,
		Root:          root,
		Avatars:       filepath.Join(root, avatarsDirName),
		Backgrounds:   filepath.Join(root, backgroundDirName),
		BackgroundTmp: filepath.Join(root, backgroundTmpDirName),
		Fallback:      fallback,
	}
}

func makeDirs(pluginData string, fallback bool) (Dirs, error) {
	d := layoutDirs(pluginData, fallback)
	for _, dir := range []string{d.Avatars, d.Backgrounds, d.BackgroundTmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return d, nil
}

type legacyDir struct {
	src, dst, label string
}

// legacyDirs lists every historical layout; adding one is a single entry.
func (s *Store) legacyDirs(d Dirs) []legacyDir {
	assets := s.layout.AssetsDir
	lists := s.layout.BackgroundListDir

	out := []legacyDir{
		{filepath.Join(assets, avatarsDirName), d.Avatars, "avatar"},
		{filepath.Join(lists, "images"), d.Backgrounds, "background"},
		{filepath.Join(assets, backgroundDirName), d.Backgrounds, "background"},
		{filepath.Join(lists, "images_tmp"), d.BackgroundTmp, "background-tmp"},
		{filepath.Join(assets, backgroundTmpDirName), d.BackgroundTmp, "background-tmp"},
	}
	if !d.Fallback {
		out = append(out,
			legacyDir{filepath.Join(d.PluginData, avatarsDirName), d.Avatars, "avatar"},
			legacyDir{filepath.Join(d.PluginData, backgroundDirName), d.Backgrounds, "background"},
			legacyDir{filepath.Join(d.PluginData, backgroundTmpDirName), d.BackgroundTmp, "background-tmp"},
		)
	}
	return out
}

func (s *Store) resolved() Dirs {
	d, err := s.EnsureDirs()
	if err != nil {
		s.log.Error().Err(err).Msg("cache directories unavailable")
		return layoutDirs(s.layout.AssetsDir, true)
	}
	return d
}

// Root is the canonical cache root directory.
func (s *Store) Root() string { return s.resolved().Root }

// BackgroundCachePath is the permanent slot for url: sha256(url) + extension.
func (s *Store) BackgroundCachePath(rawURL string) string {
	return filepath.Join(s.resolved().Backgrounds, state.DigestName(rawURL, urlExt(rawURL)))
}

// BackgroundTmpPath is a fresh single-use slot for url.
func (s *Store) BackgroundTmpPath(rawURL string) string {
	return filepath.Join(s.resolved().BackgroundTmp, NewToken()+urlExt(rawURL))
}

// AvatarPath is the cache slot for a user's avatar.
func (s *Store) AvatarPath(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return "", fmt.Errorf("%w: user id %q", ErrInvalidKey, userID)
	}
	return filepath.Join(s.resolved().Avatars, userID+".jpg"), nil
}

// NewToken returns a random hex token for temporary file names.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func urlExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || ext == "." || len(ext) > maxExtLength {
		return fallbackExt
	}
	return ext
}
