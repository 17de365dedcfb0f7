package resources

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/download"
)

type fixture struct {
	opts   config.Options
	store  *cache.Store
	layout cache.Layout
	srv    *httptest.Server
	hits   map[string]*atomic.Int32
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	base := t.TempDir()
	layout := cache.Layout{
		DataRoot:   filepath.Join(base, "data"),
		PluginName: "jrys",
		AssetsDir:  filepath.Join(base, "plugin"),
	}
	layout.BackgroundListDir = filepath.Join(layout.AssetsDir, "backgroundFolder")
	require.NoError(t, os.MkdirAll(layout.BackgroundListDir, 0o755))

	f := &fixture{
		opts:   config.Default(),
		store:  cache.New(layout, zerolog.Nop()),
		layout: layout,
		hits:   map[string]*atomic.Int32{},
	}
	for _, p := range []string{"/ok.png", "/ok2.jpg", "/missing.png", "/html.png", "/avatar", "/slow.png"} {
		f.hits[p] = &atomic.Int32{}
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := f.hits[r.URL.Path]; ok {
			c.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(f.srv.Close)
	f.opts.AvatarURLTemplate = f.srv.URL + "/avatar?nk={user_id}"
	return f
}

func (f *fixture) manager() *Manager {
	dl := download.New(f.srv.Client(), zerolog.Nop(), download.WithBackoff(time.Millisecond))
	return New(f.opts, f.store, dl, zerolog.Nop())
}

func (f *fixture) writeList(t *testing.T, name string, lines ...string) {
	t.Helper()
	body := strings.Join(lines, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.BackgroundListDir, name), []byte(body), 0o644))
}

var testPNG = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

func defaultHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/missing.png":
		http.NotFound(w, r)
	case "/html.png":
		_, _ = w.Write([]byte("<html>rate limited</html>"))
	default:
		_, _ = w.Write(testPNG)
	}
}

func TestAvatar_FreshCacheSkipsDownload(t *testing.T) {
	f := newFixture(t, defaultHandler)
	m := f.manager()

	p, err := f.store.AvatarPath("42")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("cached"), 0o644))

	got, err := m.Avatar(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.EqualValues(t, 0, f.hits["/avatar"].Load())
}

func TestAvatar_StaleCacheIsRefreshed(t *testing.T) {
	f := newFixture(t, defaultHandler)
	m := f.manager()

	p, err := f.store.AvatarPath("42")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("cached"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	got, err := m.Avatar(context.Background(), "42")
	require.NoError(t, err)
	b, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, testPNG, b)
	assert.EqualValues(t, 1, f.hits["/avatar"].Load())
}

func TestAvatar_DownloadFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := f.manager().Avatar(context.Background(), "42")
	require.ErrorIs(t, err, ErrAvatarFailed)

	_, err = f.manager().Avatar(context.Background(), "../etc")
	require.ErrorIs(t, err, cache.ErrInvalidKey)
}

func TestBackground_EphemeralDownloadByDefault(t *testing.T) {
	f := newFixture(t, defaultHandler)
	f.writeList(t, "a.txt", "", "  "+f.srv.URL+"/ok.png  ", "")

	bg, err := f.manager().Background(context.Background())
	require.NoError(t, err)
	assert.True(t, bg.ShouldCleanup)

	d, err := f.store.EnsureDirs()
	require.NoError(t, err)
	assert.Equal(t, d.BackgroundTmp, filepath.Dir(bg.Path))
	assert.NoFileExists(t, f.store.BackgroundCachePath(f.srv.URL+"/ok.png"))
}

func TestBackground_PermanentCacheWhenCleanupDisabled(t *testing.T) {
	f := newFixture(t, defaultHandler)
	f.opts.CleanupDownloads = false
	f.writeList(t, "a.txt", f.srv.URL+"/ok.png")
	m := f.manager()

	bg, err := m.Background(context.Background())
	require.NoError(t, err)
	assert.False(t, bg.ShouldCleanup)
	assert.Equal(t, f.store.BackgroundCachePath(f.srv.URL+"/ok.png"), bg.Path)

	again, err := m.Background(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bg, again)
	assert.EqualValues(t, 1, f.hits["/ok.png"].Load())
}

func TestBackground_FailedURLCoolsDown(t *testing.T) {
	f := newFixture(t, defaultHandler)
	f.opts.FailedURLCooldown = 60
	f.writeList(t, "a.txt", f.srv.URL+"/missing.png", "ftp://nope/x.png")
	m := f.manager()

	_, err := m.Background(context.Background())
	require.ErrorIs(t, err, ErrBackgroundFailed)
	_, err = m.Background(context.Background())
	require.ErrorIs(t, err, ErrBackgroundFailed)
	assert.EqualValues(t, 1, f.hits["/missing.png"].Load())
}

func TestBackground_RejectsNonImageBody(t *testing.T) {
	f := newFixture(t, defaultHandler)
	f.opts.CleanupDownloads = false
	f.opts.FailedURLCooldown = 60
	f.writeList(t, "a.txt", f.srv.URL+"/html.png")
	m := f.manager()

	_, err := m.Background(context.Background())
	require.ErrorIs(t, err, ErrBackgroundFailed)
	assert.NoFileExists(t, f.store.BackgroundCachePath(f.srv.URL+"/html.png"))

	_, err = m.Background(context.Background())
	require.ErrorIs(t, err, ErrBackgroundFailed)
	assert.EqualValues(t, 1, f.hits["/html.png"].Load())
}

func TestBackground_NoLists(t *testing.T) {
	f := newFixture(t, defaultHandler)
	_, err := f.manager().Background(context.Background())
	require.ErrorIs(t, err, ErrNoBackgroundLists)

	f.writeList(t, "empty.txt", "", "   ")
	_, err = f.manager().Background(context.Background())
	require.ErrorIs(t, err, ErrNoBackgroundURLs)
}

func TestCollectURLs_SortedUniqueHTTPOnly(t *testing.T) {
	f := newFixture(t, defaultHandler)
	f.writeList(t, "a.txt", "https://b.test/2.png", "https://a.test/1.png", "not-a-url")
	f.writeList(t, "b.txt", "https://a.test/1.png", "http://c.test/3.png")
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.BackgroundListDir, "notes.md"), []byte("https://x.test"), 0o644))

	urls, err := f.manager().CollectURLs()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://c.test/3.png", "https://a.test/1.png", "https://b.test/2.png"}, urls)
}
