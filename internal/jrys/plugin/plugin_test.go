package plugin

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/fortune"
)

const fortuneDoc = `{
    "90": [{"fortuneSummary": "大吉", "luckyStar": "★★★★★", "signText": "星座", "unsignText": "非星座"}],
    "60": [{"fortuneSummary": "中吉"}],
    "30": [{"fortuneSummary": "凶"}]
}`

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type env struct {
	layout cache.Layout
	srv    *httptest.Server
	opts   config.Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bg := pngBytes(t, color.RGBA{200, 40, 40, 255})
	avatar := pngBytes(t, color.RGBA{40, 40, 200, 255})

	mux := http.NewServeMux()
	mux.HandleFunc("/bg/", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(bg) })
	mux.HandleFunc("/avatar", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("nk") == "blocked" {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		_, _ = w.Write(avatar)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	base := t.TempDir()
	layout := cache.Layout{
		DataRoot:   filepath.Join(base, "data"),
		PluginName: "jrys",
		AssetsDir:  filepath.Join(base, "plugin"),
	}
	layout.BackgroundListDir = filepath.Join(layout.AssetsDir, "backgroundFolder")
	require.NoError(t, os.MkdirAll(layout.BackgroundListDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.AssetsDir, fortune.FileName), []byte(fortuneDoc), 0o644))

	opts := config.Default()
	opts.AvatarURLTemplate = srv.URL + "/avatar?nk={user_id}"
	return &env{layout: layout, srv: srv, opts: opts}
}

func (e *env) writeList(t *testing.T, urls ...string) {
	t.Helper()
	var buf bytes.Buffer
	for _, u := range urls {
		buf.WriteString(u + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(e.layout.BackgroundListDir, "list.txt"), buf.Bytes(), 0o644))
}

func (e *env) plugin(t *testing.T) *Plugin {
	t.Helper()
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.Local)
	p, err := New(Deps{
		Options:    e.opts,
		Layout:     e.layout,
		Log:        zerolog.Nop(),
		HTTPClient: e.srv.Client(),
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func tmpEntries(t *testing.T, p *Plugin) []os.DirEntry {
	t.Helper()
	d, err := p.store.EnsureDirs()
	require.NoError(t, err)
	entries, err := os.ReadDir(d.BackgroundTmp)
	require.NoError(t, err)
	return entries
}

func TestRenderDailyFortune_EndToEnd(t *testing.T) {
	e := newEnv(t)
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	var delivered string
	err := p.RenderDailyFortune(context.Background(), "u1", "Alice", func(path string) error {
		delivered = path
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		img, err := jpeg.Decode(f)
		if err != nil {
			return err
		}
		if img.Bounds().Dx() != 1080 || img.Bounds().Dy() != 1920 {
			return errors.New("unexpected poster size")
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, delivered)
	assert.NoFileExists(t, delivered)

	last, err := p.LastGeneratedImage("u1")
	require.NoError(t, err)
	assert.FileExists(t, last)
	require.Len(t, tmpEntries(t, p), 1)

	b, err := os.ReadFile(filepath.Join(e.layout.AssetsDir, fortune.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(b), "_user_last_images")
	assert.Contains(t, string(b), "大吉")

	// A second poster supersedes the first single-use background.
	require.NoError(t, p.RenderDailyFortune(context.Background(), "u1", "Alice", func(string) error { return nil }))
	assert.NoFileExists(t, last)
	next, err := p.LastGeneratedImage("u1")
	require.NoError(t, err)
	assert.NotEqual(t, last, next)
	assert.Len(t, tmpEntries(t, p), 1)
}

func TestRenderDailyFortune_SingleGoodKeyWithFullGoodRate(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.layout.AssetsDir, fortune.FileName), []byte(`{
    "80": [{"fortuneSummary": "大吉", "luckyStar": "★★★★★", "signText": "星座", "unsignText": "非星座"}],
    "_user_last_images": {}
}`), 0o644))

	onePixel := func(w http.ResponseWriter, r *http.Request) {
		img := image.NewRGBA(image.Rect(0, 0, 1, 1))
		img.Set(0, 0, color.RGBA{10, 200, 10, 255})
		_ = png.Encode(w, img)
	}
	srv := httptest.NewServer(http.HandlerFunc(onePixel))
	t.Cleanup(srv.Close)
	e.srv = srv
	e.opts.AvatarURLTemplate = srv.URL + "/avatar?nk={user_id}"
	e.opts.NormalRates = config.Rates{Good: 100}
	e.opts.HolidayRates = config.Rates{Good: 100}
	e.writeList(t, srv.URL+"/bg/one.png")
	p := e.plugin(t)

	cat, err := p.fortunes.Load()
	require.NoError(t, err)
	d, ok := p.selector.Select(cat, "u1")
	require.True(t, ok)
	assert.Equal(t, 80, d.Score)

	var size image.Point
	err = p.RenderDailyFortune(context.Background(), "u1", "Alice", func(path string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		cfg, err := jpeg.DecodeConfig(f)
		if err != nil {
			return err
		}
		size = image.Pt(cfg.Width, cfg.Height)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1080, 1920), size)

	b, err := os.ReadFile(filepath.Join(e.layout.AssetsDir, fortune.FileName))
	require.NoError(t, err)
	var doc struct {
		Last map[string]fortune.LastImage `json:"_user_last_images"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	rec, ok := doc.Last["u1"]
	require.True(t, ok)
	assert.True(t, rec.ShouldCleanup)
	assert.FileExists(t, rec.Path)
}

func TestRenderDailyFortune_PermanentBackgroundIsKept(t *testing.T) {
	e := newEnv(t)
	e.opts.CleanupDownloads = false
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	require.NoError(t, p.RenderDailyFortune(context.Background(), "u1", "Alice", func(string) error { return nil }))
	first, err := p.LastGeneratedImage("u1")
	require.NoError(t, err)
	assert.Equal(t, p.store.BackgroundCachePath(e.srv.URL+"/bg/a.png"), first)

	require.NoError(t, p.RenderDailyFortune(context.Background(), "u1", "Alice", func(string) error { return nil }))
	assert.FileExists(t, first)
}

func TestRenderDailyFortune_BackgroundFailure(t *testing.T) {
	e := newEnv(t)
	p := e.plugin(t)

	called := false
	err := p.RenderDailyFortune(context.Background(), "u1", "Alice", func(string) error {
		called = true
		return nil
	})
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MsgBackgroundFailed, ue.Message)
	assert.False(t, called)
}

func TestRenderDailyFortune_AvatarFailureCleansBackground(t *testing.T) {
	e := newEnv(t)
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	err := p.RenderDailyFortune(context.Background(), "blocked", "Bob", func(string) error { return nil })
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MsgAvatarFailed, ue.Message)
	assert.Empty(t, tmpEntries(t, p))
}

func TestRenderDailyFortune_DeliverErrorCleansUp(t *testing.T) {
	e := newEnv(t)
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	var poster string
	boom := errors.New("send failed")
	err := p.RenderDailyFortune(context.Background(), "u1", "Alice", func(path string) error {
		poster = path
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, poster)
	assert.Empty(t, tmpEntries(t, p))

	_, err = p.LastGeneratedImage("u1")
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MsgNoHistory, ue.Message)
}

func TestLastGeneratedImage_MissingFile(t *testing.T) {
	e := newEnv(t)
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	require.NoError(t, p.RenderDailyFortune(context.Background(), "u1", "Alice", func(string) error { return nil }))
	last, err := p.LastGeneratedImage("u1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(last))

	_, err = p.LastGeneratedImage("u1")
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MsgHistoryMissing, ue.Message)
}

func TestRenderDailyFortune_SameDrawForSameDay(t *testing.T) {
	e := newEnv(t)
	e.writeList(t, e.srv.URL+"/bg/a.png")
	p := e.plugin(t)

	cat, err := p.fortunes.Load()
	require.NoError(t, err)
	first, ok := p.selector.Select(cat, "u1")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		d, ok := p.selector.Select(cat, "u1")
		require.True(t, ok)
		assert.Equal(t, first, d)
	}
}

func TestMatchKeyword(t *testing.T) {
	e := newEnv(t)
	p := e.plugin(t)

	assert.True(t, p.MatchKeyword("jrys"))
	assert.True(t, p.MatchKeyword("  今日运势 "))
	assert.True(t, p.MatchKeyword("运势"))
	assert.False(t, p.MatchKeyword("jrys please"))
	assert.False(t, p.MatchKeyword("/jrys"))

	e.opts.KeywordEnabled = false
	assert.False(t, e.plugin(t).MatchKeyword("jrys"))
}

func TestShutdown_RespectsContext(t *testing.T) {
	e := newEnv(t)
	p := e.plugin(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
