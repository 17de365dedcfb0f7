package imagex

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoded(t *testing.T, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, enc(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))))
	return buf.Bytes()
}

func TestDecodeConfigFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(good, encoded(t, func(b *bytes.Buffer, m image.Image) error { return png.Encode(b, m) }), 0o644))

	cfg, format, err := DecodeConfigFile(good)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 3, cfg.Width)
	assert.Equal(t, 2, cfg.Height)

	bad := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(bad, []byte("<html>error</html>"), 0o644))
	_, _, err = DecodeConfigFile(bad)
	require.ErrorIs(t, err, ErrNotImage)
	_, _, err = DecodeFile(bad)
	require.ErrorIs(t, err, ErrNotImage)

	img, _, err := DecodeFile(good)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
}
