package painter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// Font sizes used on the poster.
const (
	SizeDate    = 50
	SizeTitle   = 60
	SizeMeasure = 36
	SizeBody    = 30
)

// FontSet is a parsed font shared by all renders. Faces are created per
// render because they keep per-instance glyph buffers.
type FontSet struct {
	name     string
	font     *opentype.Font
	fallback bool
}

// LoadFontSet parses dir/name. If that fails it returns the built-in Go
// Regular font together with the load error, so callers can log and go on.
func LoadFontSet(dir, name string) (*FontSet, error) {
	path := filepath.Join(dir, name)
	f, err := parseFontFile(path)
	if err == nil {
		return &FontSet{name: name, font: f}, nil
	}
	fb, fbErr := FallbackFontSet()
	if fbErr != nil {
		return nil, fmt.Errorf("load font %s: %w (fallback: %v)", path, err, fbErr)
	}
	return fb, fmt.Errorf("load font %s: %w", path, err)
}

// FallbackFontSet is Go Regular. It has no CJK coverage.
func FallbackFontSet() (*FontSet, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return &FontSet{name: "goregular", font: f, fallback: true}, nil
}

func parseFontFile(path string) (*opentype.Font, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttc", ".otc":
		col, err := opentype.ParseCollection(b)
		if err != nil {
			return nil, err
		}
		return col.Font(0)
	default:
		return opentype.Parse(b)
	}
}

func (fs *FontSet) Name() string { return fs.name }

// Fallback reports whether the configured font could not be loaded.
func (fs *FontSet) Fallback() bool { return fs.fallback }

// Face returns a new face at size pixels.
func (fs *FontSet) Face(size float64) (font.Face, error) {
	return opentype.NewFace(fs.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// faces holds one face per poster font size for a single render.
type faces map[int]font.Face

func (fs *FontSet) newFaces() (faces, error) {
	out := faces{}
	for _, size := range []int{SizeDate, SizeTitle, SizeMeasure, SizeBody} {
		f, err := fs.Face(float64(size))
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("face %d: %w", size, err)
		}
		out[size] = f
	}
	return out, nil
}

func (f faces) Close() {
	for _, face := range f {
		_ = face.Close()
	}
}
