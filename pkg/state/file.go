package state

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// LoadJSONFile decodes path into a T. A missing file yields the zero value and
// a nil error; callers that need to distinguish use os.Stat first.
func LoadJSONFile[T any](path string) (T, error) {
	var zero T
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, nil
		}
		return zero, err
	}
	if err := json.Unmarshal(b, &zero); err != nil {
		return zero, err
	}
	return zero, nil
}

// MarshalIndented encodes v with the given indent, keeping non-ASCII text and
// HTML characters literal.
func MarshalIndented(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func SaveJSONFileIndented(path string, v any) error {
	b, err := MarshalIndented(v, "    ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

// WriteFileAtomic writes b next to path and renames it into place, so readers
// never observe a half-written document.
func WriteFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	_ = os.Remove(path) // Windows rename doesn't overwrite.
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
