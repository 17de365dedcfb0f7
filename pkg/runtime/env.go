package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv tries to load env vars from:
// - .env.local, .env (cwd)
// - .env.local, .env (every directory from the caller file up to the filesystem root)
//
// It only sets vars that are not already set, matching godotenv's behavior.
// It returns the files that were loaded.
func LoadDotEnv() ([]string, error) {
	return LoadDotEnvFromCaller(2)
}

// LoadDotEnvFromCaller is the same as LoadDotEnv, but allows specifying how many
// stack frames to skip when locating the caller file.
func LoadDotEnvFromCaller(callerSkip int) ([]string, error) {
	if IsDotEnvDisabled() {
		return nil, nil
	}

	paths := []string{".env.local", ".env"} // cwd

	if _, file, _, ok := runtime.Caller(callerSkip); ok {
		for d := filepath.Dir(file); ; {
			paths = append(paths, filepath.Join(d, ".env.local"), filepath.Join(d, ".env"))
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}

	seen := make(map[string]struct{}, len(paths))
	var loaded []string
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}

		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

func IsDotEnvDisabled() bool {
	v := strings.TrimSpace(os.Getenv("JRYS_DOTENV"))
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "0", "false", "off", "no":
		return true
	default:
		return false
	}
}
