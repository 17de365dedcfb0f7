package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// MigrationStats counts what MigrateLegacy did with each legacy file.
type MigrationStats struct {
	Moved    int
	Replaced int
	Skipped  int
	Failed   int
}

func (m MigrationStats) Total() int { return m.Moved + m.Replaced + m.Skipped + m.Failed }

// MigrateLegacy merges the regular files of src into dst. A file whose
// destination already exists is kept only if it is newer than the destination.
// src is removed when it ends up empty. Best effort: failures are counted and
// logged, never returned.
func (s *Store) MigrateLegacy(src, dst, label string) MigrationStats {
	var stats MigrationStats
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return stats
	}
	if samePath(src, dst) {
		return stats
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		s.log.Warn().Err(err).Str("dst", dst).Msg("legacy migration: create destination")
		return stats
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		s.log.Warn().Err(err).Str("src", src).Msg("legacy migration: list source")
		return stats
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())

		if dstInfo, err := os.Stat(to); err == nil {
			srcInfo, err := os.Stat(from)
			if err != nil || !srcInfo.ModTime().After(dstInfo.ModTime()) {
				if err := os.Remove(from); err != nil && !errors.Is(err, os.ErrNotExist) {
					stats.Failed++
					s.log.Warn().Err(err).Str("file", from).Msg("legacy migration: drop stale file")
					continue
				}
				stats.Skipped++
				continue
			}
			if err := MoveFile(from, to); err != nil {
				stats.Failed++
				s.log.Warn().Err(err).Str("file", from).Msg("legacy migration: replace")
				continue
			}
			stats.Replaced++
			continue
		}

		if err := MoveFile(from, to); err != nil {
			stats.Failed++
			s.log.Warn().Err(err).Str("file", from).Msg("legacy migration: move")
			continue
		}
		stats.Moved++
	}

	if rest, err := os.ReadDir(src); err == nil && len(rest) == 0 {
		_ = os.Remove(src)
	}
	if stats.Total() > 0 {
		s.log.Info().
			Str("label", label).
			Str("src", src).
			Str("dst", dst).
			Int("moved", stats.Moved).
			Int("replaced", stats.Replaced).
			Int("skipped", stats.Skipped).
			Int("failed", stats.Failed).
			Msg("legacy cache migrated")
	}
	return stats
}

// MoveFile renames src to dst, replacing dst. Across filesystems it copies
// (keeping the modification time) and removes src.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + "." + NewToken() + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Chtimes(tmp, info.ModTime(), info.ModTime())

	_ = os.Remove(dst)
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func samePath(a, b string) bool {
	ra, err1 := resolvePath(a)
	rb, err2 := resolvePath(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	return abs, nil
}
