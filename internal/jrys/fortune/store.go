// Package fortune loads the fortune table, remembers each user's last
// background and draws the day's fortune for a user.
package fortune

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mew/jrys/pkg/state"
)

// FileName is the fortune document inside the plugin directory.
const FileName = "jrys.json"

const lastImagesKey = "_user_last_images"

var ErrCorruptDocument = errors.New("fortune: document is not valid JSON")

// Entry is one fortune text set. Missing fields read as their placeholders.
type Entry struct {
	FortuneSummary string `json:"fortuneSummary"`
	LuckyStar      string `json:"luckyStar"`
	SignText       string `json:"signText"`
	UnsignText     string `json:"unsignText"`
}

func (e Entry) withDefaults() Entry {
	if e.FortuneSummary == "" {
		e.FortuneSummary = "运势数据未知"
	}
	if e.LuckyStar == "" {
		e.LuckyStar = "幸运星未知"
	}
	if e.SignText == "" {
		e.SignText = "星座运势未知"
	}
	if e.UnsignText == "" {
		e.UnsignText = "非星座运势未知"
	}
	return e
}

// LastImage is the background a user's latest poster was drawn on.
type LastImage struct {
	Path          string `json:"path"`
	ShouldCleanup bool   `json:"should_cleanup"`
}

// Catalog is the immutable score → entries table.
type Catalog struct {
	buckets map[int][]Entry
	scores  []int
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.scores)
}

// Scores returns the bucket keys in ascending order.
func (c *Catalog) Scores() []int {
	if c == nil {
		return nil
	}
	return append([]int(nil), c.scores...)
}

func (c *Catalog) Entries(score int) []Entry {
	if c == nil {
		return nil
	}
	return c.buckets[score]
}

// NewCatalog builds a catalog directly, mostly for callers that do not keep
// a document on disk.
func NewCatalog(buckets map[int][]Entry) *Catalog {
	c := &Catalog{buckets: make(map[int][]Entry, len(buckets))}
	for score, entries := range buckets {
		list := make([]Entry, len(entries))
		for i, e := range entries {
			list[i] = e.withDefaults()
		}
		c.buckets[score] = list
		c.scores = append(c.scores, score)
	}
	sort.Ints(c.scores)
	return c
}

// Store owns the on-disk document. The catalog part is read-only after load;
// last-image records are the only mutable part and are written back with Save.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	loaded  bool
	corrupt bool
	catalog *Catalog
	raw     map[string]json.RawMessage
	last    map[string]LastImage

	// keepLast is set when the document already carried the last-image
	// section; it is then written back even when empty.
	keepLast bool

	writeMu sync.Mutex
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// Load reads the document once. A missing file is created as "{}". An
// unreadable or malformed file yields an empty catalog and ErrCorruptDocument;
// the next Load tries again.
func (s *Store) Load() (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Catalog, error) {
	if s.loaded {
		return s.catalog, nil
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := state.WriteFileAtomic(s.path, []byte("{}")); err != nil {
			return nil, fmt.Errorf("create %s: %w", s.path, err)
		}
		b = []byte("{}")
	} else if err != nil {
		s.corrupt = true
		s.log.Error().Err(err).Str("path", s.path).Msg("read fortune document")
		return NewCatalog(nil), fmt.Errorf("%w: %w", ErrCorruptDocument, err)
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		s.corrupt = true
		s.log.Error().Err(err).Str("path", s.path).Msg("fortune document is not a JSON object")
		return NewCatalog(nil), fmt.Errorf("%w: %w", ErrCorruptDocument, err)
	}

	last := map[string]LastImage{}
	msg, keepLast := raw[lastImagesKey]
	if keepLast {
		if err := json.Unmarshal(msg, &last); err != nil {
			s.log.Warn().Err(err).Msg("discarding unreadable last-image records")
			last = map[string]LastImage{}
		}
		delete(raw, lastImagesKey)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buckets := map[int][]Entry{}
	for _, key := range keys {
		msg := raw[key]
		if strings.HasPrefix(key, "_") {
			continue
		}
		score, err := strconv.Atoi(key)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("skipping non-numeric fortune key")
			continue
		}
		var entries []Entry
		if err := json.Unmarshal(msg, &entries); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping malformed fortune bucket")
			continue
		}
		if prev, dup := buckets[score]; dup {
			s.log.Warn().Str("key", key).Int("score", score).Msg("merging fortune keys with the same score")
			entries = append(prev, entries...)
		}
		buckets[score] = entries
	}

	s.raw = raw
	s.last = last
	s.keepLast = keepLast
	s.catalog = NewCatalog(buckets)
	s.corrupt = false
	s.loaded = true
	s.log.Debug().Int("buckets", s.catalog.Len()).Int("users", len(last)).Msg("fortune document loaded")
	return s.catalog, nil
}

// LastImage returns the user's last background record.
func (s *Store) LastImage(userID string) (LastImage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(); err != nil {
		return LastImage{}, false, err
	}
	li, ok := s.last[userID]
	return li, ok, nil
}

// RecordLastImage stores rec for userID and returns the record it replaced.
func (s *Store) RecordLastImage(userID string, rec LastImage) (LastImage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadLocked(); err != nil {
		return LastImage{}, false, err
	}
	prev, ok := s.last[userID]
	s.last[userID] = rec
	return prev, ok, nil
}

// Save rewrites the whole document. Keys it does not understand are written
// back unchanged. A document that failed to load is never overwritten.
func (s *Store) Save() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	doc := make(map[string]any, len(s.raw)+1)
	for k, v := range s.raw {
		doc[k] = v
	}
	last := make(map[string]LastImage, len(s.last))
	for k, v := range s.last {
		last[k] = v
	}
	if len(last) > 0 || s.keepLast {
		doc[lastImagesKey] = last
	}
	s.mu.Unlock()

	b, err := state.MarshalIndented(doc, "    ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(s.path, b)
}
