package resources

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"mew/jrys/internal/jrys/config"
	"mew/jrys/pkg/state"
)

// StatusFileName is written under the cache root while a sweep runs.
const StatusFileName = "precache_status.json"

const (
	SweepRunning   = "running"
	SweepDone      = "done"
	SweepCancelled = "cancelled"
)

// SweepStatus describes the latest pre-cache sweep.
type SweepStatus struct {
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Cached     int        `json:"cached"`
	Download   int        `json:"download"`
	Downloaded int        `json:"downloaded"`
	Failed     int        `json:"failed"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (m *Manager) statusPath() string {
	return filepath.Join(m.store.Root(), StatusFileName)
}

// LoadSweepStatus reads the last persisted sweep status.
func (m *Manager) LoadSweepStatus() (SweepStatus, error) {
	return state.LoadJSONFile[SweepStatus](m.statusPath())
}

func (m *Manager) writeStatus(st SweepStatus) {
	if err := state.SaveJSONFileIndented(m.statusPath(), st); err != nil {
		m.log.Warn().Err(err).Msg("write pre-cache status")
	}
	m.metrics.SetSweep(st.Total, st.Cached, st.Downloaded, st.Failed)
}

// PreCache downloads every listed background that is not yet in the
// permanent cache, with bounded concurrency. Individual failures are counted,
// not returned. Cancellation stops scheduling, records a cancelled status and
// returns ctx.Err().
func (m *Manager) PreCache(ctx context.Context) (SweepStatus, error) {
	if _, err := m.store.EnsureDirs(); err != nil {
		return SweepStatus{}, err
	}
	urls, err := m.CollectURLs()
	if err != nil {
		return SweepStatus{}, err
	}
	if len(urls) == 0 {
		m.log.Warn().Msg("pre-cache: no background URLs found")
		return SweepStatus{Status: SweepDone}, nil
	}

	type job struct{ url, dest string }
	var jobs []job
	cached := 0
	for _, u := range urls {
		dest := m.store.BackgroundCachePath(u)
		if fileExists(dest) {
			cached++
			continue
		}
		jobs = append(jobs, job{u, dest})
	}

	workers := config.ClampConcurrency(m.opts.PreCacheConcurrency)
	st := SweepStatus{
		Status:    SweepRunning,
		Total:     len(urls),
		Cached:    cached,
		Download:  len(jobs),
		StartedAt: m.now(),
	}
	m.writeStatus(st)
	m.log.Info().
		Int("total", st.Total).
		Int("cached", st.Cached).
		Int("download", st.Download).
		Int("concurrency", workers).
		Msg("pre-cache started")

	var (
		downloaded atomic.Int64
		failed     atomic.Int64
		wg         sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(workers))

	for _, j := range jobs {
		if fileExists(j.dest) {
			downloaded.Add(1)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer sem.Release(1)
			if fileExists(j.dest) {
				downloaded.Add(1)
				return
			}
			if err := m.dl.Fetch(ctx, "background", j.url, j.dest); err != nil {
				if ctx.Err() == nil {
					failed.Add(1)
				}
				return
			}
			if err := m.verifyImage(j.dest); err != nil {
				failed.Add(1)
				return
			}
			downloaded.Add(1)
		}(j)
	}
	wg.Wait()

	ended := m.now()
	st.Downloaded = int(downloaded.Load())
	st.Failed = int(failed.Load())
	st.EndedAt = &ended
	st.Status = SweepDone
	if ctx.Err() != nil {
		st.Status = SweepCancelled
	}
	m.writeStatus(st)

	if st.Status == SweepCancelled {
		m.log.Info().Int("downloaded", st.Downloaded).Msg("pre-cache cancelled")
		return st, ctx.Err()
	}
	m.log.Info().
		Int("total", st.Total).
		Int("cached", st.Cached).
		Int("downloaded", st.Downloaded).
		Int("failed", st.Failed).
		Msg("pre-cache finished")
	return st, nil
}
