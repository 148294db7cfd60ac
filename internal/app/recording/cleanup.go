package recording

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cleaner removes local recording files older than the retention window.
// Files that belong to a running recording are skipped.
type Cleaner struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	live      func(path string) bool
	now       func() time.Time
	log       zerolog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewCleaner(dir string, retention, interval time.Duration, live func(string) bool, log zerolog.Logger) *Cleaner {
	if live == nil {
		live = func(string) bool { return false }
	}
	return &Cleaner{
		dir:       dir,
		retention: retention,
		interval:  interval,
		live:      live,
		now:       time.Now,
		log:       log.With().Str("module", "recording.cleaner").Logger(),
		done:      make(chan struct{}),
	}
}

// Start is idempotent.
func (c *Cleaner) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
		c.log.Info().Dur("retention", c.retention).Dur("interval", c.interval).Msg("recording cleaner started")
	})
}

func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.log.Info().Msg("recording cleaner stopped")
	})
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				c.log.Warn().Err(err).Msg("sweep recordings")
			}
		}
	}
}

// Sweep deletes expired files once and returns how many were removed.
func (c *Cleaner) Sweep() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := c.now().Add(-c.retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if !info.ModTime().Before(cutoff) || c.live(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("remove expired recording")
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info().Int("removed", removed).Msg("expired recordings removed")
	}
	return removed, nil
}
