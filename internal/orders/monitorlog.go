package orders

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/soradev/kabu-assist/internal/types"
)

const logWriters = 4

// WriteMonitoringLogs dumps every watched symbol's tick series to CSV
// under dir, one file per venue and symbol. Series are snapshotted
// under the lock; file writing runs on a small worker pool and blocks
// until done, so callers schedule it off the tick loop.
func (m *Manager) WriteMonitoringLogs(dir string, date types.Day) {
	type job struct {
		path  string
		quote *types.Quote
	}

	m.mu.Lock()
	var jobs []job
	for venue, series := range m.quotes {
		prefix := ""
		if venue == types.VenuePTS {
			prefix = "pts_"
		}
		for code, q := range series {
			name := fmt.Sprintf("%s%s_%s.csv", prefix, code, date.Compact())
			jobs = append(jobs, job{path: filepath.Join(dir, name), quote: q.Clone()})
		}
	}
	m.mu.Unlock()

	if len(jobs) == 0 {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Error().Err(err).Str("dir", dir).Msg("monitoring log dir create failed")
		return
	}

	ch := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < logWriters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range ch {
				if err := os.WriteFile(j.path, []byte(j.quote.CSV()), 0o644); err != nil {
					m.logger.Error().Err(err).Str("path", j.path).Msg("monitoring log write failed")
				}
			}
		}()
	}
	for _, j := range jobs {
		ch <- j
	}
	close(ch)
	wg.Wait()
}
