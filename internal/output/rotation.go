package output

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/loykin/easysvc/internal/metrics"
)

var dailyFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.log$`)

// Rotator deletes the oldest daily output files beyond a retention count.
type Rotator struct {
	name     string
	dir      string
	keep     int
	interval time.Duration
	log      *slog.Logger
	sleep    func(time.Duration)
}

func NewRotator(name, dir string, keep int, interval time.Duration, log *slog.Logger) *Rotator {
	if log == nil {
		log = slog.Default()
	}
	return &Rotator{name: name, dir: dir, keep: keep, interval: interval, log: log, sleep: time.Sleep}
}

// Enabled reports whether retention applies at all.
func (r *Rotator) Enabled() bool { return r.dir != "" && r.keep > 0 }

// DailyFiles lists the daily output files in dir, oldest first.
// The date-shaped names sort chronologically.
func DailyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && dailyFilePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes the oldest files until at most keep remain and returns the
// names it deleted. A failed deletion is logged and skipped.
func (r *Rotator) Prune() []string {
	if !r.Enabled() {
		return nil
	}
	names, err := DailyFiles(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Error("list output files", "worker", r.name, "dir", r.dir, "error", err)
		}
		return nil
	}
	if len(names) <= r.keep {
		return nil
	}
	var deleted []string
	for _, n := range names[:len(names)-r.keep] {
		path := filepath.Join(r.dir, n)
		if err := os.Remove(path); err != nil {
			r.log.Error("delete output file", "worker", r.name, "file", path, "error", err)
			continue
		}
		metrics.IncRotated(r.name)
		r.log.Info("deleted old output file", "worker", r.name, "file", path)
		deleted = append(deleted, n)
	}
	return deleted
}

// Run prunes, sleeps one interval, and repeats until alive reports false.
func (r *Rotator) Run(alive func() bool) {
	for {
		r.Prune()
		r.sleep(r.interval)
		if !alive() {
			return
		}
	}
}
