// Package maintenance runs the daemon's self-housekeeping jobs: a defensive
// approval-broker sweep and log rotation/retention, each on its own cron
// schedule, started at daemon boot and stopped at shutdown.
package maintenance

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/metrics"
)

// Config controls the sweeper's log-rotation target and retention.
type Config struct {
	LogDir        string
	RetainRotated int // number of rotated files to keep; default 7
}

// Sweeper owns a cron.Cron instance running two jobs against a live Broker:
// a once-a-minute defensive approval sweep and an hourly log rotation pass.
type Sweeper struct {
	cron   *cron.Cron
	broker *approval.Broker
	cfg    Config
	log    *slog.Logger
}

// New constructs a Sweeper. Call Start to schedule its jobs, Stop to cancel
// them; neither is called automatically.
func New(broker *approval.Broker, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.RetainRotated <= 0 {
		cfg.RetainRotated = 7
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cron:   cron.New(),
		broker: broker,
		cfg:    cfg,
		log:    log,
	}
}

// Start registers the jobs and starts the cron scheduler's goroutine. Call
// it once: a second call registers both jobs again (cron.Cron only ignores
// the repeated start of its own loop).
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.sweepApprovals); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1h", s.rotateLogs); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels the scheduler and waits for any in-flight job to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// sweepApprovals is a defensive double-check behind the broker's own
// per-request timer: it exists only to export a metric if the broker's
// pending count ever grows unbounded, which would indicate the timer path
// itself failed somewhere.
func (s *Sweeper) sweepApprovals() {
	total := 0
	for _, sid := range s.broker.SessionIDs() {
		total += len(s.broker.List(sid))
	}
	metrics.SetPendingApprovals(float64(total))
}

// rotateLogs renames a non-trivial current.log to a timestamped rotated
// file and prunes rotated files beyond cfg.RetainRotated, newest first.
func (s *Sweeper) rotateLogs() {
	current := filepath.Join(s.cfg.LogDir, "current.log")
	info, err := os.Stat(current)
	if err != nil || info.Size() == 0 {
		return
	}

	rotated := filepath.Join(s.cfg.LogDir, "rotated-"+time.Now().UTC().Format("20060102T150405")+".log")
	if err := os.Rename(current, rotated); err != nil {
		s.log.Warn("log rotation failed", "error", err)
		return
	}

	s.pruneRotated()
}

func (s *Sweeper) pruneRotated() {
	entries, err := os.ReadDir(s.cfg.LogDir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "rotated-") {
			rotated = append(rotated, e.Name())
		}
	}
	sort.Strings(rotated)

	excess := len(rotated) - s.cfg.RetainRotated
	for i := 0; i < excess; i++ {
		_ = os.Remove(filepath.Join(s.cfg.LogDir, rotated[i]))
	}
}
