package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic jobs extensions declare at load time. Jobs are
// keyed by extension identifier so a swap replaces them atomically with the
// instance that owns them.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

// NewScheduler creates a stopped scheduler; call Start once the host is up.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string][]cron.EntryID),
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or context expiry.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Register adds all jobs for an identifier. On any invalid schedule the
// already-added jobs are removed again so registration is all-or-nothing.
func (s *Scheduler) Register(identifier string, jobs []JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []cron.EntryID
	for _, job := range jobs {
		job := job
		id, err := s.cron.AddFunc(job.Schedule, func() {
			started := time.Now()
			if err := job.Run(context.Background()); err != nil {
				s.logger.Error("extension job failed",
					"extension", identifier, "job", job.ID, "error", err)
				return
			}
			s.logger.Debug("extension job completed",
				"extension", identifier, "job", job.ID, "took", time.Since(started))
		})
		if err != nil {
			for _, added := range ids {
				s.cron.Remove(added)
			}
			return fmt.Errorf("job %s.%s: invalid schedule %q: %w", identifier, job.ID, job.Schedule, err)
		}
		ids = append(ids, id)
	}

	s.entries[identifier] = ids
	return nil
}

// Unregister removes all jobs for an identifier. Unknown identifiers are a
// no-op.
func (s *Scheduler) Unregister(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries[identifier] {
		s.cron.Remove(id)
	}
	delete(s.entries, identifier)
}

// JobCount returns the number of scheduled jobs for an identifier.
func (s *Scheduler) JobCount(identifier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[identifier])
}
