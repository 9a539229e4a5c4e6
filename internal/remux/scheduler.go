package remux

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Scheduler promotes queued jobs to running while the concurrency ceiling allows.
type Scheduler struct {
	registry *Registry
	ceiling  int
	launch   func(admission)
	logger   *logrus.Logger
	stopped  atomic.Bool
}

func NewScheduler(registry *Registry, ceiling int, launch func(admission), logger *logrus.Logger) *Scheduler {
	if ceiling <= 0 {
		ceiling = 2
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		registry: registry,
		ceiling:  ceiling,
		launch:   launch,
		logger:   logger,
	}
}

func (s *Scheduler) Ceiling() int {
	return s.ceiling
}

// Kick admits queued jobs, oldest first, until the ceiling is reached or the queue is
// empty. It is safe to call at any time and any number of times; it returns the number
// of jobs admitted.
func (s *Scheduler) Kick() int {
	admitted := 0
	for s.admit() {
		admitted++
	}
	return admitted
}

func (s *Scheduler) admit() bool {
	if s.stopped.Load() {
		return false
	}
	adm, ok := s.registry.claimNext(s.ceiling)
	if !ok {
		return false
	}
	s.logger.WithField("job_id", adm.job.ID).Info("job admitted")
	s.launch(adm)
	return true
}

// Stop makes every later Kick a no-op.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}
