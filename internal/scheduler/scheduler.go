// Package scheduler runs time-driven jobs for a trading session, such
// as the end-of-window square-off.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// Scheduler manages cron-driven jobs with bounded retries.
type Scheduler struct {
	cron    *cron.Cron
	log     *logger.Logger
	jobs    map[string]Job
	history map[string]*JobHistory
	mu      sync.RWMutex

	maxRetries int
	retryDelay time.Duration
}

// New creates a scheduler. Cron expressions include a seconds field.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		log:        log.WithComponent("scheduler"),
		jobs:       make(map[string]Job),
		history:    make(map[string]*JobHistory),
		maxRetries: 2,
		retryDelay: 30 * time.Second,
	}
}

// AddJob registers a job under its schedule.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	if _, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(job)
	}); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = job
	s.history[name] = &JobHistory{}

	s.log.WithFields(map[string]interface{}{
		"job":      name,
		"schedule": job.Schedule(),
	}).Info("Job scheduled")
	return nil
}

// Start begins dispatching schedules.
func (s *Scheduler) Start() {
	s.log.Info("Starting scheduler")
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

// RunJob triggers a job immediately, outside its schedule.
func (s *Scheduler) RunJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	go s.runJob(job)
	return nil
}

// History returns a copy of one job's execution record.
func (s *Scheduler) History(name string) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[name]
	if !ok {
		return nil
	}
	out := make([]JobResult, len(h.Results))
	copy(out, h.Results)
	return out
}

// runJob executes one job with bounded retries and records the outcome.
func (s *Scheduler) runJob(job Job) {
	name := job.Name()
	start := time.Now()
	s.log.WithField("job", name).Info("Job started")

	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.WithFields(map[string]interface{}{
				"job":     name,
				"attempt": attempt + 1,
			}).Warn("Retrying job")
			time.Sleep(s.retryDelay)
		}
		if err = job.Run(context.Background()); err == nil {
			break
		}
	}

	result := JobResult{
		JobName:   name,
		StartTime: start,
		EndTime:   time.Now(),
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		result.Error = err.Error()
		s.log.WithError(err).WithField("job", name).Error("Job failed")
	} else {
		s.log.WithFields(map[string]interface{}{
			"job":      name,
			"duration": result.Duration,
		}).Info("Job finished")
	}

	s.mu.Lock()
	if h, ok := s.history[name]; ok {
		h.AddResult(result)
	}
	s.mu.Unlock()
}
