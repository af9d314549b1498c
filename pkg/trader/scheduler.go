package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is a periodic task. Run errors are logged; the job keeps its schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until Stop or context cancellation.
type Scheduler struct {
	jobs   []Job
	logger *logrus.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewScheduler(logger *logrus.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			return errors.New("job " + job.Name + " has no interval")
		}
	}

	s.logger.WithField("jobs", len(s.jobs)).Info("Starting scheduler")
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	return nil
}

// Stop signals every job to exit and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	log := s.logger.WithField("job", job.Name)
	if err := job.Run(ctx); err != nil {
		if errors.Is(err, ErrCycleRunning) {
			log.Warn("Previous run still in progress, skipping tick")
			return
		}
		log.WithError(err).Error("Job run failed")
	}
}

// CycleJob runs the coordinator's cycle on interval.
func (c *Coordinator) CycleJob(interval time.Duration) Job {
	return Job{
		Name:     "cycle",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := c.RunCycle(ctx)
			return err
		},
	}
}
