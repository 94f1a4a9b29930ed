package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ProcessFunc handles one claimed job. A nil return acks the job; an
// error leaves it claimed for redelivery after the visibility timeout.
type ProcessFunc func(ctx context.Context, job *Job) error

// Supervisor runs a fixed pool of long-lived queue workers plus the cron
// sweeper that returns stale claims to pending. Start blocks until every
// worker has signalled ready; Stop cancels the workers and confirms each
// one's exit before returning.
type Supervisor struct {
	queue      Queue
	process    ProcessFunc
	workers    int
	visibility time.Duration
	log        zerolog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewSupervisor(q Queue, workers int, visibility time.Duration, process ProcessFunc, log zerolog.Logger) *Supervisor {
	if workers < 1 {
		workers = 1
	}
	return &Supervisor{
		queue:      q,
		process:    process,
		workers:    workers,
		visibility: visibility,
		log:        log.With().Str("component", "queue").Logger(),
	}
}

// Start launches the workers and the sweeper. It returns once all
// workers report ready.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	ready := make(chan int, s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, ready)
	}
	for i := 0; i < s.workers; i++ {
		select {
		case id := <-ready:
			s.log.Debug().Int("worker", id).Msg("queue worker ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 30s", func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule queue sweeper: %w", err)
	}
	s.cron.Start()

	s.started = true
	s.log.Info().Int("workers", s.workers).Dur("visibility", s.visibility).Msg("queue supervisor started")
	return nil
}

// Stop shuts the pool down and waits for every worker to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.started = false
	s.log.Info().Msg("queue supervisor stopped, all workers exited")
}

func (s *Supervisor) worker(ctx context.Context, id int, ready chan<- int) {
	defer s.wg.Done()
	ready <- id

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = 5 * time.Second
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			if !s.sleep(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}
		if job == nil {
			if !s.sleep(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}
		idle.Reset()

		if err := s.process(ctx, job); err != nil {
			// Leave the claim in place; the sweeper redelivers it.
			s.log.Error().Err(err).Int("worker", id).Str("job", job.ID).Msg("job processing failed")
			continue
		}
		if err := s.queue.Ack(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Int("worker", id).Str("job", job.ID).Msg("job ack failed")
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	n, err := s.queue.Requeue(ctx, s.visibility)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("queue sweep failed")
		}
		return
	}
	if n > 0 {
		s.log.Warn().Int("jobs", n).Msg("returned stale claims to pending")
	}
}
