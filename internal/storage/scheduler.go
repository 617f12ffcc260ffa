package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ==================== Contraction Scheduler ====================
// Drives background insert-buffer contraction on a CRON expression or a
// fixed interval. It knows nothing about the insert buffer's internals;
// it only calls Contractor.Contract on whatever cadence a ContractJob
// describes.

// Contractor is the subset of the insert buffer's background-merge API the
// scheduler depends on. Kept as a local interface (rather than importing
// internal/ibuf) so the scheduler has no compile-time dependency on the
// insert buffer package.
type Contractor interface {
	Contract(ctx context.Context, sync bool, budgetPages int) (int64, error)
}

// ScheduleType enumerates how a ContractJob's cadence is computed.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "CRON"
	ScheduleInterval ScheduleType = "INTERVAL"
)

// ContractJob describes one scheduled contraction pass.
type ContractJob struct {
	Name         string
	ScheduleType ScheduleType
	CronExpr     string        // for ScheduleCron
	Interval     time.Duration // for ScheduleInterval
	Timezone     string
	Sync         bool // passed through to Contractor.Contract
	BudgetPages  int
	MaxRuntime   time.Duration
	NoOverlap    bool

	NextRunAt *time.Time
	LastRunAt *time.Time
}

// Scheduler manages scheduled contraction job execution.
type Scheduler struct {
	contractor Contractor
	cron       *cron.Cron
	mu         sync.RWMutex
	jobs       map[string]*ContractJob
	running    map[string]*jobExecution
	stopCh     chan struct{}
}

// jobExecution tracks a running job instance.
type jobExecution struct {
	startTime time.Time
	cancelFn  context.CancelFunc
}

// NewScheduler creates a new contraction scheduler bound to a Contractor.
func NewScheduler(contractor Contractor) *Scheduler {
	loc, _ := time.LoadLocation("UTC")
	return &Scheduler{
		contractor: contractor,
		cron:       cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		jobs:       make(map[string]*ContractJob),
		running:    make(map[string]*jobExecution),
		stopCh:     make(chan struct{}),
	}
}

// Start registers all jobs added so far and begins the scheduler loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if err := s.scheduleJobLocked(job); err != nil {
			log.Printf("failed to schedule contraction job %q: %v", job.Name, err)
		}
	}

	s.cron.Start()
	go s.runIntervalScheduler()

	log.Printf("contraction scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop halts the scheduler and cancels all running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	close(s.stopCh)

	for name, exec := range s.running {
		log.Printf("canceling running contraction job %q", name)
		exec.cancelFn()
	}

	log.Println("contraction scheduler stopped")
}

// AddJob registers a job and schedules it immediately if the scheduler is
// already running.
func (s *Scheduler) AddJob(job *ContractJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	return s.scheduleJobLocked(job)
}

// RemoveJob unregisters a job and cancels it if currently running.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec, ok := s.running[name]; ok {
		exec.cancelFn()
		delete(s.running, name)
	}
	delete(s.jobs, name)
}

// scheduleJobLocked registers a job with the appropriate scheduler. Caller
// must hold s.mu.
func (s *Scheduler) scheduleJobLocked(job *ContractJob) error {
	switch job.ScheduleType {
	case ScheduleCron:
		return s.scheduleCronJobLocked(job)
	case ScheduleInterval:
		s.calculateNextRun(job)
		return nil
	default:
		return fmt.Errorf("unknown schedule type: %s", job.ScheduleType)
	}
}

func (s *Scheduler) scheduleCronJobLocked(job *ContractJob) error {
	if job.CronExpr == "" {
		return fmt.Errorf("CRON expression empty for job %q", job.Name)
	}

	loc := time.UTC
	if job.Timezone != "" {
		if l, err := time.LoadLocation(job.Timezone); err == nil {
			loc = l
		} else {
			log.Printf("invalid timezone %q for job %q, using UTC", job.Timezone, job.Name)
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid CRON expression %q: %w", job.CronExpr, err)
	}

	nextRun := schedule.Next(time.Now().In(loc))
	job.NextRunAt = &nextRun

	_, err = s.cron.AddFunc(job.CronExpr, func() {
		s.executeJob(job)
	})
	return err
}

// runIntervalScheduler handles ScheduleInterval jobs with a 1s tick.
func (s *Scheduler) runIntervalScheduler() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkIntervalJobs(now)
		}
	}
}

func (s *Scheduler) checkIntervalJobs(now time.Time) {
	s.mu.RLock()
	jobs := make([]*ContractJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.ScheduleType == ScheduleInterval {
			jobs = append(jobs, job)
		}
	}
	s.mu.RUnlock()

	for _, job := range jobs {
		if job.NextRunAt == nil {
			continue
		}
		if now.After(*job.NextRunAt) || now.Equal(*job.NextRunAt) {
			s.executeJob(job)
		}
	}
}

// executeJob runs one contraction pass with proper overlap control.
func (s *Scheduler) executeJob(job *ContractJob) {
	s.mu.Lock()
	if job.NoOverlap {
		if _, isRunning := s.running[job.Name]; isRunning {
			s.mu.Unlock()
			log.Printf("contraction job %q already running, skipping (no_overlap=true)", job.Name)
			return
		}
	}

	timeout := job.MaxRuntime
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	exec := &jobExecution{startTime: time.Now(), cancelFn: cancel}
	s.running[job.Name] = exec
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, job.Name)
			lastRun := exec.startTime
			job.LastRunAt = &lastRun
			s.calculateNextRun(job)
			s.mu.Unlock()
		}()

		log.Printf("contraction job %q starting (sync=%v budget=%d)", job.Name, job.Sync, job.BudgetPages)

		if s.contractor == nil {
			log.Printf("contraction job %q skipped (no contractor configured)", job.Name)
			return
		}
		merged, err := s.contractor.Contract(ctx, job.Sync, job.BudgetPages)
		if err != nil {
			log.Printf("contraction job %q failed: %v", job.Name, err)
			return
		}
		log.Printf("contraction job %q merged %d bytes", job.Name, merged)
	}()
}

// calculateNextRun computes the next execution time based on schedule type.
// Caller must hold s.mu.
func (s *Scheduler) calculateNextRun(job *ContractJob) {
	now := time.Now()

	switch job.ScheduleType {
	case ScheduleInterval:
		if job.Interval <= 0 {
			log.Printf("invalid interval for contraction job %q", job.Name)
			return
		}
		nextRun := now.Add(job.Interval)
		job.NextRunAt = &nextRun

	case ScheduleCron:
		if job.CronExpr != "" {
			parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
			if schedule, err := parser.Parse(job.CronExpr); err == nil {
				loc := time.UTC
				if job.Timezone != "" {
					if l, err := time.LoadLocation(job.Timezone); err == nil {
						loc = l
					}
				}
				nextRun := schedule.Next(now.In(loc))
				job.NextRunAt = &nextRun
			}
		}
	}
}
