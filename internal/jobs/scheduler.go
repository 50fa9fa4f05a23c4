package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Job is a unit of periodic maintenance work
type Job interface {
	Run(ctx context.Context) error
	// NextRunTime returns the first run strictly after the given time
	NextRunTime(after time.Time) time.Time
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string    `json:"name"`
	NextRunTime time.Time `json:"next_run_time"`
	LastRunTime time.Time `json:"last_run_time,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int       `json:"runs"`
}

type scheduledJob struct {
	job     Job
	timer   *time.Timer
	nextRun time.Time
	lastRun time.Time
	lastErr error
	runs    int
}

// JobScheduler runs registered jobs on their own schedules. A job never
// overlaps with itself: it is rescheduled only after its run returns.
type JobScheduler struct {
	jobs    map[string]*scheduledJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		jobs:   make(map[string]*scheduledJob),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Register adds a job; jobs registered after Start are scheduled immediately
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj := &scheduledJob{job: job}
	s.jobs[name] = sj
	log.Printf("✅ [SCHEDULER] Registered job: %s", name)

	if s.running {
		s.schedule(name, sj)
	}
}

// Start schedules all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	log.Printf("🚀 [SCHEDULER] Starting job scheduler with %d jobs", len(s.jobs))

	for name, sj := range s.jobs {
		s.schedule(name, sj)
	}
}

// schedule arms the job's timer. Caller holds s.mu.
func (s *JobScheduler) schedule(name string, sj *scheduledJob) {
	now := s.now()
	sj.nextRun = sj.job.NextRunTime(now)
	wait := sj.nextRun.Sub(now)
	if wait < 0 {
		wait = 0
	}

	log.Printf("⏰ [SCHEDULER] Job '%s' scheduled for %s (in %v)", name, sj.nextRun.Format(time.RFC3339), wait.Round(time.Second))

	sj.timer = time.AfterFunc(wait, func() {
		s.run(name, sj)
	})
}

func (s *JobScheduler) run(name string, sj *scheduledJob) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.execute(name, sj.job)

	s.mu.Lock()
	defer s.mu.Unlock()
	sj.lastRun = s.now()
	sj.lastErr = err
	sj.runs++
	if s.running {
		s.schedule(name, sj)
	}
}

func (s *JobScheduler) execute(name string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		if err != nil {
			log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", name, err)
		}
	}()

	log.Printf("▶️  [SCHEDULER] Running job: %s", name)
	start := time.Now()
	err = job.Run(s.ctx)
	log.Printf("✅ [SCHEDULER] Job '%s' finished in %v", name, time.Since(start))
	return err
}

// Stop cancels pending timers and waits for running jobs to return
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.running = false
	for _, sj := range s.jobs {
		if sj.timer != nil {
			sj.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow runs a job synchronously outside its schedule
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	sj, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.execute(name, sj.job)
}

// Status returns the status of all jobs
func (s *JobScheduler) Status() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]JobStatus, len(s.jobs))
	for name, sj := range s.jobs {
		st := JobStatus{
			Name:        name,
			NextRunTime: sj.nextRun,
			LastRunTime: sj.lastRun,
			Runs:        sj.runs,
		}
		if sj.lastErr != nil {
			st.LastError = sj.lastErr.Error()
		}
		status[name] = st
	}
	return status
}
