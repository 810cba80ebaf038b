package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/service"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrQueueFull is returned when no more jobs can be accepted.
var ErrQueueFull = errors.New("job queue is full; try again later")

// Job is a re-analysis of one dataset.
type Job struct {
	ID         string             `json:"job_id"`
	DatasetID  string             `json:"dataset_id"`
	Status     JobStatus          `json:"status"`
	Overrides  *service.Overrides `json:"overrides,omitempty"`
	Result     *service.Status    `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

func (j *Job) finished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int           // Max concurrent analysis jobs (default 1)
	QueueSize     int           // Pending jobs accepted (default 16)
	Retention     time.Duration // How long finished jobs are kept (default 24h)
	CleanupPeriod time.Duration
	Logger        zerolog.Logger
}

// JobManager runs dataset re-analyses in the background.
type JobManager struct {
	cfg      JobManagerConfig
	registry *DatasetRegistry
	logger   zerolog.Logger

	queue    chan string // job IDs
	jobs     map[string]*Job
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewJobManager creates a job manager over the datasets of registry.
func NewJobManager(registry *DatasetRegistry, cfg JobManagerConfig) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}
	return &JobManager{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger.With().Str("component", "jobs").Logger(),
		queue:    make(chan string, cfg.QueueSize),
		jobs:     make(map[string]*Job),
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
func (jm *JobManager) Start() {
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok || job.Status != JobStatusQueued {
		jm.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	jm.running[jobID] = cancel
	datasetID, overrides := job.DatasetID, job.Overrides
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	var (
		st  service.Status
		err error
	)
	svc := jm.registry.Get(datasetID)
	if svc == nil {
		err = errors.New("dataset not found: " + datasetID)
	} else {
		st, err = svc.Analyse(ctx, overrides)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	finished := time.Now()
	job.FinishedAt = &finished
	switch {
	case errors.Is(err, context.Canceled):
		job.Status = JobStatusCancelled
		job.Error = "cancelled by user"
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
		jm.logger.Error().Str("job", jobID).Err(err).Msg("analysis job failed")
	default:
		job.Status = JobStatusCompleted
		job.Result = &st
		jm.logger.Info().Str("job", jobID).Str("dataset", datasetID).Msg("analysis job completed")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup(time.Now())
		}
	}
}

func (jm *JobManager) cleanup(now time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	deleted := 0
	for id, job := range jm.jobs {
		if job.finished() && job.FinishedAt != nil && now.Sub(*job.FinishedAt) > jm.cfg.Retention {
			delete(jm.jobs, id)
			deleted++
		}
	}
	if deleted > 0 {
		jm.logger.Info().Int("deleted", deleted).Msg("cleaned up expired jobs")
	}
	return deleted
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(datasetID string, overrides *service.Overrides) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Status:    JobStatusQueued,
		Overrides: overrides,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	select {
	case <-jm.stopCh:
		return nil, errors.New("job manager stopped")
	default:
	}
	select {
	case jm.queue <- job.ID:
	default:
		return nil, ErrQueueFull
	}
	jm.jobs[job.ID] = job
	snapshot := *job
	return &snapshot, nil
}

// Get returns a snapshot of a job, or nil if unknown.
func (jm *JobManager) Get(id string) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *job
	return &snapshot
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if cancel, ok := jm.running[id]; ok {
		cancel()
		return true
	}
	job, ok := jm.jobs[id]
	if !ok || job.Status != JobStatusQueued {
		return false
	}
	now := time.Now()
	job.Status = JobStatusCancelled
	job.Error = "cancelled before start"
	job.FinishedAt = &now
	return true
}
