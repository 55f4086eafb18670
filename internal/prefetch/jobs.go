package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobStatus represents the current status of a prefetch job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job tracks one GPX upload through the pipeline. Progress state is
// transient: it lives for the duration of the run and is discarded with
// the job.
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	CreatedAt   string    `json:"createdAt"`
	CompletedAt string    `json:"completedAt,omitempty"`
	Progress    Progress  `json:"progress"`
	TilesStored int       `json:"tilesStored"`
	Error       string    `json:"error,omitempty"`

	doneAt time.Time
}

// jobRetention is how long a finished job stays answerable to polls before
// the next Start sweeps it away.
const jobRetention = time.Hour

// Manager runs prefetch jobs and answers progress polls. One upload runs to
// completion or failure; there is no pause or retry.
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	prefetcher *Prefetcher
	retention  time.Duration
	log        *logrus.Entry
}

// NewManager creates a job manager around one prefetcher.
func NewManager(p *Prefetcher, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		jobs:       make(map[string]*Job),
		prefetcher: p,
		retention:  jobRetention,
		log:        log,
	}
}

// Start launches a job for the given GPX document and returns its initial
// snapshot. The pipeline runs in the background; poll Get for progress.
func (m *Manager) Start(gpxData []byte) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: time.Now().Format(time.RFC3339),
	}

	m.mu.Lock()
	m.sweep()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.run(job.ID, gpxData)

	return *job
}

// Get returns a snapshot of the job, or false when the ID is unknown.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (m *Manager) run(id string, gpxData []byte) {
	m.update(id, func(j *Job) {
		j.Status = JobStatusRunning
	})

	count, err := m.prefetcher.Run(context.Background(), gpxData, func(p Progress) {
		m.update(id, func(j *Job) {
			j.Progress = p
		})
	})

	if err != nil {
		m.log.Warnf("prefetch job %s failed: %v", id, err)
		m.update(id, func(j *Job) {
			j.Status = JobStatusFailed
			j.CompletedAt = time.Now().Format(time.RFC3339)
			j.Error = UserMessage(err)
			j.doneAt = time.Now()
		})
		return
	}

	m.update(id, func(j *Job) {
		j.Status = JobStatusCompleted
		j.CompletedAt = time.Now().Format(time.RFC3339)
		j.TilesStored = count
		j.doneAt = time.Now()
	})
}

// sweep drops finished jobs past the retention window. Callers hold the
// write lock.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.retention)
	for id, job := range m.jobs {
		if !job.doneAt.IsZero() && job.doneAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
	}
}
