package enroll

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/metrics"
)

// Finished jobs are forgotten once older than FinishedJobRetention, and
// only the newest MaxFinishedJobs are kept.
const (
	FinishedJobRetention = time.Hour
	MaxFinishedJobs      = 100
)

var (
	ErrQueueFull   = errors.New("enrollment queue is full")
	ErrQueueClosed = errors.New("enrollment queue is closed")
)

// JobKind is the operation a job performs.
type JobKind string

const (
	JobAdd    JobKind = "add"
	JobDelete JobKind = "delete"
)

// JobState is the lifecycle position of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Job is a unit of enrollment work. Record is required for JobAdd.
type Job struct {
	ID     uuid.UUID
	Kind   JobKind
	Record *domain.Record
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	ID          uuid.UUID  `json:"id"`
	Kind        JobKind    `json:"kind"`
	Domain      string     `json:"domain,omitempty"`
	State       JobState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	Steps       []string   `json:"steps,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Runner performs enrollment operations. *Service implements it.
type Runner interface {
	Add(ctx context.Context, rec *domain.Record) (Report, error)
	Delete(ctx context.Context) (Report, error)
}

// Queue runs enrollment jobs on a fixed pool of workers.
type Queue struct {
	runner  Runner
	workers int
	metrics *metrics.Enroll
	jobs    chan Job

	mu     sync.Mutex
	status map[uuid.UUID]*JobStatus
	closed bool

	retention   time.Duration
	maxFinished int
	now         func() time.Time

	group *errgroup.Group
}

// NewQueue creates a queue holding up to size pending jobs.
func NewQueue(runner Runner, workers, size int, m *metrics.Enroll) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &Queue{
		runner:  runner,
		workers: workers,
		metrics: m,
		jobs:    make(chan Job, size),
		status:  make(map[uuid.UUID]*JobStatus),

		retention:   FinishedJobRetention,
		maxFinished: MaxFinishedJobs,
		now:         time.Now,
	}
}

// Start launches the workers. Jobs run detached from ctx cancellation so a
// shutdown never interrupts an enrollment halfway; ctx only supplies the
// logger.
func (q *Queue) Start(ctx context.Context) {
	jobCtx := context.WithoutCancel(ctx)

	q.group = &errgroup.Group{}
	for i := range q.workers {
		q.group.Go(func() error {
			for job := range q.jobs {
				q.metrics.SetQueueDepth(len(q.jobs))
				q.run(jobCtx, i, job)
			}
			return nil
		})
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Enrollment workers started", map[string]any{
		"workers":    q.workers,
		"queue_size": cap(q.jobs),
	})
}

// Submit enqueues job and returns its ID.
func (q *Queue) Submit(job Job) (uuid.UUID, error) {
	if job.Kind == JobAdd && job.Record == nil {
		return uuid.Nil, fmt.Errorf("add job requires a domain record")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return uuid.Nil, ErrQueueClosed
	}

	st := &JobStatus{
		ID:          job.ID,
		Kind:        job.Kind,
		State:       StatePending,
		SubmittedAt: q.now(),
	}
	if job.Record != nil {
		st.Domain = job.Record.Name
	}

	select {
	case q.jobs <- job:
	default:
		return uuid.Nil, ErrQueueFull
	}
	q.status[job.ID] = st
	q.pruneLocked()
	q.metrics.SetQueueDepth(len(q.jobs))
	return job.ID, nil
}

// Status returns a snapshot of the job's status.
func (q *Queue) Status(id uuid.UUID) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.status[id]
	if !ok {
		return JobStatus{}, false
	}
	snapshot := *st
	snapshot.Steps = append([]string(nil), st.Steps...)
	return snapshot, true
}

// Stop refuses new jobs, lets the workers finish what is queued and waits
// for them until ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	if q.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context, worker int, job Job) {
	started := q.now()
	q.update(job.ID, func(st *JobStatus) {
		st.State = StateRunning
		st.StartedAt = &started
	})

	fields := map[string]any{
		"job_id": job.ID.String(),
		"kind":   string(job.Kind),
		"worker": worker,
	}
	if job.Record != nil {
		fields["domain"] = job.Record.Name
		fields["provider"] = string(job.Record.Provider)
	}
	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Enrollment job started", fields)

	report, err := q.execute(ctx, job)

	finished := q.now()
	q.metrics.ObserveJob(string(job.Kind), finished.Sub(started), err)
	q.update(job.ID, func(st *JobStatus) {
		st.FinishedAt = &finished
		st.Steps = report.Names()
		if err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			return
		}
		st.State = StateSucceeded
	})
	q.prune()

	fields["duration_ms"] = finished.Sub(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, logging.SubsystemEnroll, "Enrollment job failed", fields)
		return
	}
	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Enrollment job succeeded", fields)
}

func (q *Queue) execute(ctx context.Context, job Job) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			tflog.SubsystemError(ctx, logging.SubsystemEnroll, "Enrollment job panicked", map[string]any{
				"job_id": job.ID.String(),
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch job.Kind {
	case JobAdd:
		return q.runner.Add(ctx, job.Record)
	case JobDelete:
		return q.runner.Delete(ctx)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (q *Queue) update(id uuid.UUID, fn func(*JobStatus)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.status[id]; ok {
		fn(st)
	}
}

func (q *Queue) prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()
}

// pruneLocked drops expired finished jobs and then the oldest finished jobs
// beyond maxFinished. Pending and running jobs are always kept.
func (q *Queue) pruneLocked() {
	cutoff := q.now().Add(-q.retention)

	var finished []*JobStatus
	for id, st := range q.status {
		if st.FinishedAt == nil {
			continue
		}
		if st.FinishedAt.Before(cutoff) {
			delete(q.status, id)
			continue
		}
		finished = append(finished, st)
	}
	if len(finished) <= q.maxFinished {
		return
	}

	slices.SortFunc(finished, func(a, b *JobStatus) int {
		return a.FinishedAt.Compare(*b.FinishedAt)
	})
	for _, st := range finished[:len(finished)-q.maxFinished] {
		delete(q.status, st.ID)
	}
}
