package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryJob struct {
	job        Job
	seq        uint64
	leaseUntil time.Time
}

// MemoryBackend keeps jobs in process memory. Jobs are only visible to
// consumers of the same process and are lost on restart.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]map[string]*memoryJob
	seq    uint64
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		queues: make(map[string]map[string]*memoryJob),
		now:    time.Now,
	}
}

func (m *MemoryBackend) queue(name string) map[string]*memoryJob {
	q, ok := m.queues[name]
	if !ok {
		q = make(map[string]*memoryJob)
		m.queues[name] = q
	}
	return q
}

func (m *MemoryBackend) Enqueue(_ context.Context, job *Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(job.Queue)
	if existing, ok := q[job.ID]; ok && existing.job.State.IsPending() {
		return false, nil
	}

	m.seq++
	stored := *job
	stored.Attempt = 0
	stored.Throttles = 0
	stored.LastError = ""
	stored.DeadAt = nil
	stored.State = StateWaiting
	if stored.RunAt.After(m.now()) {
		stored.State = StateDelayed
	}
	q[job.ID] = &memoryJob{job: stored, seq: m.seq}
	return true, nil
}

func (m *MemoryBackend) Claim(_ context.Context, queue string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q := m.queue(queue)

	candidates := make([]*memoryJob, 0, len(q))
	for _, mj := range q {
		switch mj.job.State {
		case StateDelayed:
			if !mj.job.RunAt.After(now) {
				mj.job.State = StateWaiting
			}
		case StateActive:
			if !mj.leaseUntil.After(now) {
				mj.job.State = StateWaiting
			}
		}
		if mj.job.State == StateWaiting {
			candidates = append(candidates, mj)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].job.Priority != candidates[j].job.Priority {
			return candidates[i].job.Priority < candidates[j].job.Priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	next := candidates[0]
	next.job.State = StateActive
	next.job.Attempt++
	next.leaseUntil = now.Add(lease)

	claimed := next.job
	return &claimed, nil
}

// active returns the stored job if it is still leased by the caller's attempt.
func (m *MemoryBackend) active(job *Job) (*memoryJob, bool) {
	mj, ok := m.queue(job.Queue)[job.ID]
	if !ok || mj.job.State != StateActive || mj.job.Attempt != job.Attempt {
		return nil, false
	}
	return mj, true
}

func (m *MemoryBackend) Ack(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active(job); !ok {
		return ErrLeaseLost
	}
	delete(m.queue(job.Queue), job.ID)
	return nil
}

func (m *MemoryBackend) Retry(_ context.Context, job *Job, runAt time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.active(job)
	if !ok {
		return ErrLeaseLost
	}
	mj.job.State = StateDelayed
	mj.job.RunAt = runAt
	mj.job.LastError = cause
	return nil
}

func (m *MemoryBackend) Defer(_ context.Context, job *Job, runAt time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.active(job)
	if !ok {
		return ErrLeaseLost
	}
	mj.job.State = StateDelayed
	mj.job.RunAt = runAt
	mj.job.LastError = cause
	mj.job.Attempt--
	mj.job.Throttles++
	return nil
}

func (m *MemoryBackend) DeadLetter(_ context.Context, job *Job, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.active(job)
	if !ok {
		return ErrLeaseLost
	}
	deadAt := m.now()
	mj.job.State = StateDead
	mj.job.LastError = cause
	mj.job.DeadAt = &deadAt
	return nil
}

func (m *MemoryBackend) Stats(_ context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Queue: queue}
	for _, mj := range m.queue(queue) {
		switch mj.job.State {
		case StateWaiting:
			stats.Waiting++
		case StateDelayed:
			stats.Delayed++
		case StateActive:
			stats.Active++
		case StateDead:
			stats.Dead++
		}
	}
	return stats, nil
}

func (m *MemoryBackend) DeadLetters(_ context.Context, queue string, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*Job
	for _, mj := range m.queue(queue) {
		if mj.job.State == StateDead {
			j := mj.job
			dead = append(dead, &j)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].DeadAt.After(*dead[j].DeadAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (m *MemoryBackend) PruneDead(_ context.Context, queue string, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	pruned := 0
	for id, mj := range q {
		if mj.job.State == StateDead && mj.job.DeadAt != nil && !mj.job.DeadAt.After(olderThan) {
			delete(q, id)
			pruned++
		}
	}
	return pruned, nil
}
