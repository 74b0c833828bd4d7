// Package jobmanager implements the edge daemon's job registry (C10): one
// process-global instance keyed by UUID, with an auto-cleanup consumer
// fed by each job's one-way cleanup channel.
package jobmanager

import (
	"sync"

	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/job"
	"github.com/google/uuid"
)

// Manager is the job registry. There is exactly one instance per daemon
// process.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job

	cleanup chan string
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New starts a Manager and its background cleanup consumer.
func New() *Manager {
	m := &Manager{
		jobs:    make(map[string]*job.Job),
		cleanup: make(chan string, 64),
		stop:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.runCleanupLoop()
	return m
}

func (m *Manager) runCleanupLoop() {
	defer m.wg.Done()
	for {
		select {
		case id := <-m.cleanup:
			m.mu.Lock()
			delete(m.jobs, id)
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Close stops the cleanup consumer. Jobs already registered are left in
// place; it does not cancel running workers.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

// CreateJob allocates a UUID, constructs a Job wired to this manager's
// cleanup channel, and registers it.
func (m *Manager) CreateJob(requestPayload interface{}, storage job.StoragePolicy, protocol job.WorkerProtocol, retention job.RetentionPolicy) *job.Job {
	id := uuid.NewString()
	j := job.New(id, requestPayload, storage, protocol, retention, m.cleanup)

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()
	return j
}

// GetJob returns the job registered under id, if any.
func (m *Manager) GetJob(id string) (*job.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// RemoveJob force-removes a job from the registry. Running workers are
// not cancelled by removal alone; callers that want that must call
// job.Cancel() themselves first.
func (m *Manager) RemoveJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return crverr.New(crverr.NotFound, "no such job: %s", id)
	}
	delete(m.jobs, id)
	return nil
}

// Len reports the number of registered jobs, for diagnostics and tests.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
