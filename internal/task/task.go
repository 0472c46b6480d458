// Package task implements the background task manager: a submit/poll
// lifecycle for long-running ingestion jobs, with a
// semaphore-bounded worker pool isolating CPU-bound parsing from the
// request path.
package task

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Status values. Transitions are strictly monotone:
// pending -> processing -> {completed | failed}.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is one ingestion job's record.
type Task struct {
	ID            string     `json:"task_id"`
	Filename      string     `json:"filename"`
	Status        string     `json:"status"`
	ChunksCreated int        `json:"chunks_created"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      float64    `json:"duration"` // seconds

	tempPath string
}

// IngestFunc performs the actual ingestion of a staged file and
// reports how many chunks it created.
type IngestFunc func(ctx context.Context, path, filename string) (int, error)

// Manager tracks tasks and runs their workers.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager whose workers are bounded by poolSize
// concurrent ingestions.
func NewManager(poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tasks:  make(map[string]*Task),
		sem:    semaphore.NewWeighted(int64(poolSize)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit records a pending task for the staged file and spawns its
// worker. The temp file is removed in every terminal path.
func (m *Manager) Submit(filename, tempPath string, ingest IngestFunc) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		tempPath:  tempPath,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(t, ingest)

	slog.Info("task: submitted", "task_id", t.ID, "filename", filename)
	return m.snapshot(t.ID)
}

func (m *Manager) run(t *Task, ingest IngestFunc) {
	defer m.wg.Done()
	defer func() {
		if t.tempPath != "" {
			if err := os.Remove(t.tempPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("task: removing temp file failed", "task_id", t.ID, "error", err)
			}
		}
	}()

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		m.finish(t, 0, err)
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	now := time.Now()
	t.Status = StatusProcessing
	t.StartedAt = &now
	m.mu.Unlock()

	slog.Info("task: processing", "task_id", t.ID, "filename", t.Filename)
	chunks, err := ingest(m.ctx, t.tempPath, t.Filename)
	m.finish(t, chunks, err)
}

func (m *Manager) finish(t *Task, chunks int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.Duration = now.Sub(*t.StartedAt).Seconds()
	}
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
		slog.Error("task: failed", "task_id", t.ID, "filename", t.Filename, "error", err)
		return
	}
	t.Status = StatusCompleted
	t.ChunksCreated = chunks
	slog.Info("task: completed",
		"task_id", t.ID, "filename", t.Filename,
		"chunks", chunks, "duration", t.Duration)
}

// Get returns a snapshot of the task, or ok=false for an unknown id.
func (m *Manager) Get(id string) (*Task, bool) {
	snap := m.snapshot(id)
	return snap, snap != nil
}

func (m *Manager) snapshot(id string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	snap := *t
	return &snap
}

// List returns snapshots of all tasks, newest first.
func (m *Manager) List() []*Task {
	m.mu.RLock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		snap := *t
		out = append(out, &snap)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Close stops accepting work and waits for running workers to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
