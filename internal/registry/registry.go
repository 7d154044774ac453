// Package registry stores the single active (or most recently terminal)
// task per worker, with dependency gating and redo lineage.
//
// Mutations take the worker's task file lock with a bounded wait and
// rewrite atomically. Dependency checks are registry-wide: a predecessor
// may live in any worker's active task file or history archive, since one
// worker's completed task can unblock another worker's task.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

var (
	// ErrStillBlocked means at least one blocked_by predecessor is not
	// done yet. Expected during normal operation, not a failure.
	ErrStillBlocked = errors.New("task still blocked by unfinished predecessors")
	// ErrNoTask means the worker has no task on file.
	ErrNoTask = errors.New("no task for worker")
	// ErrActiveTask means the worker already has a non-terminal task.
	ErrActiveTask = errors.New("worker already has a non-terminal task")
	// ErrNotDone means redo was requested while the current task is not
	// terminal.
	ErrNotDone = errors.New("current task is not done")
)

// History is the on-disk archive of a worker's terminal tasks.
type History struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	WorkerID      string       `yaml:"worker_id"`
	Tasks         []model.Task `yaml:"tasks"`
}

// Registry provides task access rooted at a conductor directory.
type Registry struct {
	conductorDir string
	lockTimeout  time.Duration
	mu           *lock.MutexMap
}

func New(conductorDir string, lockTimeout time.Duration) *Registry {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Registry{
		conductorDir: conductorDir,
		lockTimeout:  lockTimeout,
		mu:           lock.NewMutexMap(),
	}
}

func (r *Registry) taskPath(workerID string) string {
	return filepath.Join(r.conductorDir, "tasks", workerID+".yaml")
}

func (r *Registry) historyPath(workerID string) string {
	return filepath.Join(r.conductorDir, "tasks", "history", workerID+".yaml")
}

func (r *Registry) lockPath(workerID string) string {
	return filepath.Join(r.conductorDir, "locks", workerID+".task.lock")
}

// Get is a lock-free snapshot of the worker's task. Absent file → (nil, nil).
func (r *Registry) Get(workerID string) (*model.Task, error) {
	data, err := os.ReadFile(r.taskPath(workerID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", workerID, err)
	}

	var task model.Task
	if err := yamlv3.Unmarshal(data, &task); err != nil {
		return r.recoverCorrupt(workerID, err)
	}
	return &task, nil
}

// recoverCorrupt handles a task file that no longer parses. The backup is
// restored when it still validates; otherwise the file moves to quarantine
// and the worker reads as having no task, so a fresh one can be assigned.
// Both paths replace the file atomically, so a concurrent snapshot reader
// sees either the old bytes or the recovered state, never a partial write.
func (r *Registry) recoverCorrupt(workerID string, parseErr error) (*model.Task, error) {
	path := r.taskPath(workerID)
	if err := yamlutil.RestoreFromBackup(path); err == nil {
		if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeTask); err == nil {
			data, err := os.ReadFile(path)
			if err == nil {
				var task model.Task
				if err := yamlv3.Unmarshal(data, &task); err == nil {
					return &task, nil
				}
			}
		}
	}
	if err := yamlutil.Quarantine(r.conductorDir, path); err != nil {
		return nil, fmt.Errorf("task %s corrupt (%v), quarantine failed: %w", workerID, parseErr, err)
	}
	return nil, nil
}

// Set writes a task for the worker. A fresh task enters blocked when it has
// predecessors, assigned otherwise; an existing terminal task is archived
// to history first. Replacing a non-terminal task fails with ErrActiveTask
// (at most one in-flight task per worker).
func (r *Registry) Set(workerID string, task model.Task) error {
	release, err := r.acquire(workerID)
	if err != nil {
		return err
	}
	defer release()

	current, err := r.Get(workerID)
	if err != nil {
		return err
	}
	if current != nil && current.ID != task.ID && !model.IsTerminal(current.Status) {
		return fmt.Errorf("worker %s, task %s: %w", workerID, current.ID, ErrActiveTask)
	}

	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return fmt.Errorf("generate task id: %w", err)
		}
		task.ID = id
	}
	if task.Status == "" {
		if len(task.BlockedBy) > 0 {
			task.Status = model.StatusBlocked
		} else {
			task.Status = model.StatusAssigned
		}
	}

	if current != nil && current.ID != task.ID {
		if err := r.archive(workerID, *current); err != nil {
			return err
		}
	}
	return r.persist(workerID, task)
}

// Transition moves the worker's task to newStatus. blocked → assigned is
// gated on every blocked_by predecessor being done registry-wide and fails
// with ErrStillBlocked otherwise.
func (r *Registry) Transition(workerID string, newStatus model.TaskStatus) error {
	release, err := r.acquire(workerID)
	if err != nil {
		return err
	}
	defer release()

	task, err := r.Get(workerID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNoTask)
	}

	if err := model.ValidateTaskTransition(task.Status, newStatus); err != nil {
		return err
	}

	if task.Status == model.StatusBlocked && newStatus == model.StatusAssigned {
		unmet, err := r.unmetDependencies(task.BlockedBy)
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			return fmt.Errorf("task %s waiting on %s: %w",
				task.ID, strings.Join(unmet, ", "), ErrStillBlocked)
		}
	}

	task.Status = newStatus
	return r.persist(workerID, *task)
}

// Redo replaces the worker's completed task with a corrected successor.
// The superseded task is archived; newTask.redo_of is set to its id, a
// write-once link that is never cleared.
func (r *Registry) Redo(workerID string, newTask model.Task) error {
	release, err := r.acquire(workerID)
	if err != nil {
		return err
	}
	defer release()

	current, err := r.Get(workerID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNoTask)
	}
	if !model.IsTerminal(current.Status) {
		return fmt.Errorf("worker %s, task %s has status %s: %w",
			workerID, current.ID, current.Status, ErrNotDone)
	}

	if newTask.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return fmt.Errorf("generate task id: %w", err)
		}
		newTask.ID = id
	}
	if newTask.RedoOf != "" && newTask.RedoOf != current.ID {
		return fmt.Errorf("redo_of %q does not reference the completed task %q",
			newTask.RedoOf, current.ID)
	}
	newTask.RedoOf = current.ID
	if newTask.Status == "" {
		if len(newTask.BlockedBy) > 0 {
			newTask.Status = model.StatusBlocked
		} else {
			newTask.Status = model.StatusAssigned
		}
	}

	if err := r.archive(workerID, *current); err != nil {
		return err
	}
	return r.persist(workerID, newTask)
}

// DependenciesSatisfied reports whether every referenced predecessor is
// done, resolving ids against all workers' tasks and history.
func (r *Registry) DependenciesSatisfied(blockedBy []string) (bool, error) {
	unmet, err := r.unmetDependencies(blockedBy)
	if err != nil {
		return false, err
	}
	return len(unmet) == 0, nil
}

// unmetDependencies returns the predecessor ids that are not done yet.
// An id that cannot be found anywhere counts as unmet.
func (r *Registry) unmetDependencies(blockedBy []string) ([]string, error) {
	if len(blockedBy) == 0 {
		return nil, nil
	}

	done := make(map[string]bool)
	collect := func(t model.Task) {
		if t.Status == model.StatusDone {
			done[t.ID] = true
		}
	}

	workers, err := r.Workers()
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if t, err := r.Get(w); err == nil && t != nil {
			collect(*t)
		}
		for _, t := range r.HistoryOf(w) {
			collect(t)
		}
	}

	var unmet []string
	for _, id := range blockedBy {
		if !done[id] {
			unmet = append(unmet, id)
		}
	}
	return unmet, nil
}

// Workers lists the worker ids that have a task on file.
func (r *Registry) Workers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.conductorDir, "tasks"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".yaml"))
	}
	return out, nil
}

// HistoryOf is a lock-free snapshot of a worker's archived tasks, oldest
// first. Absent or unreadable history reads as empty.
func (r *Registry) HistoryOf(workerID string) []model.Task {
	data, err := os.ReadFile(r.historyPath(workerID))
	if err != nil {
		return nil
	}
	var h History
	if err := yamlv3.Unmarshal(data, &h); err != nil {
		return nil
	}
	return h.Tasks
}

// Lineage walks the redo_of chain of the worker's current task, newest
// first, resolving superseded tasks from the history archive.
func (r *Registry) Lineage(workerID string) ([]model.Task, error) {
	current, err := r.Get(workerID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNoTask)
	}

	byID := make(map[string]model.Task)
	for _, t := range r.HistoryOf(workerID) {
		byID[t.ID] = t
	}

	chain := []model.Task{*current}
	for next := current.RedoOf; next != ""; {
		t, ok := byID[next]
		if !ok {
			break
		}
		chain = append(chain, t)
		next = t.RedoOf
	}
	return chain, nil
}

func (r *Registry) acquire(workerID string) (func(), error) {
	if err := os.MkdirAll(filepath.Join(r.conductorDir, "locks"), 0755); err != nil {
		return nil, fmt.Errorf("ensure locks dir: %w", err)
	}

	r.mu.Lock(workerID)
	fl := lock.NewFileLock(r.lockPath(workerID))
	if err := fl.Acquire(r.lockTimeout); err != nil {
		r.mu.Unlock(workerID)
		return nil, fmt.Errorf("task registry %s: %w", workerID, err)
	}
	return func() {
		_ = fl.Unlock()
		r.mu.Unlock(workerID)
	}, nil
}

func (r *Registry) archive(workerID string, task model.Task) error {
	path := r.historyPath(workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure history dir: %w", err)
	}

	h := History{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeTaskHistory,
		WorkerID:      workerID,
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yamlv3.Unmarshal(data, &h); err != nil {
			// A corrupt archive must not block archiving forever.
			if qerr := yamlutil.Quarantine(r.conductorDir, path); qerr != nil {
				return fmt.Errorf("parse history %s: %w", workerID, err)
			}
			h = History{
				SchemaVersion: yamlutil.CurrentSchemaVersion,
				FileType:      yamlutil.FileTypeTaskHistory,
				WorkerID:      workerID,
			}
		}
	}

	h.Tasks = append(h.Tasks, task)
	if err := yamlutil.WriteDocument(path, yamlutil.FileTypeTaskHistory, &h); err != nil {
		return fmt.Errorf("persist history %s: %w", workerID, err)
	}
	return nil
}

func (r *Registry) persist(workerID string, task model.Task) error {
	task.SchemaVersion = yamlutil.CurrentSchemaVersion
	task.FileType = yamlutil.FileTypeTask
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	path := r.taskPath(workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure tasks dir: %w", err)
	}
	if err := yamlutil.WriteDocument(path, yamlutil.FileTypeTask, &task); err != nil {
		return fmt.Errorf("persist task %s: %w", workerID, err)
	}
	return nil
}
