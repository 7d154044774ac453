// Package model defines the data structures for Conductor's configuration,
// workers, tasks, and mailbox messages.
package model

import "fmt"

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	StatusBlocked  TaskStatus = "blocked"
	StatusAssigned TaskStatus = "assigned"
	StatusDone     TaskStatus = "done"
)

// Task is the single active (or most recently terminal) task of a worker.
// A task with a non-empty BlockedBy list enters the registry as blocked and
// may only become assigned once every referenced predecessor is done.
type Task struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	ID            string     `yaml:"task_id"`
	ParentID      string     `yaml:"parent_id,omitempty"`
	Type          string     `yaml:"type"`
	Description   string     `yaml:"description"`
	BloomLevel    int        `yaml:"bloom_level,omitempty"`
	BlockedBy     []string   `yaml:"blocked_by,omitempty"`
	RedoOf        string     `yaml:"redo_of,omitempty"`
	Status        TaskStatus `yaml:"status"`
	UpdatedAt     string     `yaml:"updated_at"`
}

var terminalTaskStatuses = map[TaskStatus]bool{
	StatusDone: true,
}

// Task status transitions: blocked → assigned → done. done is terminal.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusBlocked: {
		StatusAssigned: true,
	},
	StatusAssigned: {
		StatusDone: true,
	},
}

func IsTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// MinBloomLevel and MaxBloomLevel bound the cognitive-demand estimate.
const (
	MinBloomLevel = 1
	MaxBloomLevel = 6
)

// ValidBloomLevel reports whether level is inside the 1..6 range.
// 0 means "unspecified" and is handled by callers, not here.
func ValidBloomLevel(level int) bool {
	return level >= MinBloomLevel && level <= MaxBloomLevel
}
