// Package status computes and renders a point-in-time view of the worker
// fleet: each worker's task, activity state, unread mail, and the
// dispatch phase those three facts imply.
package status

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/model"
)

// Phase is the dispatcher-relevant situation of one worker.
type Phase string

const (
	// PhaseBlocked means the worker's task is waiting on predecessors.
	PhaseBlocked Phase = "blocked"
	// PhaseReadyNoTask means the worker has no task at all.
	PhaseReadyNoTask Phase = "ready"
	// PhaseAssignedBusy means the worker is mid-turn on its task.
	PhaseAssignedBusy Phase = "working"
	// PhaseAssignedIdleUnnotified means the worker is at its prompt with
	// undelivered mail waiting.
	PhaseAssignedIdleUnnotified Phase = "idle+mail"
	// PhaseAssignedIdleNotified means the worker is at its prompt with
	// nothing pending.
	PhaseAssignedIdleNotified Phase = "idle"
)

// PhaseFor derives the phase from registry status, observed activity, and
// unread mail count. A terminal (done) task counts as no task: the worker
// is ready for its next assignment.
func PhaseFor(task *model.Task, state detect.State, unread int) Phase {
	if task == nil || model.IsTerminal(task.Status) {
		return PhaseReadyNoTask
	}
	if task.Status == model.StatusBlocked {
		return PhaseBlocked
	}
	if state == detect.StateBusy {
		return PhaseAssignedBusy
	}
	if unread > 0 {
		return PhaseAssignedIdleUnnotified
	}
	return PhaseAssignedIdleNotified
}

// WorkerStatus is one row of the fleet view. It crosses the control
// socket as JSON, so every field is tagged.
type WorkerStatus struct {
	WorkerID   string `json:"worker_id"`
	Model      string `json:"model"`
	CLI        string `json:"cli"`
	Activity   string `json:"activity"`
	Phase      string `json:"phase"`
	TaskID     string `json:"task_id,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
	TaskDesc   string `json:"task_desc,omitempty"`
	Unread     int    `json:"unread"`
}

// Fleet is the full fleet snapshot.
type Fleet struct {
	GeneratedAt string         `json:"generated_at"`
	Workers     []WorkerStatus `json:"workers"`
}

// TaskGetter reads a worker's current task. Absent task is (nil, nil).
type TaskGetter interface {
	Get(workerID string) (*model.Task, error)
}

// MailCounter reports a worker's unread mail count.
type MailCounter interface {
	UnreadCount(workerID string) int
}

// ActivityFunc observes a worker's live terminal state.
type ActivityFunc func(w model.Worker) detect.State

// Collect builds a fleet snapshot for the configured workers. A registry
// read failure surfaces as task status "error" for that worker rather
// than failing the whole snapshot.
func Collect(workers []model.Worker, tasks TaskGetter, mail MailCounter, activity ActivityFunc) Fleet {
	fleet := Fleet{GeneratedAt: time.Now().UTC().Format(time.RFC3339)}

	for _, w := range workers {
		row := WorkerStatus{
			WorkerID: w.ID,
			Model:    w.Model,
			CLI:      string(w.CLI),
			Unread:   mail.UnreadCount(w.ID),
		}

		state := detect.StateAbsent
		if activity != nil {
			state = activity(w)
		}
		row.Activity = state.String()

		task, err := tasks.Get(w.ID)
		if err != nil {
			row.TaskStatus = "error"
			row.Phase = string(PhaseReadyNoTask)
			fleet.Workers = append(fleet.Workers, row)
			continue
		}
		if task != nil {
			row.TaskID = task.ID
			row.TaskStatus = string(task.Status)
			row.TaskDesc = truncate(task.Description, 48)
		}
		row.Phase = string(PhaseFor(task, state, row.Unread))
		fleet.Workers = append(fleet.Workers, row)
	}

	sort.Slice(fleet.Workers, func(i, j int) bool {
		return fleet.Workers[i].WorkerID < fleet.Workers[j].WorkerID
	})
	return fleet
}

var fleetTemplate = template.Must(template.New("fleet").Funcs(template.FuncMap{
	"pad": func(width int, s string) string {
		if len([]rune(s)) >= width {
			return s
		}
		return s + strings.Repeat(" ", width-len([]rune(s)))
	},
}).Parse(`Fleet status ({{.GeneratedAt}})

{{pad 12 "WORKER"}} {{pad 14 "MODEL"}} {{pad 8 "CLI"}} {{pad 8 "ACTIVITY"}} {{pad 10 "PHASE"}} {{pad 8 "UNREAD"}} TASK
{{- range .Workers}}
{{pad 12 .WorkerID}} {{pad 14 .Model}} {{pad 8 .CLI}} {{pad 8 .Activity}} {{pad 10 .Phase}} {{pad 8 (printf "%d" .Unread)}} {{if .TaskID}}{{.TaskID}} [{{.TaskStatus}}] {{.TaskDesc}}{{else}}-{{end}}
{{- end}}
`))

// Render writes the fleet snapshot as a plain-text table.
func Render(w io.Writer, fleet Fleet) error {
	if len(fleet.Workers) == 0 {
		_, err := fmt.Fprintln(w, "no workers configured")
		return err
	}
	return fleetTemplate.Execute(w, fleet)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
