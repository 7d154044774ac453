package daemon

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/mailbox"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/route"
	"github.com/msageha/conductor/internal/status"
)

// Observer reports a worker's live terminal activity.
type Observer interface {
	ObserveState(w model.Worker) detect.State
}

// Nudger delivers text into a worker's pane and resets its context.
// Allows testing the dispatcher without tmux.
type Nudger interface {
	Deliver(w model.Worker, text string) error
	Reset(w model.Worker) error
}

// Dispatcher drives the per-tick orchestration cycle: unblocking tasks,
// delivering mail to idle workers, and issuing capability switches.
type Dispatcher struct {
	config   model.Config
	mail     *mailbox.Store
	tasks    *registry.Registry
	router   *route.Router
	observer Observer
	nudger   Nudger
	eventBus *events.Bus
	logger   *log.Logger
	logLevel LogLevel

	// resetDone remembers redo tasks whose worker context was already
	// cleared, so a redo triggers exactly one reset per task.
	resetDone map[string]bool
	// switchIssued remembers worker/task pairs that already got a
	// model_switch, so an unacted instruction is not re-queued each tick.
	switchIssued map[string]bool
	// noticePending remembers worker/task pairs whose blocked→assigned
	// transition landed but whose task_assigned append did not. The append
	// is retried every tick until it succeeds.
	noticePending map[string]bool
	// doneSeen tracks terminal tasks already reported on the event bus.
	doneSeen map[string]bool
}

// NewDispatcher creates a Dispatcher over the given stores. observer and
// nudger default to the tmux-backed agent when nil.
func NewDispatcher(cfg model.Config, mail *mailbox.Store, tasks *registry.Registry, logger *log.Logger, logLevel LogLevel) *Dispatcher {
	agent := NewTmuxAgent(cfg.Watcher.TailLines)
	return &Dispatcher{
		config:        cfg,
		mail:          mail,
		tasks:         tasks,
		router:        route.New(cfg.Routing),
		observer:      agent,
		nudger:        agent,
		logger:        logger,
		logLevel:      logLevel,
		resetDone:     make(map[string]bool),
		switchIssued:  make(map[string]bool),
		noticePending: make(map[string]bool),
		doneSeen:      make(map[string]bool),
	}
}

// SetObserver overrides terminal observation for testing.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// SetNudger overrides pane delivery for testing.
func (d *Dispatcher) SetNudger(n Nudger) {
	d.nudger = n
}

// SetEventBus sets the event bus for publishing dispatch events.
func (d *Dispatcher) SetEventBus(bus *events.Bus) {
	d.eventBus = bus
}

// Tick runs one full orchestration cycle over every configured worker.
// Per-worker failures are logged and retried on the next tick; they never
// stop the cycle or skip the remaining workers.
func (d *Dispatcher) Tick() {
	for _, w := range d.config.Workers {
		if err := d.tickWorker(w); err != nil {
			d.log(LogLevelWarn, "worker=%s tick failed, will retry: %v", w.ID, err)
		}
	}
}

func (d *Dispatcher) tickWorker(w model.Worker) error {
	task, err := d.tasks.Get(w.ID)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}

	if task != nil && task.Status == model.StatusBlocked {
		task, err = d.tryUnblock(w, *task)
		if err != nil {
			return err
		}
	}

	if task != nil && task.Status == model.StatusAssigned {
		if err := d.checkCapability(w, *task); err != nil {
			d.log(LogLevelWarn, "worker=%s capability check: %v", w.ID, err)
		}
		if err := d.ensureAssignmentNotice(w, *task); err != nil {
			return err
		}
	}

	if task != nil && task.Status == model.StatusDone && !d.doneSeen[task.ID] {
		d.doneSeen[task.ID] = true
		d.publish(events.EventTaskDone, map[string]interface{}{
			"worker_id": w.ID,
			"task_id":   task.ID,
		})
	}

	return d.deliverMail(w, task)
}

// tryUnblock promotes a blocked task whose predecessors are all done.
// Still-blocked is the normal case, not an error.
func (d *Dispatcher) tryUnblock(w model.Worker, task model.Task) (*model.Task, error) {
	err := d.tasks.Transition(w.ID, model.StatusAssigned)
	if err != nil {
		if errors.Is(err, registry.ErrStillBlocked) {
			d.log(LogLevelDebug, "worker=%s task=%s still blocked", w.ID, task.ID)
			return &task, nil
		}
		return nil, fmt.Errorf("unblock task %s: %w", task.ID, err)
	}

	task.Status = model.StatusAssigned
	d.log(LogLevelInfo, "worker=%s task=%s unblocked", w.ID, task.ID)
	d.publish(events.EventTaskUnblocked, map[string]interface{}{
		"task_id":   task.ID,
		"worker_id": w.ID,
	})

	// Capability switch, if needed, must land in the mailbox before the
	// assignment so the worker changes model before reading the task.
	if err := d.checkCapability(w, task); err != nil {
		d.log(LogLevelWarn, "worker=%s capability check: %v", w.ID, err)
	}

	msg := model.Message{
		From:    SystemSender,
		Type:    model.MessageTaskAssigned,
		Content: assignmentText(task),
	}
	if err := d.mail.Append(w.ID, msg); err != nil {
		// The assigned status is already durable. Remember the missing
		// notice so ensureAssignmentNotice retries the append each tick.
		d.noticePending[w.ID+"/"+task.ID] = true
		return &task, fmt.Errorf("append task_assigned: %w", err)
	}
	return &task, nil
}

// ensureAssignmentNotice retries a task_assigned append that failed after
// the unblocking transition already succeeded. Without the retry the worker
// would hold an assigned task it never hears about.
func (d *Dispatcher) ensureAssignmentNotice(w model.Worker, task model.Task) error {
	key := w.ID + "/" + task.ID
	if !d.noticePending[key] {
		return nil
	}
	msg := model.Message{
		From:    SystemSender,
		Type:    model.MessageTaskAssigned,
		Content: assignmentText(task),
	}
	if err := d.mail.Append(w.ID, msg); err != nil {
		return fmt.Errorf("append task_assigned: %w", err)
	}
	delete(d.noticePending, key)
	d.log(LogLevelInfo, "worker=%s task=%s assignment notice appended after retry", w.ID, task.ID)
	return nil
}

// checkCapability compares the task's demand against the worker's current
// model and queues a model_switch instruction when the worker is
// underpowered and routing allows it.
func (d *Dispatcher) checkCapability(w model.Worker, task model.Task) error {
	if !d.router.Enabled() {
		return nil
	}
	if !model.ValidBloomLevel(task.BloomLevel) {
		return nil
	}
	if task.BloomLevel <= d.router.Capability(w.Model) {
		return nil
	}

	recommended, err := d.router.Recommend(task.BloomLevel)
	if err != nil {
		if errors.Is(err, route.ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("recommend for level %d: %w", task.BloomLevel, err)
	}
	if recommended == w.Model {
		return nil
	}

	if d.router.Mode() != model.RoutingAuto {
		// Manual mode surfaces the recommendation without acting on it.
		d.log(LogLevelInfo, "worker=%s would switch %s -> %s for task=%s (routing mode %s)",
			w.ID, w.Model, recommended, task.ID, d.router.Mode())
		return nil
	}

	if fam := d.tierFamily(recommended); fam != w.CLI {
		// Crossing CLI families needs a new pane, which is an operator
		// decision. Record the mismatch and leave the worker alone.
		d.log(LogLevelInfo, "worker=%s needs %s (%s) but runs %s; skipping switch",
			w.ID, recommended, fam, w.CLI)
		return nil
	}

	issueKey := w.ID + "/" + task.ID
	content := fmt.Sprintf("switch model to %s: task %s requires capability level %d",
		recommended, task.ID, task.BloomLevel)
	if d.switchIssued[issueKey] || d.alreadyQueued(w.ID, model.MessageModelSwitch, content) {
		return nil
	}

	if err := d.mail.Append(w.ID, model.Message{
		From:    SystemSender,
		Type:    model.MessageModelSwitch,
		Content: content,
	}); err != nil {
		return fmt.Errorf("append model_switch: %w", err)
	}
	d.switchIssued[issueKey] = true

	d.log(LogLevelInfo, "worker=%s model switch queued: %s -> %s", w.ID, w.Model, recommended)
	d.publish(events.EventModelSwitch, map[string]interface{}{
		"worker_id": w.ID,
		"from":      w.Model,
		"to":        recommended,
		"task_id":   task.ID,
	})
	return nil
}

// deliverMail pushes unread messages into an idle worker's pane. Busy and
// absent workers are left alone; their mail waits for the turn-completion
// hook or a later tick.
func (d *Dispatcher) deliverMail(w model.Worker, task *model.Task) error {
	unread := d.mail.Unread(w.ID)
	if len(unread) == 0 {
		return nil
	}

	state := d.observer.ObserveState(w)
	phase := status.PhaseFor(task, state, len(unread))
	if phase == status.PhaseBlocked {
		return nil
	}
	switch state {
	case detect.StateBusy:
		d.log(LogLevelDebug, "worker=%s busy, deferring %d message(s)", w.ID, len(unread))
		return nil
	case detect.StateAbsent:
		d.log(LogLevelDebug, "worker=%s absent, deferring %d message(s)", w.ID, len(unread))
		return nil
	}

	// A redo replacement starts from a clean context: reset once before
	// the first delivery for that task.
	if task != nil && task.RedoOf != "" && !d.resetDone[task.ID] {
		if err := d.nudger.Reset(w); err != nil {
			return fmt.Errorf("reset before redo %s: %w", task.ID, err)
		}
		d.resetDone[task.ID] = true
		d.log(LogLevelInfo, "worker=%s context reset for redo task=%s", w.ID, task.ID)
		d.publish(events.EventTaskRedo, map[string]interface{}{
			"worker_id": w.ID,
			"task_id":   task.ID,
			"redo_of":   task.RedoOf,
		})
	}

	if err := d.nudger.Deliver(w, digest(unread)); err != nil {
		return fmt.Errorf("deliver mail: %w", err)
	}
	if err := d.mail.MarkAllRead(w.ID); err != nil {
		// Delivery landed but the flags did not; the worker may see the
		// same mail again next tick. Acceptable over losing it.
		return fmt.Errorf("mark read after delivery: %w", err)
	}

	d.log(LogLevelInfo, "worker=%s nudged with %d message(s)", w.ID, len(unread))
	d.publish(events.EventWorkerNudged, map[string]interface{}{
		"worker_id": w.ID,
		"messages":  len(unread),
	})
	return nil
}

// Snapshot builds the current fleet view for the status command.
func (d *Dispatcher) Snapshot() status.Fleet {
	return status.Collect(d.config.Workers, d.tasks, d.mail, d.observer.ObserveState)
}

func (d *Dispatcher) tierFamily(modelID string) model.CLIFamily {
	if tier, ok := d.config.Routing.Tiers[modelID]; ok {
		return tier.Family()
	}
	return model.CLIClaude
}

func (d *Dispatcher) alreadyQueued(workerID string, typ model.MessageType, content string) bool {
	for _, msg := range d.mail.Unread(workerID) {
		if msg.Type == typ && msg.Content == content {
			return true
		}
	}
	return false
}

func (d *Dispatcher) publish(eventType events.EventType, data map[string]interface{}) {
	if d.eventBus != nil {
		d.eventBus.Publish(eventType, data)
	}
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel || d.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s dispatcher: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

// SystemSender is the From value on messages the conductor itself writes.
const SystemSender = "conductor"

func assignmentText(task model.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task assigned: %s", task.ID)
	if task.Description != "" {
		fmt.Fprintf(&sb, "\n%s", task.Description)
	}
	if model.ValidBloomLevel(task.BloomLevel) {
		fmt.Fprintf(&sb, "\n(capability level %d)", task.BloomLevel)
	}
	return sb.String()
}

// digest formats unread messages as a single pane-friendly block.
func digest(msgs []model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You have %d unread message(s):\n", len(msgs))
	for i, m := range msgs {
		fmt.Fprintf(&sb, "%d. [%s] from %s: %s\n", i+1, m.Type, m.From, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
