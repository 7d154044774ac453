// Package hook implements the turn-completion hook contract: when a
// worker's CLI is about to end its turn, pending mail turns into an
// immediate continuation instead of waiting for the next idle nudge.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/msageha/conductor/internal/model"
)

// WorkerEnvVar names the environment variable carrying the worker's
// identity inside its pane.
const WorkerEnvVar = "CONDUCTOR_WORKER"

// StopEvent is the JSON document the agent CLI pipes to the hook on
// stdin when a turn is ending.
type StopEvent struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name"`
	// StopHookActive is true when this turn was itself started by a
	// previous block decision. It bounds deferral to a single hop.
	StopHookActive bool `json:"stop_hook_active"`
}

// Decision is the hook's reply. An empty decision lets the turn end.
type Decision struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MailReader is the mailbox surface the hook needs.
type MailReader interface {
	Unread(workerID string) []model.Message
	MarkAllRead(workerID string) error
}

// ResolveWorkerID picks the worker identity: explicit flag first, then
// the pane environment.
func ResolveWorkerID(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(WorkerEnvVar)
}

// Run reads the stop event from in, decides, and writes the decision to
// out. Unknown or absent input allows the turn to end; the hook must
// never wedge a worker.
func Run(in io.Reader, out io.Writer, mail MailReader, workerID string) error {
	var ev StopEvent
	if err := json.NewDecoder(in).Decode(&ev); err != nil && err != io.EOF {
		return allow(out)
	}

	if workerID == "" {
		return allow(out)
	}
	if ev.StopHookActive {
		// Already deferred once this turn; let it end even with new mail.
		return allow(out)
	}

	unread := mail.Unread(workerID)
	if len(unread) == 0 {
		return allow(out)
	}

	reason := reasonText(unread)
	if err := mail.MarkAllRead(workerID); err != nil {
		// The worker still gets the mail via the reason below; worst
		// case it sees the same messages again on the next nudge.
		fmt.Fprintf(os.Stderr, "conductor hook: mark read for %s: %v\n", workerID, err)
	}

	return json.NewEncoder(out).Encode(Decision{Decision: "block", Reason: reason})
}

func allow(out io.Writer) error {
	return json.NewEncoder(out).Encode(Decision{})
}

func reasonText(msgs []model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You received %d message(s) while working:\n", len(msgs))
	for i, m := range msgs {
		fmt.Fprintf(&sb, "%d. [%s] from %s: %s\n", i+1, m.Type, m.From, m.Content)
	}
	sb.WriteString("Handle these before ending your turn.")
	return sb.String()
}
