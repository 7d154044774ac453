package hook

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/msageha/conductor/internal/model"
)

type fakeMail struct {
	unread  []model.Message
	marked  bool
	markErr error
}

func (f *fakeMail) Unread(workerID string) []model.Message {
	return f.unread
}

func (f *fakeMail) MarkAllRead(workerID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = true
	f.unread = nil
	return nil
}

func runHook(t *testing.T, input string, mail MailReader, workerID string) Decision {
	t.Helper()
	var out strings.Builder
	if err := Run(strings.NewReader(input), &out, mail, workerID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var d Decision
	if err := json.Unmarshal([]byte(out.String()), &d); err != nil {
		t.Fatalf("bad decision output %q: %v", out.String(), err)
	}
	return d
}

func TestRun_BlocksOnUnreadMail(t *testing.T) {
	mail := &fakeMail{unread: []model.Message{
		{From: "worker2", Type: model.MessageInfo, Content: "api contract changed"},
	}}

	d := runHook(t, `{"stop_hook_active":false}`, mail, "worker1")

	if d.Decision != "block" {
		t.Fatalf("decision = %q, want block", d.Decision)
	}
	if !strings.Contains(d.Reason, "api contract changed") {
		t.Errorf("reason missing message body: %q", d.Reason)
	}
	if !mail.marked {
		t.Error("delivered mail must be marked read")
	}
}

func TestRun_AllowsWhenAlreadyDeferred(t *testing.T) {
	mail := &fakeMail{unread: []model.Message{
		{From: "worker2", Type: model.MessageInfo, Content: "more news"},
	}}

	d := runHook(t, `{"stop_hook_active":true}`, mail, "worker1")

	if d.Decision != "" {
		t.Fatalf("decision = %q, want allow", d.Decision)
	}
	if mail.marked {
		t.Error("mail must stay unread for the idle nudge path")
	}
}

func TestRun_AllowsWithNoMail(t *testing.T) {
	d := runHook(t, `{"stop_hook_active":false}`, &fakeMail{}, "worker1")
	if d.Decision != "" {
		t.Errorf("decision = %q, want allow", d.Decision)
	}
}

func TestRun_AllowsOnGarbageInput(t *testing.T) {
	mail := &fakeMail{unread: []model.Message{{Content: "x"}}}
	d := runHook(t, "not json at all", mail, "worker1")
	if d.Decision != "" {
		t.Errorf("decision = %q, want allow on unparseable input", d.Decision)
	}
}

func TestRun_AllowsWithoutWorkerIdentity(t *testing.T) {
	mail := &fakeMail{unread: []model.Message{{Content: "x"}}}
	d := runHook(t, `{}`, mail, "")
	if d.Decision != "" {
		t.Errorf("decision = %q, want allow", d.Decision)
	}
}

func TestRun_BlocksEvenWhenMarkFails(t *testing.T) {
	mail := &fakeMail{
		unread:  []model.Message{{From: "a", Type: model.MessageInfo, Content: "b"}},
		markErr: errors.New("lock held"),
	}
	d := runHook(t, `{}`, mail, "worker1")
	if d.Decision != "block" {
		t.Errorf("decision = %q, want block", d.Decision)
	}
}

func TestResolveWorkerID(t *testing.T) {
	t.Setenv(WorkerEnvVar, "worker-env")
	if got := ResolveWorkerID("worker-flag"); got != "worker-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := ResolveWorkerID(""); got != "worker-env" {
		t.Errorf("env fallback, got %q", got)
	}
}
