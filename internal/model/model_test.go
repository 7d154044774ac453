package model

import (
	"testing"
	"time"
)

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		{"blocked to assigned", StatusBlocked, StatusAssigned, false},
		{"assigned to done", StatusAssigned, StatusDone, false},
		{"blocked to done skips assignment", StatusBlocked, StatusDone, true},
		{"done is terminal", StatusDone, StatusAssigned, true},
		{"assigned back to blocked", StatusAssigned, StatusBlocked, true},
		{"unknown status", TaskStatus("pending"), StatusAssigned, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTaskTransition(%q, %q) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusDone) {
		t.Error("done should be terminal")
	}
	if IsTerminal(StatusBlocked) || IsTerminal(StatusAssigned) {
		t.Error("blocked/assigned should not be terminal")
	}
}

func TestValidBloomLevel(t *testing.T) {
	for level := 1; level <= 6; level++ {
		if !ValidBloomLevel(level) {
			t.Errorf("level %d should be valid", level)
		}
	}
	for _, level := range []int{0, -1, 7, 100} {
		if ValidBloomLevel(level) {
			t.Errorf("level %d should be invalid", level)
		}
	}
}

func TestMailboxUnreadCount(t *testing.T) {
	mb := Mailbox{
		Messages: []Message{
			{ID: "msg_0000000001_00000001", Read: true},
			{ID: "msg_0000000001_00000002", Read: false},
			{ID: "msg_0000000001_00000003", Read: false},
		},
	}
	if got := mb.UnreadCount(); got != 2 {
		t.Errorf("UnreadCount = %d, want 2", got)
	}

	empty := Mailbox{}
	if got := empty.UnreadCount(); got != 0 {
		t.Errorf("empty UnreadCount = %d, want 0", got)
	}
}

func TestFamilyProfile(t *testing.T) {
	claude := CLIClaude.Profile()
	if claude.ResetCommand != "/clear" {
		t.Errorf("claude reset = %q, want /clear", claude.ResetCommand)
	}
	codex := CLICodex.Profile()
	if codex.ResetCommand != "/new" {
		t.Errorf("codex reset = %q, want /new", codex.ResetCommand)
	}

	// Unknown families fall back to the claude profile.
	unknown := CLIFamily("gemini").Profile()
	if unknown.ResetCommand != claude.ResetCommand {
		t.Errorf("unknown family should fall back to claude profile")
	}
	if CLIFamily("gemini").Known() {
		t.Error("gemini should not be a known family")
	}
}

func TestGenerateID(t *testing.T) {
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		t.Fatalf("GenerateID failed: %v", err)
	}
	if !ValidateID(id) {
		t.Errorf("generated ID %q does not validate", id)
	}

	idType, err := ParseIDType(id)
	if err != nil {
		t.Fatalf("ParseIDType failed: %v", err)
	}
	if idType != IDTypeTask {
		t.Errorf("ParseIDType = %q, want %q", idType, IDTypeTask)
	}

	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp failed: %v", err)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("timestamp %v too far in the past", ts)
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID(IDType("bogus")); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestValidateID_Rejects(t *testing.T) {
	for _, id := range []string{
		"",
		"task_123",
		"cmd_0000000001_00000001",
		"task_0000000001_xyz",
	} {
		if ValidateID(id) {
			t.Errorf("ValidateID(%q) = true, want false", id)
		}
	}
}
