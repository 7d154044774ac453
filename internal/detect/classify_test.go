package detect

import (
	"testing"

	"github.com/msageha/conductor/internal/model"
)

func TestClassify_Claude(t *testing.T) {
	c := NewClassifier(model.CLIClaude)

	tests := []struct {
		name  string
		lines []string
		want  State
	}{
		{
			"empty capture",
			nil,
			StateAbsent,
		},
		{
			"blank lines only",
			[]string{"", "   ", ""},
			StateAbsent,
		},
		{
			"busy marker",
			[]string{"Working (12s • esc to interrupt)"},
			StateBusy,
		},
		{
			"idle status bar",
			[]string{"? for shortcuts", "100% context left"},
			StateIdle,
		},
		{
			"input prompt ornament",
			[]string{"some earlier output", "❯ "},
			StateIdle,
		},
		{
			"thinking marker",
			[]string{"✻ Thinking…"},
			StateBusy,
		},
		{
			"localized busy marker",
			[]string{"考え中… (esc で中断)"},
			StateBusy,
		},
		{
			"stale busy marker above fresh prompt",
			[]string{"Working (45s • esc to interrupt)", "done editing files", "❯ "},
			StateIdle,
		},
		{
			"plain output defaults to idle",
			[]string{"$ ls", "main.go  go.mod"},
			StateIdle,
		},
		{
			"spinner",
			[]string{"⠙ compiling"},
			StateBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.lines); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.lines, got, tt.want)
			}
		})
	}
}

func TestClassify_Codex(t *testing.T) {
	c := NewClassifier(model.CLICodex)

	tests := []struct {
		name  string
		lines []string
		want  State
	}{
		{"composer hint", []string{"⏎ send   Ctrl+J newline"}, StateIdle},
		{"block cursor prompt", []string{"▌"}, StateIdle},
		{"busy", []string{"Working (3s • Esc to interrupt)"}, StateBusy},
		{"empty", []string{}, StateAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.lines); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.lines, got, tt.want)
			}
		})
	}
}

func TestClassify_WindowExcludesScrollback(t *testing.T) {
	c := NewClassifier(model.CLIClaude)

	// A busy marker 6+ non-blank lines up must not be seen: only the last
	// 5 lines are in the window.
	lines := []string{
		"Working (12s • esc to interrupt)",
		"out 1", "out 2", "out 3", "out 4", "out 5",
	}
	if got := c.Classify(lines); got != StateIdle {
		t.Errorf("Classify = %s, want idle (busy marker outside window)", got)
	}
}

func TestClassifyOutput(t *testing.T) {
	c := NewClassifier(model.CLIClaude)

	if got := c.ClassifyOutput(""); got != StateAbsent {
		t.Errorf("ClassifyOutput(empty) = %s, want absent", got)
	}
	if got := c.ClassifyOutput("line one\nWorking (2s • esc to interrupt)"); got != StateBusy {
		t.Errorf("ClassifyOutput = %s, want busy", got)
	}
}

func TestClassify_StripsAnsi(t *testing.T) {
	c := NewClassifier(model.CLIClaude)

	// The idle hint wrapped in color codes must still match.
	lines := []string{"\x1b[2m? for shortcuts\x1b[0m"}
	if got := c.Classify(lines); got != StateIdle {
		t.Errorf("Classify = %s, want idle", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAbsent, "absent"},
		{StateIdle, "idle"},
		{StateBusy, "busy"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
