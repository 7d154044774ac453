package model

// CLIFamily identifies which interactive agent CLI a worker pane runs.
// The family determines which in-band control commands the worker
// understands (context reset, prompt shape).
type CLIFamily string

const (
	CLIClaude CLIFamily = "claude"
	CLICodex  CLIFamily = "codex"
)

// FamilyProfile holds the per-family terminal contract: the patterns that
// mark an idle input prompt in captured output, and the in-band command
// that resets the worker's execution context.
type FamilyProfile struct {
	// IdlePrompts are regex fragments matched against the output tail.
	// A match means the CLI is at its input prompt waiting for text.
	IdlePrompts []string
	// ResetCommand is typed into the pane to discard the current context.
	ResetCommand string
}

var familyProfiles = map[CLIFamily]FamilyProfile{
	CLIClaude: {
		IdlePrompts: []string{
			`❯`,                  // input prompt ornament
			`\? for shortcuts`,  // idle status bar hint
			`\d+% context left`, // idle status bar context meter
			`↵\s*send`,
		},
		ResetCommand: "/clear",
	},
	CLICodex: {
		IdlePrompts: []string{
			`▌`,                // block-cursor input prompt
			`⏎ send`,           // composer hint line
			`Ctrl\+J newline`,
		},
		ResetCommand: "/new",
	},
}

// Profile returns the terminal contract for the family. Unknown families
// fall back to the claude profile so an unconfigured worker still gets a
// usable prompt heuristic instead of a hard failure.
func (f CLIFamily) Profile() FamilyProfile {
	if p, ok := familyProfiles[f]; ok {
		return p
	}
	return familyProfiles[CLIClaude]
}

// Known reports whether f is a configured CLI family.
func (f CLIFamily) Known() bool {
	_, ok := familyProfiles[f]
	return ok
}

// Worker is one autonomous process executing at most one task at a time.
// Workers are provisioned externally; the core never destroys them. The
// Model field is mutable via a model_switch mailbox instruction.
type Worker struct {
	ID    string    `yaml:"id"`
	Model string    `yaml:"model"`
	CLI   CLIFamily `yaml:"cli"`
}
