// Package detect classifies a worker's activity from a bounded tail of its
// captured terminal output. It is pure text analysis: callers hand it the
// captured lines, it never touches tmux or the filesystem.
package detect

import (
	"regexp"
	"strings"

	"github.com/msageha/conductor/internal/model"
)

// State is the inferred activity of a worker.
type State int

const (
	// StateAbsent means no output could be captured (empty tail). Treated
	// as a transient signal by callers, never a crash.
	StateAbsent State = iota
	// StateIdle means the CLI is at its input prompt awaiting text.
	StateIdle
	// StateBusy means the CLI is mid-turn and must not be interrupted.
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// TailWindow is the number of recent lines considered. Older content is
// excluded because stale busy markers persist in scroll-back and would
// cause false-positive busy classification.
const TailWindow = 5

// busyMarkers match phrases the agent CLIs print while actively working,
// including localized variants. Matched only after idle prompts, see below.
var busyMarkers = []string{
	`(?i)esc to interrupt`,
	`(?i)ctrl\+c to interrupt`,
	`(?i)\bthinking\b`,
	`(?i)\bworking\b`,
	`(?i)\brunning\b`,
	`⠋|⠙|⠹|⠸|⠼|⠴|⠦|⠧|⠇|⠏`, // spinner characters
	`考え中`,
	`作業中`,
	`処理中`,
}

// rule pairs a compiled predicate with its outcome. Rules are evaluated in
// order, first match wins.
type rule struct {
	re    *regexp.Regexp
	state State
}

// Classifier holds the ordered rule table for one CLI family.
//
// Idle-prompt rules come before busy-marker rules on purpose: some CLIs
// leave a busy-looking phrase in the tail while already showing a fresh
// input prompt below it. Checking idle first is the known workaround for
// the perpetual false-busy loop that causes; do not reorder.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the rule table for the given CLI family.
func NewClassifier(family model.CLIFamily) *Classifier {
	profile := family.Profile()

	var rules []rule
	for _, p := range profile.IdlePrompts {
		if re, err := regexp.Compile(p); err == nil {
			rules = append(rules, rule{re: re, state: StateIdle})
		}
	}
	for _, p := range busyMarkers {
		if re, err := regexp.Compile(p); err == nil {
			rules = append(rules, rule{re: re, state: StateBusy})
		}
	}
	return &Classifier{rules: rules}
}

// Classify evaluates the rule table against the last TailWindow lines.
// Empty capture yields StateAbsent; no rule match defaults to StateIdle.
func (c *Classifier) Classify(lines []string) State {
	tail := lastNonBlankLines(lines, TailWindow)
	if len(tail) == 0 {
		return StateAbsent
	}

	text := StripAnsi(strings.Join(tail, "\n"))
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			return r.state
		}
	}
	return StateIdle
}

// ClassifyOutput splits a raw capture into lines and classifies it.
func (c *Classifier) ClassifyOutput(output string) State {
	if strings.TrimSpace(output) == "" {
		return StateAbsent
	}
	return c.Classify(strings.Split(output, "\n"))
}

// lastNonBlankLines returns up to n trailing non-blank lines in order.
func lastNonBlankLines(lines []string, n int) []string {
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append([]string{lines[i]}, out...)
	}
	return out
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripAnsi removes ANSI escape codes (CSI and OSC sequences) so rule
// patterns match the text the user actually sees.
func StripAnsi(text string) string {
	return ansiRegex.ReplaceAllString(text, "")
}
