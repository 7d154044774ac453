// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Send sends a macOS notification via osascript with sound.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// TaskDone announces a worker finishing its task. Notification failure
// is cosmetic, so callers usually ignore the error.
func TaskDone(workerID, taskID, description string) error {
	title := fmt.Sprintf("conductor: %s done", workerID)
	message := taskID
	if description != "" {
		message = fmt.Sprintf("%s: %s", taskID, description)
	}
	return Send(title, message)
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
