// Package tmux provides helpers for observing and signaling worker panes.
package tmux

import (
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// SessionName is the tmux session the worker panes live in.
var SessionName = "conductor"

// bufSeq generates unique buffer names to prevent race conditions when
// multiple goroutines call SendTextAndSubmit concurrently.
var bufSeq atomic.Int64

// SessionExists checks whether the conductor tmux session exists.
func SessionExists() bool {
	err := exec.Command("tmux", "has-session", "-t", SessionName).Run()
	return err == nil
}

// CapturePane captures pane content with the -J flag, which joins wrapped
// lines to produce stable output regardless of terminal width.
// lastN specifies how many lines from the bottom to capture (0 = entire visible pane).
func CapturePane(paneTarget string, lastN int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", paneTarget}
	if lastN > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lastN))
	}
	return output(args...)
}

// CaptureTail returns the last lastN captured lines of a pane as a slice.
// A capture failure yields a nil slice, which classifiers treat as absent.
func CaptureTail(paneTarget string, lastN int) []string {
	content, err := CapturePane(paneTarget, lastN)
	if err != nil {
		return nil
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

// SendKeys sends keystrokes to a pane.
func SendKeys(paneTarget string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", paneTarget)
	args = append(args, keys...)
	return run(args...)
}

// SendCommand sends a command string to a pane (text + Enter).
func SendCommand(paneTarget, command string) error {
	return SendKeys(paneTarget, command, "Enter")
}

// SendTextAndSubmit sends multi-line text to a pane using paste-buffer for
// reliable delivery, then sends Enter to submit. This avoids character-by-character
// key sending issues with newlines in the message.
func SendTextAndSubmit(paneTarget, text string) error {
	bufName := fmt.Sprintf("conductor-msg-%d", bufSeq.Add(1))

	// Load text into tmux buffer via stdin (handles arbitrary content safely)
	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// Paste buffer content into the pane via bracketed paste.
	// -p forces bracketed paste so the app receives the entire text as a single paste unit.
	// -r prevents tmux from converting LF to CR inside the paste (avoids spurious submits).
	// -d deletes the buffer after pasting to avoid leaking tmux buffers.
	if err := run("paste-buffer", "-pr", "-b", bufName, "-d", "-t", paneTarget); err != nil {
		return err
	}

	// Delay to let the target application finish rendering the bracketed
	// paste into its input field before Enter submits it. 100ms is too
	// short under load and causes intermittent delivery failures.
	time.Sleep(500 * time.Millisecond)

	return SendKeys(paneTarget, "Enter")
}

// ListAllPanes returns pane info across all windows in the session.
func ListAllPanes(format string) ([]string, error) {
	out, err := output("list-panes", "-s", "-t", SessionName, "-F", format)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FindPaneByWorkerID finds the pane target (session:window.pane) for a given worker_id.
// Panes are tagged at provisioning time with the @worker_id user variable.
func FindPaneByWorkerID(workerID string) (string, error) {
	lines, err := ListAllPanes("#{session_name}:#{window_index}.#{pane_index}\t#{@worker_id}")
	if err != nil {
		return "", fmt.Errorf("list panes: %w", err)
	}
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) == 2 && parts[1] == workerID {
			return parts[0], nil
		}
	}
	return "", fmt.Errorf("worker %q not found in tmux session", workerID)
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
