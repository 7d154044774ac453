package daemon

import (
	"fmt"

	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/tmux"
)

// TmuxAgent observes and nudges workers through their tmux panes. A
// worker without a locatable pane reads as absent.
type TmuxAgent struct {
	tailLines   int
	classifiers map[model.CLIFamily]*detect.Classifier
}

func NewTmuxAgent(tailLines int) *TmuxAgent {
	if tailLines <= 0 {
		tailLines = detect.TailWindow
	}
	return &TmuxAgent{
		tailLines:   tailLines,
		classifiers: make(map[model.CLIFamily]*detect.Classifier),
	}
}

func (a *TmuxAgent) classifier(family model.CLIFamily) *detect.Classifier {
	c, ok := a.classifiers[family]
	if !ok {
		c = detect.NewClassifier(family)
		a.classifiers[family] = c
	}
	return c
}

// ObserveState captures the worker's pane tail and classifies it.
func (a *TmuxAgent) ObserveState(w model.Worker) detect.State {
	pane, err := tmux.FindPaneByWorkerID(w.ID)
	if err != nil {
		return detect.StateAbsent
	}
	lines := tmux.CaptureTail(pane, a.tailLines)
	return a.classifier(w.CLI).Classify(lines)
}

// Deliver pastes text into the worker's pane and submits it.
func (a *TmuxAgent) Deliver(w model.Worker, text string) error {
	pane, err := tmux.FindPaneByWorkerID(w.ID)
	if err != nil {
		return fmt.Errorf("locate pane for %s: %w", w.ID, err)
	}
	return tmux.SendTextAndSubmit(pane, text)
}

// Reset types the family's context-reset command into the pane.
func (a *TmuxAgent) Reset(w model.Worker) error {
	pane, err := tmux.FindPaneByWorkerID(w.ID)
	if err != nil {
		return fmt.Errorf("locate pane for %s: %w", w.ID, err)
	}
	return tmux.SendCommand(pane, w.CLI.Profile().ResetCommand)
}
