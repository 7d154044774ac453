// Package setup handles conductor project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/conductor/internal/model"
	atomicyaml "github.com/msageha/conductor/internal/yaml"
)

const conductorDir = ".conductor"

// defaultConfig is the starting config.yaml. Project fields are filled
// in at init time; everything else is meant to be edited by hand.
func defaultConfig() model.Config {
	cfg := model.Config{
		Conductor: model.ConductorConfig{Version: "1"},
		Workers: []model.Worker{
			{ID: "worker1", Model: "sonnet", CLI: model.CLIClaude},
			{ID: "worker2", Model: "sonnet", CLI: model.CLIClaude},
		},
		Routing: model.RoutingConfig{
			Mode: model.RoutingManual,
			Tiers: map[string]model.TierSpec{
				"haiku":  {MaxBloom: 3, CostGroup: "economy"},
				"sonnet": {MaxBloom: 5, CostGroup: "standard"},
				"opus":   {MaxBloom: 6, CostGroup: "premium"},
			},
			CostGroupOrder: []string{"economy", "standard", "premium"},
		},
		Logging: model.LoggingConfig{Level: "info"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Run initializes the .conductor/ directory structure in the given
// project directory. projectName defaults to the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, conductorDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"mail",
		"tasks/history",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := defaultConfig()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}
	cfg.Conductor.ProjectRoot = absDir
	cfg.Conductor.Created = time.Now().Format(time.RFC3339)

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), &cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Seed each worker's mailbox so the first read never races the
	// first write.
	for _, w := range cfg.Workers {
		if err := writeMailboxFile(base, w.ID); err != nil {
			return err
		}
	}
	if err := writeMailboxFile(base, "orchestrator"); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func writeMailboxFile(base, workerID string) error {
	mb := model.Mailbox{
		SchemaVersion: atomicyaml.CurrentSchemaVersion,
		FileType:      atomicyaml.FileTypeMailbox,
		WorkerID:      workerID,
		Messages:      []model.Message{},
	}
	path := filepath.Join(base, "mail", workerID+".yaml")
	if err := atomicyaml.WriteDocument(path, atomicyaml.FileTypeMailbox, &mb); err != nil {
		return fmt.Errorf("write mailbox for %s: %w", workerID, err)
	}
	return nil
}
