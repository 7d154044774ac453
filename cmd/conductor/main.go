package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/conductor/internal/bridge"
	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/hook"
	"github.com/msageha/conductor/internal/mailbox"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/notify"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/route"
	"github.com/msageha/conductor/internal/setup"
	"github.com/msageha/conductor/internal/status"
	"github.com/msageha/conductor/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "mail":
		runMail(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "route":
		runRoute(os.Args[2:])
	case "hook":
		runHook(os.Args[2:])
	case "bridge":
		runBridge(os.Args[2:])
	case "nudge":
		runNudge(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	conductorDir := mustFindDir()
	client := uds.NewClient(filepath.Join(conductorDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	if len(args) > 0 && args[0] == "stop" {
		if _, err := client.SendCommand(uds.CommandShutdown, nil); err != nil {
			fail("daemon stop: %v", err)
		}
		fmt.Println("daemon shutting down")
		return
	}

	if client.Running() {
		fail("daemon already running in %s", conductorDir)
	}

	cfg := mustLoadConfig(conductorDir)
	d, err := daemon.New(conductorDir, cfg)
	if err != nil {
		fail("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fail("daemon: %v", err)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor setup <project_dir> [--name <project_name>]")
		os.Exit(1)
	}
	projectDir := args[0]
	var name string
	for i := 1; i < len(args); i++ {
		if args[i] == "--name" {
			name = flagValue(args, &i)
		}
	}
	if err := setup.Run(projectDir, name); err != nil {
		fail("setup: %v", err)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .conductor/ in %s\n", absDir)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fail("unknown flag: %s\nusage: conductor status [--json]", a)
		}
	}

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)

	fleet, ok := fleetFromDaemon(conductorDir)
	if !ok {
		// No daemon: collect directly from the state files.
		lockTimeout := time.Duration(cfg.Watcher.LockTimeoutSec) * time.Second
		mail := mailbox.NewStore(conductorDir, lockTimeout)
		tasks := registry.New(conductorDir, lockTimeout)
		agent := daemon.NewTmuxAgent(cfg.Watcher.TailLines)
		fleet = status.Collect(cfg.Workers, tasks, mail, agent.ObserveState)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fleet); err != nil {
			fail("encode status: %v", err)
		}
		return
	}
	if err := status.Render(os.Stdout, fleet); err != nil {
		fail("render status: %v", err)
	}
}

func fleetFromDaemon(conductorDir string) (status.Fleet, bool) {
	client := uds.NewClient(filepath.Join(conductorDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)
	resp, err := client.SendCommand(uds.CommandStatus, nil)
	if err != nil || !resp.Success {
		return status.Fleet{}, false
	}
	var fleet status.Fleet
	if err := json.Unmarshal(resp.Data, &fleet); err != nil {
		return status.Fleet{}, false
	}
	return fleet, true
}

func runMail(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: conductor mail <send|read|peek> <worker> [options]")
		os.Exit(1)
	}
	sub, workerID := args[0], args[1]
	rest := args[2:]

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	mail := mailbox.NewStore(conductorDir, time.Duration(cfg.Watcher.LockTimeoutSec)*time.Second)

	switch sub {
	case "send":
		from := "operator"
		msgType := string(model.MessageInfo)
		var content string
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "--from":
				from = flagValue(rest, &i)
			case "--type":
				msgType = flagValue(rest, &i)
			case "--content":
				content = flagValue(rest, &i)
			default:
				fail("unknown flag: %s", rest[i])
			}
		}
		if content == "" {
			fail("mail send: --content is required")
		}
		err := mail.Append(workerID, model.Message{
			From:    from,
			Type:    model.MessageType(msgType),
			Content: content,
		})
		if err != nil {
			fail("mail send: %v", err)
		}
		fmt.Printf("queued for %s\n", workerID)

	case "read":
		msgs := mail.Unread(workerID)
		printMessages(msgs)
		if len(msgs) > 0 {
			if err := mail.MarkAllRead(workerID); err != nil {
				fail("mark read: %v", err)
			}
		}

	case "peek":
		printMessages(mail.Unread(workerID))

	default:
		fail("unknown mail subcommand: %s\nusage: conductor mail <send|read|peek> <worker> [options]", sub)
	}
}

func printMessages(msgs []model.Message) {
	if len(msgs) == 0 {
		fmt.Println("no unread messages")
		return
	}
	for _, m := range msgs {
		fmt.Printf("%s [%s] from %s: %s\n", m.Timestamp, m.Type, m.From, m.Content)
	}
}

func runTask(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: conductor task <add|done|redo|show> <worker> [options]")
		os.Exit(1)
	}
	sub, workerID := args[0], args[1]
	rest := args[2:]

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	lockTimeout := time.Duration(cfg.Watcher.LockTimeoutSec) * time.Second
	tasks := registry.New(conductorDir, lockTimeout)
	mail := mailbox.NewStore(conductorDir, lockTimeout)

	switch sub {
	case "add":
		task := parseTaskFlags(rest)
		if err := tasks.Set(workerID, task); err != nil {
			fail("task add: %v", err)
		}
		created, err := tasks.Get(workerID)
		if err != nil {
			fail("task add: %v", err)
		}
		if created.Status == model.StatusAssigned {
			notifyAssignment(mail, workerID, *created)
		}
		fmt.Printf("%s -> %s [%s]\n", created.ID, workerID, created.Status)

	case "done":
		noNotify := false
		for i := 0; i < len(rest); i++ {
			if rest[i] == "--no-notify" {
				noNotify = true
			}
		}
		task, err := tasks.Get(workerID)
		if err != nil {
			fail("task done: %v", err)
		}
		if task == nil {
			fail("task done: worker %s has no task", workerID)
		}
		if err := tasks.Transition(workerID, model.StatusDone); err != nil {
			fail("task done: %v", err)
		}
		report := fmt.Sprintf("%s completed %s: %s", workerID, task.ID, task.Description)
		if err := mail.Append(bridge.SystemMailbox, model.Message{
			From:    workerID,
			Type:    model.MessageReportReceived,
			Content: report,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: report message not recorded: %v\n", err)
		}
		if !noNotify {
			_ = notify.TaskDone(workerID, task.ID, task.Description)
		}
		fmt.Printf("%s done\n", task.ID)

	case "redo":
		task := parseTaskFlags(rest)
		if err := tasks.Redo(workerID, task); err != nil {
			fail("task redo: %v", err)
		}
		created, err := tasks.Get(workerID)
		if err != nil {
			fail("task redo: %v", err)
		}
		if created.Status == model.StatusAssigned {
			notifyAssignment(mail, workerID, *created)
		}
		fmt.Printf("%s -> %s [%s] redo_of=%s\n", created.ID, workerID, created.Status, created.RedoOf)

	case "show":
		lineage := false
		for i := 0; i < len(rest); i++ {
			if rest[i] == "--lineage" {
				lineage = true
			}
		}
		task, err := tasks.Get(workerID)
		if err != nil {
			fail("task show: %v", err)
		}
		if task == nil {
			fmt.Printf("worker %s has no task\n", workerID)
			return
		}
		printTask(*task)
		if lineage {
			chain, err := tasks.Lineage(workerID)
			if err != nil {
				fail("lineage: %v", err)
			}
			for _, prev := range chain[1:] {
				fmt.Printf("  redo of:\n")
				printTask(prev)
			}
		}

	default:
		fail("unknown task subcommand: %s\nusage: conductor task <add|done|redo|show> <worker> [options]", sub)
	}
}

func parseTaskFlags(args []string) model.Task {
	var task model.Task
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--description":
			task.Description = flagValue(args, &i)
		case "--type":
			task.Type = flagValue(args, &i)
		case "--bloom":
			v := flagValue(args, &i)
			level, err := strconv.Atoi(v)
			if err != nil || !model.ValidBloomLevel(level) {
				fail("--bloom must be an integer 1-6, got %q", v)
			}
			task.BloomLevel = level
		case "--blocked-by":
			for _, id := range strings.Split(flagValue(args, &i), ",") {
				id = strings.TrimSpace(id)
				if id != "" {
					task.BlockedBy = append(task.BlockedBy, id)
				}
			}
		case "--parent":
			task.ParentID = flagValue(args, &i)
		case "--no-notify":
			// accepted for symmetry with task done
		default:
			fail("unknown flag: %s", args[i])
		}
	}
	if task.Description == "" {
		fail("--description is required")
	}
	return task
}

func notifyAssignment(mail *mailbox.Store, workerID string, task model.Task) {
	content := fmt.Sprintf("task assigned: %s\n%s", task.ID, task.Description)
	if model.ValidBloomLevel(task.BloomLevel) {
		content += fmt.Sprintf("\n(capability level %d)", task.BloomLevel)
	}
	err := mail.Append(workerID, model.Message{
		From:    daemon.SystemSender,
		Type:    model.MessageTaskAssigned,
		Content: content,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: assignment message not queued: %v\n", err)
	}
}

func printTask(t model.Task) {
	fmt.Printf("%s [%s] %s\n", t.ID, t.Status, t.Description)
	if t.BloomLevel != 0 {
		fmt.Printf("  bloom_level: %d\n", t.BloomLevel)
	}
	if len(t.BlockedBy) > 0 {
		fmt.Printf("  blocked_by: %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if t.RedoOf != "" {
		fmt.Printf("  redo_of: %s\n", t.RedoOf)
	}
	if t.UpdatedAt != "" {
		fmt.Printf("  updated_at: %s\n", t.UpdatedAt)
	}
}

func runRoute(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: conductor route <recommend <level>|capability <model>>")
		os.Exit(1)
	}

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	router := route.New(cfg.Routing)

	switch args[0] {
	case "recommend":
		level, err := strconv.Atoi(args[1])
		if err != nil {
			fail("route recommend: level must be an integer, got %q", args[1])
		}
		modelID, err := router.Recommend(level)
		if err != nil {
			fail("route recommend: %v", err)
		}
		fmt.Println(modelID)

	case "capability":
		fmt.Println(router.Capability(args[1]))

	default:
		fail("unknown route subcommand: %s", args[0])
	}
}

func runHook(args []string) {
	var workerFlag string
	for i := 0; i < len(args); i++ {
		if args[i] == "--worker" {
			workerFlag = flagValue(args, &i)
		}
	}
	workerID := hook.ResolveWorkerID(workerFlag)

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	mail := mailbox.NewStore(conductorDir, time.Duration(cfg.Watcher.LockTimeoutSec)*time.Second)

	if err := hook.Run(os.Stdin, os.Stdout, mail, workerID); err != nil {
		fail("hook: %v", err)
	}
}

func runBridge(args []string) {
	interval := 15 * time.Second
	for i := 0; i < len(args); i++ {
		if args[i] == "--interval" {
			v := flagValue(args, &i)
			d, err := time.ParseDuration(v)
			if err != nil {
				fail("--interval: %v", err)
			}
			interval = d
		}
	}

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	if cfg.Bridge.ServerURL == "" || cfg.Bridge.Topic == "" {
		fail("bridge: bridge.server_url and bridge.topic must be configured")
	}

	mail := mailbox.NewStore(conductorDir, time.Duration(cfg.Watcher.LockTimeoutSec)*time.Second)
	client := bridge.NewNtfyClient(cfg.Bridge.ServerURL, cfg.Bridge.Topic)
	br := bridge.New(mail, client, cfg.Bridge.AckPrefix, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "bridge polling %s/%s every %s\n", cfg.Bridge.ServerURL, cfg.Bridge.Topic, interval)

	sinceID := ""
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, err := client.Poll(ctx, sinceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "bridge poll: %v\n", err)
		}
		sinceID = br.Drain(events, sinceID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runNudge(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor nudge <worker>")
		os.Exit(1)
	}
	workerID := args[0]

	conductorDir := mustFindDir()
	cfg := mustLoadConfig(conductorDir)
	worker, ok := cfg.WorkerByID(workerID)
	if !ok {
		fail("nudge: unknown worker %q", workerID)
	}

	mail := mailbox.NewStore(conductorDir, time.Duration(cfg.Watcher.LockTimeoutSec)*time.Second)
	unread := mail.Unread(workerID)
	if len(unread) == 0 {
		fmt.Printf("%s has no unread mail\n", workerID)
		return
	}

	agent := daemon.NewTmuxAgent(cfg.Watcher.TailLines)
	if state := agent.ObserveState(worker); state != detect.StateIdle {
		fail("nudge: %s is %s, refusing to interrupt", workerID, state)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You have %d unread message(s):\n", len(unread))
	for i, m := range unread {
		fmt.Fprintf(&sb, "%d. [%s] from %s: %s\n", i+1, m.Type, m.From, m.Content)
	}
	if err := agent.Deliver(worker, strings.TrimRight(sb.String(), "\n")); err != nil {
		fail("nudge: %v", err)
	}
	if err := mail.MarkAllRead(workerID); err != nil {
		fail("nudge delivered but mark read failed: %v", err)
	}
	fmt.Printf("delivered %d message(s) to %s\n", len(unread), workerID)
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: conductor notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fail("notify: %v", err)
	}
}

func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fail("%s requires a value", args[*i])
	}
	*i++
	return args[*i]
}

func mustFindDir() string {
	dir := findConductorDir()
	if dir == "" {
		fail("error: .conductor/ directory not found. Run 'conductor setup <dir>' first.")
	}
	return dir
}

func mustLoadConfig(conductorDir string) model.Config {
	cfg, err := model.LoadConfig(filepath.Join(conductorDir, "config.yaml"))
	if err != nil {
		fail("load config: %v", err)
	}
	return cfg
}

func findConductorDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".conductor")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s — filesystem-backed worker fleet orchestration

Usage: conductor <command> [options]

Project:
  setup <dir> [--name <n>]   Initialize .conductor/ directory
  daemon [stop]              Run (or stop) the orchestration daemon
  status [--json]            Show fleet status

Coordination:
  mail send <worker> --content <text> [--from <id>] [--type <t>]
  mail read <worker>         Print unread mail and mark it read
  mail peek <worker>         Print unread mail without marking
  task add <worker> --description <text> [--bloom <1-6>] [--blocked-by <ids>]
  task done <worker> [--no-notify]
  task redo <worker> --description <text>
  task show <worker> [--lineage]
  nudge <worker>             Deliver unread mail to an idle worker now

Routing:
  route recommend <level>    Cheapest sufficient model for a bloom level
  route capability <model>   Capability ceiling of a model

Integration:
  hook [--worker <id>]       Turn-completion hook (reads stdin JSON)
  bridge [--interval <dur>]  Poll the external channel into the system mailbox
  notify <title> <msg>       macOS notification

  version                    Show version
  help                       Show this help

`, version)
}
