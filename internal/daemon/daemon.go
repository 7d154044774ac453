// Package daemon runs the conductor orchestration loop: filesystem
// watching, periodic ticks, and the control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/mailbox"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the long-running conductor process. Exactly one instance per
// .conductor directory, enforced by a flock.
type Daemon struct {
	conductorDir string
	config       model.Config
	logLevel     LogLevel
	logger       *log.Logger
	logFile      io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	dispatcher *Dispatcher
	eventBus   *events.Bus
	audit      *events.AuditLogger

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to logs/daemon.log under conductorDir.
func New(conductorDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(conductorDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(conductorDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(conductorDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	logger := log.New(w, "", 0)
	socketPath := filepath.Join(conductorDir, uds.DefaultSocketName)

	scanInterval := cfg.Watcher.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	lockTimeout := time.Duration(cfg.Watcher.LockTimeoutSec) * time.Second
	mail := mailbox.NewStore(conductorDir, lockTimeout)
	tasks := registry.New(conductorDir, lockTimeout)
	logLevel := parseLogLevel(cfg.Logging.Level)

	d := &Daemon{
		conductorDir: conductorDir,
		config:       cfg,
		logLevel:     logLevel,
		logger:       logger,
		logFile:      closer,
		fileLock:     lock.NewFileLock(filepath.Join(conductorDir, "locks", "daemon.lock")),
		server:       uds.NewServer(socketPath, logger),
		ticker:       time.NewTicker(time.Duration(scanInterval) * time.Second),
		dispatcher:   NewDispatcher(cfg, mail, tasks, logger, logLevel),
		ctx:          ctx,
		cancel:       cancel,
		group:        group,
		groupCtx:     groupCtx,
	}

	return d, nil
}

// Dispatcher exposes the dispatcher, mainly for wiring in tests.
func (d *Daemon) Dispatcher() *Dispatcher {
	return d.dispatcher
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon already running? lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watch the mail and task directories for external writes (CLI,
	// bridge, hook) so ticks follow changes without waiting for the
	// periodic scan.
	mailDir := filepath.Join(d.conductorDir, "mail")
	tasksDir := filepath.Join(d.conductorDir, "tasks")
	for _, dir := range []string{mailDir, tasksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	if err := d.startAudit(); err != nil {
		d.log(LogLevelWarn, "audit log unavailable: %v", err)
	}

	d.registerHandlers()

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control server: %w", err)
	}
	d.log(LogLevelInfo, "control server listening on %s", filepath.Join(d.conductorDir, uds.DefaultSocketName))

	d.group.Go(d.fsnotifyLoop)
	d.group.Go(d.tickerLoop)

	d.dispatcher.Tick()
	d.log(LogLevelInfo, "daemon ready")

	d.waitSignals()

	return nil
}

func (d *Daemon) startAudit() error {
	bus := events.NewBus(100)
	audit, err := events.NewAuditLogger(filepath.Join(d.conductorDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		bus.Close()
		return err
	}
	for _, et := range []events.EventType{
		events.EventTaskUnblocked,
		events.EventTaskDone,
		events.EventTaskRedo,
		events.EventWorkerNudged,
		events.EventModelSwitch,
	} {
		bus.Subscribe(et, audit.Subscriber())
	}
	d.eventBus = bus
	d.audit = audit
	d.dispatcher.SetEventBus(bus)
	return nil
}

// registerHandlers registers control socket request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CommandScan, func(req *uds.Request) *uds.Response {
		d.dispatcher.Tick()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle(uds.CommandStatus, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.dispatcher.Snapshot())
	})

	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// fsnotifyLoop coalesces filesystem change bursts into a single tick per
// debounce window.
func (d *Daemon) fsnotifyLoop() error {
	debounce := time.Duration(d.config.Watcher.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-d.groupCtx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				timer.Reset(debounce)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		case <-timer.C:
			d.dispatcher.Tick()
		}
	}
}

// tickerLoop runs the fallback scan at the configured interval, covering
// anything fsnotify missed.
func (d *Daemon) tickerLoop() error {
	for {
		select {
		case <-d.groupCtx.Done():
			return nil
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic scan triggered")
			d.dispatcher.Tick()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			_ = d.group.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all loops drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.conductorDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.eventBus != nil {
		d.eventBus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
