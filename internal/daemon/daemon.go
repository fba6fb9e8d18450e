// Package daemon is the long-running dispatcher process: it watches a spool
// directory for batch files of detected emergencies, dispatches each batch
// through the coordinator, and writes result files for the producer to pick
// up. One daemon per runtime directory, enforced with a file lock.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/lifeline-lk/dispatch/internal/coordinator"
	"github.com/lifeline-lk/dispatch/internal/events"
	"github.com/lifeline-lk/dispatch/internal/ledger"
	"github.com/lifeline-lk/dispatch/internal/lock"
	"github.com/lifeline-lk/dispatch/internal/model"
	"github.com/lifeline-lk/dispatch/internal/oracle"
	"github.com/lifeline-lk/dispatch/internal/telephony"
)

// Daemon is the main lifeline dispatcher process.
type Daemon struct {
	lifelineDir string
	config      model.Config
	logLevel    model.LogLevel
	logger      *log.Logger
	logFile     io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	dispatcher Dispatcher
	processor  *SpoolProcessor
	callLedger *ledger.Ledger
	bus        *events.Bus
	contacts   coordinator.ContactSource

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon rooted at lifelineDir, logging to logs/daemon.log.
func New(lifelineDir string, cfg model.Config, contacts coordinator.ContactSource) (*Daemon, error) {
	logPath := filepath.Join(lifelineDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(lifelineDir, cfg, contacts, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(lifelineDir string, cfg model.Config, contacts coordinator.ContactSource, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	resolveDirs(lifelineDir, &cfg)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		lifelineDir: lifelineDir,
		config:      cfg,
		logLevel:    model.ParseLogLevel(cfg.Logging.Level),
		logger:      log.New(w, "", 0),
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(lifelineDir, "locks", "daemon.lock")),
		ticker:      time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		contacts:    contacts,
		ctx:         ctx,
		cancel:      cancel,
	}
	return d, nil
}

// resolveDirs fills unset daemon paths relative to the runtime directory.
func resolveDirs(lifelineDir string, cfg *model.Config) {
	if cfg.Daemon.SpoolDir == "" {
		cfg.Daemon.SpoolDir = filepath.Join(lifelineDir, "spool")
	}
	if cfg.Daemon.ResultsDir == "" {
		cfg.Daemon.ResultsDir = filepath.Join(lifelineDir, "results")
	}
	if cfg.Daemon.ArchiveDir == "" {
		cfg.Daemon.ArchiveDir = filepath.Join(lifelineDir, "archive")
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(lifelineDir, "ledger", "calls.jsonl")
	}
}

// SetDispatcher overrides the coordinator, for testing without a gateway.
// Must be called before Run.
func (d *Daemon) SetDispatcher(dispatcher Dispatcher) {
	d.dispatcher = dispatcher
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: single instance per runtime dir
	if err := os.MkdirAll(filepath.Join(d.lifelineDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(model.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: call ledger
	callLedger, err := ledger.Open(d.config.Ledger.Path, d.config.Ledger.MaxSizeBytes)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open call ledger: %w", err)
	}
	callLedger.EnableChecksum(d.config.Ledger.EnableChecksum)
	d.callLedger = callLedger

	// Step 3: event bus with daemon-side observers
	d.bus = events.NewBus(100)
	d.subscribeEvents()

	// Step 4: coordinator, unless a test injected its own dispatcher
	if d.dispatcher == nil {
		gateway := telephony.NewTwilioGateway(d.config.Telephony)
		decider := oracle.NewChatClient(d.config.Oracle)
		coord := coordinator.New(gateway, decider, d.contacts,
			coordinator.ConfigFromDispatch(d.config.Dispatch), d.logger, d.logLevel)
		coord.SetRecorder(d.callLedger)
		coord.SetEventBus(d.bus)
		d.dispatcher = coord
	}
	d.processor = NewSpoolProcessor(d.config.Daemon, d.dispatcher, d.logger, d.logLevel)

	// Step 5: fsnotify watcher on the spool directory
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	for _, dir := range []string{d.config.Daemon.SpoolDir, d.config.Daemon.ResultsDir, d.config.Daemon.ArchiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	if err := watcher.Add(d.config.Daemon.SpoolDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.config.Daemon.SpoolDir, err)
	}

	// Step 6: background loops
	d.group, _ = errgroup.WithContext(d.ctx)
	d.group.Go(d.fsnotifyLoop)
	d.group.Go(d.tickerLoop)

	// Step 7: pick up whatever was spooled while we were down
	d.processor.Scan(d.ctx)
	d.log(model.LogLevelInfo, "daemon ready, watching %s", d.config.Daemon.SpoolDir)

	// Step 8: wait for signals
	d.waitSignals()

	return nil
}

// subscribeEvents wires daemon-level logging of call outcomes and batch
// completions.
func (d *Daemon) subscribeEvents() {
	d.bus.Subscribe(events.EventCallOutcome, func(e events.Event) {
		if success, _ := e.Data["success"].(bool); success {
			d.log(model.LogLevelInfo, "outcome request=%v success=true attempts=%v",
				e.Data["request_id"], e.Data["attempts"])
			return
		}
		d.log(model.LogLevelWarn, "outcome request=%v success=false reason=%v",
			e.Data["request_id"], e.Data["reason"])
	})
	d.bus.Subscribe(events.EventBatchDone, func(e events.Event) {
		d.log(model.LogLevelInfo, "batch %v done: %v/%v notified partial=%v",
			e.Data["batch_id"], e.Data["successes"], e.Data["outcomes"], e.Data["partial"])
	})
}

// fsnotifyLoop dispatches batch files as soon as they land in the spool.
func (d *Daemon) fsnotifyLoop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.processor.ProcessFile(d.ctx, event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop rescans the spool at the configured interval. It backstops
// fsnotify: a file written before the watch started, or an event dropped
// under load, still gets dispatched within one scan interval.
func (d *Daemon) tickerLoop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-d.ticker.C:
			d.log(model.LogLevelDebug, "periodic spool scan")
			d.processor.Scan(d.ctx)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or Shutdown is
// called from elsewhere.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-d.ctx.Done():
		return
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	}

	// Second signal forces exit even with calls in flight.
	go func() {
		<-sigCh
		d.log(model.LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). In-flight
// dispatches get the shutdown timeout to cancel their calls cleanly.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		if d.group != nil {
			done := make(chan struct{})
			go func() {
				if err := d.group.Wait(); err != nil {
					d.log(model.LogLevelError, "background loop error: %v", err)
				}
				close(done)
			}()

			select {
			case <-done:
				d.log(model.LogLevelInfo, "all loops drained")
			case <-time.After(time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second):
				d.log(model.LogLevelWarn, "shutdown timeout after %ds, some dispatches may be incomplete",
					d.config.Daemon.ShutdownTimeoutSec)
			}
		}

		d.cleanup()
		d.log(model.LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.callLedger != nil {
		d.callLedger.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
