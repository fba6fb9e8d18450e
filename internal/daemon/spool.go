package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lifeline-lk/dispatch/internal/lock"
	"github.com/lifeline-lk/dispatch/internal/model"
	yamlio "github.com/lifeline-lk/dispatch/internal/yaml"
)

// BatchSchemaVersion is the expected schema_version of spool batch files.
const BatchSchemaVersion = 1

// BatchFile is one spooled batch of detected emergencies awaiting dispatch.
type BatchFile struct {
	SchemaVersion int                      `yaml:"schema_version"`
	Message       string                   `yaml:"message"`
	Language      string                   `yaml:"language,omitempty"`
	Emergencies   []model.EmergencyRequest `yaml:"emergencies"`
}

// ResultFile is what the processor writes next to a finished batch.
type ResultFile struct {
	SchemaVersion int                  `yaml:"schema_version"`
	Source        string               `yaml:"source"`
	CompletedAt   time.Time            `yaml:"completed_at"`
	Result        model.DispatchResult `yaml:"result"`
}

// Dispatcher runs one batch to completion. Satisfied by coordinator.Coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, requests []model.EmergencyRequest, userMessage string) model.DispatchResult
}

// SpoolProcessor picks batch files out of the spool directory, dispatches
// them, writes results, and archives the inputs. A malformed file is
// quarantined, never retried in a loop.
type SpoolProcessor struct {
	spoolDir   string
	resultsDir string
	archiveDir string
	dispatcher Dispatcher
	guard      *lock.Guard
	logger     *log.Logger
	logLevel   model.LogLevel
}

func NewSpoolProcessor(cfg model.DaemonConfig, dispatcher Dispatcher, logger *log.Logger, logLevel model.LogLevel) *SpoolProcessor {
	return &SpoolProcessor{
		spoolDir:   cfg.SpoolDir,
		resultsDir: cfg.ResultsDir,
		archiveDir: cfg.ArchiveDir,
		dispatcher: dispatcher,
		guard:      lock.NewGuard(),
		logger:     logger,
		logLevel:   logLevel,
	}
}

// Scan processes every eligible batch file currently in the spool directory.
// Returns the number of batches dispatched.
func (p *SpoolProcessor) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(p.spoolDir)
	if err != nil {
		p.log(model.LogLevelError, "read spool dir: %v", err)
		return 0
	}

	processed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return processed
		}
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		if p.ProcessFile(ctx, filepath.Join(p.spoolDir, entry.Name())) {
			processed++
		}
	}
	return processed
}

// ProcessFile dispatches one spool file. Returns true if a dispatch ran,
// false if the file was skipped, quarantined, or already being handled.
func (p *SpoolProcessor) ProcessFile(ctx context.Context, path string) bool {
	if !eligible(filepath.Base(path)) {
		return false
	}
	// fsnotify and the periodic scan can both see the same file; only one
	// of them gets to own it.
	if !p.guard.TryAcquire(path) {
		return false
	}
	defer p.guard.Release(path)

	if _, err := os.Stat(path); err != nil {
		return false // already archived or quarantined
	}

	batch, err := p.load(path)
	if err != nil {
		p.log(model.LogLevelError, "batch %s rejected: %v", filepath.Base(path), err)
		if qPath, qErr := yamlio.Quarantine(filepath.Dir(p.spoolDir), path); qErr != nil {
			p.log(model.LogLevelError, "quarantine %s: %v", filepath.Base(path), qErr)
		} else {
			p.log(model.LogLevelWarn, "batch %s quarantined to %s", filepath.Base(path), qPath)
		}
		return false
	}

	p.log(model.LogLevelInfo, "dispatching batch %s: %d emergencies", filepath.Base(path), len(batch.Emergencies))
	result := p.dispatcher.Dispatch(ctx, batch.Emergencies, batch.Message)
	p.log(model.LogLevelInfo, "batch %s done: %d/%d notified",
		filepath.Base(path), result.Successes(), len(result.Outcomes))

	if err := p.writeResult(path, result); err != nil {
		p.log(model.LogLevelError, "write result for %s: %v", filepath.Base(path), err)
	}
	if err := p.archive(path); err != nil {
		p.log(model.LogLevelError, "archive %s: %v", filepath.Base(path), err)
	}
	return true
}

// load parses and validates one batch file.
func (p *SpoolProcessor) load(path string) (*BatchFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return DecodeBatch(raw)
}

// DecodeBatch parses and validates one batch document, filling missing
// request IDs, messages, and languages from the batch envelope.
func DecodeBatch(raw []byte) (*BatchFile, error) {
	var batch BatchFile
	if err := yamlv3.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if batch.SchemaVersion != BatchSchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d (want %d)", batch.SchemaVersion, BatchSchemaVersion)
	}
	if len(batch.Emergencies) == 0 {
		return nil, fmt.Errorf("batch contains no emergencies")
	}
	if batch.Language == "" {
		batch.Language = "en"
	}

	for i := range batch.Emergencies {
		req := &batch.Emergencies[i]
		if !model.ValidCategory(req.Category) {
			return nil, fmt.Errorf("emergency %d: unknown category %q", i, req.Category)
		}
		if req.Message == "" {
			req.Message = batch.Message
		}
		if req.Language == "" {
			req.Language = batch.Language
		}
		if req.ID == "" {
			id, err := model.GenerateID(model.IDTypeRequest)
			if err != nil {
				return nil, fmt.Errorf("emergency %d: generate id: %w", i, err)
			}
			req.ID = id
		}
	}
	return &batch, nil
}

func (p *SpoolProcessor) writeResult(spoolPath string, result model.DispatchResult) error {
	if err := os.MkdirAll(p.resultsDir, 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(spoolPath), filepath.Ext(spoolPath))
	resultPath := filepath.Join(p.resultsDir, base+".result.yaml")
	return yamlio.AtomicWrite(resultPath, ResultFile{
		SchemaVersion: BatchSchemaVersion,
		Source:        filepath.Base(spoolPath),
		CompletedAt:   time.Now().UTC(),
		Result:        result,
	})
}

func (p *SpoolProcessor) archive(spoolPath string) error {
	if err := os.MkdirAll(p.archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(p.archiveDir, filepath.Base(spoolPath))
	if err := os.Rename(spoolPath, dst); err != nil {
		return fmt.Errorf("move to archive: %w", err)
	}
	return nil
}

// eligible reports whether name looks like a finished batch file. Dotfiles
// and temp files from in-progress writes are skipped.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (p *SpoolProcessor) log(level model.LogLevel, format string, args ...any) {
	if p.logger == nil || level < p.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s spool: %s", time.Now().Format(time.RFC3339), level, msg)
}
