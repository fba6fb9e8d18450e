// Package ledger is the append-only call ledger: one JSONL entry per
// meaningful state transition (call placed, status change, terminal outcome)
// for audit and statistics. Writers append independently; there are no
// read-modify-write cycles.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	// FileExtension for ledger files.
	FileExtension = ".jsonl"
	// ArchiveDirName holds rotated ledger files.
	ArchiveDirName = "archive"
)

// Entry kinds, one per meaningful state transition.
const (
	KindCallPlaced  = "call_placed"
	KindCallStatus  = "call_status"
	KindCallOutcome = "call_outcome"
	KindBatch       = "batch"
)

// Entry is a single ledger record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	BatchID   string         `json:"batch_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Contact   string         `json:"contact,omitempty"`
	Number    string         `json:"number,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Status    string         `json:"status,omitempty"`
	Language  string         `json:"language,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Ledger provides append-only logging with size-based rotation.
type Ledger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	enableChecksum  bool
	rotationCounter int
}

// Open creates or opens a ledger at path.
func Open(path string, maxSize int64) (*Ledger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &Ledger{
		path:    path,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Ledger) openFile() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat ledger file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// EnableChecksum turns on per-entry integrity checksums.
func (l *Ledger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// Append writes one entry. The timestamp is stamped here if unset.
func (l *Ledger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("ledger is closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if l.enableChecksum {
		entry.Checksum = checksum(&entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate ledger: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}

	// Sync for durability; the ledger is the audit trail of real calls.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Ledger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current ledger file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.path), ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.path)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(FileExtension)],
		timestamp,
		l.rotationCounter,
		FileExtension)

	if err := os.Rename(l.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive ledger file: %w", err)
	}

	return l.openFile()
}

func checksum(entry *Entry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djbHash(data))
}

func djbHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}
