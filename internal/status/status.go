// Package status reports on a lifeline runtime directory: whether a daemon
// holds the lock, how deep the spool is, and what the call ledger says about
// recent dispatches.
package status

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lifeline-lk/dispatch/internal/ledger"
)

type Report struct {
	Daemon DaemonStatus `json:"daemon"`
	Spool  SpoolStatus  `json:"spool"`
	Ledger LedgerStatus `json:"ledger"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     string `json:"pid,omitempty"`
}

type SpoolStatus struct {
	Pending     int `json:"pending"`
	Results     int `json:"results"`
	Archived    int `json:"archived"`
	Quarantined int `json:"quarantined"`
}

type LedgerStatus struct {
	Entries      int   `json:"entries"`
	CallsPlaced  int   `json:"calls_placed"`
	Notified     int   `json:"notified"`
	Failed       int   `json:"failed"`
	SizeBytes    int64 `json:"size_bytes"`
	RotatedFiles int   `json:"rotated_files"`
}

// Run gathers and prints the runtime status.
func Run(lifelineDir string, jsonOutput bool) error {
	report := Collect(lifelineDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

// Collect builds the status report without printing it.
func Collect(lifelineDir string) Report {
	return Report{
		Daemon: checkDaemon(filepath.Join(lifelineDir, "locks", "daemon.lock")),
		Spool: SpoolStatus{
			Pending:     countYAML(filepath.Join(lifelineDir, "spool")),
			Results:     countYAML(filepath.Join(lifelineDir, "results")),
			Archived:    countYAML(filepath.Join(lifelineDir, "archive")),
			Quarantined: countFiles(filepath.Join(lifelineDir, "quarantine")),
		},
		Ledger: summarizeLedger(filepath.Join(lifelineDir, "ledger", "calls.jsonl")),
	}
}

// checkDaemon probes the flock without holding it: if the non-blocking
// acquire fails with EWOULDBLOCK, a daemon owns the lock.
func checkDaemon(lockPath string) DaemonStatus {
	f, err := os.Open(lockPath)
	if err != nil {
		return DaemonStatus{Running: false}
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, _ := io.ReadAll(io.LimitReader(f, 64))
		return DaemonStatus{Running: true, Pid: strings.TrimSpace(string(pid))}
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return DaemonStatus{Running: false}
}

func countYAML(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			n++
		}
	}
	return n
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// summarizeLedger scans the current ledger file. Rotated archives count
// toward RotatedFiles but are not re-read; the live file is what operators
// care about.
func summarizeLedger(path string) LedgerStatus {
	var ls LedgerStatus

	if archives, err := os.ReadDir(filepath.Join(filepath.Dir(path), ledger.ArchiveDirName)); err == nil {
		ls.RotatedFiles = len(archives)
	}

	f, err := os.Open(path)
	if err != nil {
		return ls
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		ls.SizeBytes = info.Size()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ls.Entries++

		var entry ledger.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		switch entry.Kind {
		case ledger.KindCallPlaced:
			ls.CallsPlaced++
		case ledger.KindCallOutcome:
			if entry.Status == "success" {
				ls.Notified++
			} else {
				ls.Failed++
			}
		}
	}
	return ls
}

func printReport(r Report) {
	if r.Daemon.Running {
		if r.Daemon.Pid != "" {
			fmt.Printf("Daemon: running (pid %s)\n", r.Daemon.Pid)
		} else {
			fmt.Println("Daemon: running")
		}
	} else {
		fmt.Println("Daemon: stopped")
	}

	fmt.Println("\nSpool:")
	fmt.Printf("  %-12s %d\n", "pending", r.Spool.Pending)
	fmt.Printf("  %-12s %d\n", "results", r.Spool.Results)
	fmt.Printf("  %-12s %d\n", "archived", r.Spool.Archived)
	fmt.Printf("  %-12s %d\n", "quarantined", r.Spool.Quarantined)

	fmt.Println("\nLedger:")
	fmt.Printf("  %-12s %d\n", "entries", r.Ledger.Entries)
	fmt.Printf("  %-12s %d\n", "calls placed", r.Ledger.CallsPlaced)
	fmt.Printf("  %-12s %d\n", "notified", r.Ledger.Notified)
	fmt.Printf("  %-12s %d\n", "failed", r.Ledger.Failed)
	fmt.Printf("  %-12s %d bytes", "size", r.Ledger.SizeBytes)
	if r.Ledger.RotatedFiles > 0 {
		fmt.Printf(" (+%d rotated)", r.Ledger.RotatedFiles)
	}
	fmt.Println()
}
