package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/lifeline-lk/dispatch/internal/coordinator"
	"github.com/lifeline-lk/dispatch/internal/daemon"
	"github.com/lifeline-lk/dispatch/internal/directory"
	"github.com/lifeline-lk/dispatch/internal/events"
	"github.com/lifeline-lk/dispatch/internal/ledger"
	"github.com/lifeline-lk/dispatch/internal/model"
	"github.com/lifeline-lk/dispatch/internal/oracle"
	"github.com/lifeline-lk/dispatch/internal/setup"
	"github.com/lifeline-lk/dispatch/internal/status"
	"github.com/lifeline-lk/dispatch/internal/telephony"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "contacts":
		runContacts(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("lifeline %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: lifeline setup <project_dir> [--name <project_name>]")
		os.Exit(1)
	}
	projectDir := args[0]
	projectName := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: lifeline setup <project_dir> [--name <project_name>]\n", args[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized %s in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	lifelineDir := findLifelineDir()
	if lifelineDir == "" {
		fmt.Fprintln(os.Stderr, "error: .lifeline/ directory not found. Run 'lifeline setup <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(lifelineDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	contacts, err := loadContacts(lifelineDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load contacts: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(lifelineDir, cfg, contacts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runDispatch(args []string) {
	var categories []model.Category
	var message, language, file string
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--category":
			i++
			if i >= len(args) {
				fatalDispatchUsage("--category requires a value")
			}
			categories = append(categories, model.Category(args[i]))
		case "--message":
			i++
			if i >= len(args) {
				fatalDispatchUsage("--message requires a value")
			}
			message = args[i]
		case "--language":
			i++
			if i >= len(args) {
				fatalDispatchUsage("--language requires a value")
			}
			language = args[i]
		case "--file":
			i++
			if i >= len(args) {
				fatalDispatchUsage("--file requires a value")
			}
			file = args[i]
		case "--json":
			asJSON = true
		default:
			fatalDispatchUsage(fmt.Sprintf("unknown flag: %s", args[i]))
		}
	}

	batch, err := buildBatch(categories, message, language, file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		os.Exit(1)
	}

	lifelineDir := findLifelineDir()
	var cfg model.Config
	if lifelineDir != "" {
		if cfg, err = loadConfig(lifelineDir); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyDefaults()

	contacts, err := loadContacts(lifelineDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load contacts: %v\n", err)
		os.Exit(1)
	}

	// Ctrl-C cancels cleanly: in-flight calls are canceled at the gateway
	// and the printed result is marked partial.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", 0)
	logLevel := model.ParseLogLevel(cfg.Logging.Level)

	gateway := telephony.NewTwilioGateway(cfg.Telephony)
	decider := oracle.NewChatClient(cfg.Oracle)
	coord := coordinator.New(gateway, decider, contacts,
		coordinator.ConfigFromDispatch(cfg.Dispatch), logger, logLevel)

	if lifelineDir != "" {
		ledgerPath := cfg.Ledger.Path
		if ledgerPath == "" {
			ledgerPath = filepath.Join(lifelineDir, "ledger", "calls.jsonl")
		}
		if callLedger, err := ledger.Open(ledgerPath, cfg.Ledger.MaxSizeBytes); err == nil {
			callLedger.EnableChecksum(cfg.Ledger.EnableChecksum)
			defer callLedger.Close()
			coord.SetRecorder(callLedger)
		} else {
			fmt.Fprintf(os.Stderr, "warning: call ledger unavailable: %v\n", err)
		}
	}
	bus := events.NewBus(100)
	defer bus.Close()
	coord.SetEventBus(bus)

	result := coord.Dispatch(ctx, batch.Emergencies, batch.Message)
	printResult(result, asJSON)
	if result.Successes() < len(result.Outcomes) {
		os.Exit(1)
	}
}

// buildBatch assembles a batch from --file or from inline flags.
func buildBatch(categories []model.Category, message, language, file string) (*daemon.BatchFile, error) {
	if file != "" {
		if len(categories) > 0 || message != "" {
			return nil, fmt.Errorf("--file cannot be combined with --category/--message")
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		return daemon.DecodeBatch(raw)
	}

	if len(categories) == 0 {
		return nil, fmt.Errorf("at least one --category is required (or use --file)")
	}
	if message == "" {
		return nil, fmt.Errorf("--message is required")
	}
	if language == "" {
		language = "en"
	}

	batch := &daemon.BatchFile{
		SchemaVersion: daemon.BatchSchemaVersion,
		Message:       message,
		Language:      language,
	}
	for _, cat := range categories {
		if !model.ValidCategory(cat) {
			return nil, fmt.Errorf("unknown category %q (want police, fire, or medical)", cat)
		}
		id, err := model.GenerateID(model.IDTypeRequest)
		if err != nil {
			return nil, fmt.Errorf("generate request id: %w", err)
		}
		batch.Emergencies = append(batch.Emergencies, model.EmergencyRequest{
			ID:       id,
			Category: cat,
			Severity: "high",
			Message:  message,
			Language: language,
		})
	}
	return batch, nil
}

func printResult(result model.DispatchResult, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return
	}
	out, err := yaml.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal result: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func runContacts(args []string) {
	asJSON := false
	for _, a := range args {
		switch a {
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: lifeline contacts [--json]\n", a)
			os.Exit(1)
		}
	}

	dir, err := loadContacts(findLifelineDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load contacts: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		out := map[model.Category][]model.Contact{}
		for _, cat := range dir.Categories() {
			out[cat] = dir.ContactsFor(cat)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	for _, cat := range dir.Categories() {
		fmt.Printf("%s — %s\n", cat, dir.DescriptionOf(cat))
		for _, c := range dir.ContactsFor(cat) {
			fmt.Printf("  %d. %-32s %s\n", c.Priority, c.Name, c.Number)
		}
	}
}

func runStatus(args []string) {
	asJSON := false
	for _, a := range args {
		switch a {
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: lifeline status [--json]\n", a)
			os.Exit(1)
		}
	}

	lifelineDir := findLifelineDir()
	if lifelineDir == "" {
		fmt.Fprintln(os.Stderr, "error: .lifeline/ directory not found. Run 'lifeline setup <dir>' first.")
		os.Exit(1)
	}
	if err := status.Run(lifelineDir, asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// loadContacts reads contacts.yaml from the runtime dir, falling back to the
// shipped defaults when no runtime dir (or no contacts file) exists.
func loadContacts(lifelineDir string) (*directory.Directory, error) {
	if lifelineDir == "" {
		return directory.Default(), nil
	}
	path := filepath.Join(lifelineDir, "contacts.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return directory.Default(), nil
	}
	return directory.Load(path)
}

func loadConfig(lifelineDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(lifelineDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

// findLifelineDir walks up from the working directory looking for .lifeline/.
// LIFELINE_DIR overrides the search.
func findLifelineDir() string {
	if dir := os.Getenv("LIFELINE_DIR"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		if dir == filepath.Dir(dir) {
			return ""
		}
	}
}

func fatalDispatchUsage(msg string) {
	fmt.Fprintf(os.Stderr, "%s\nusage: lifeline dispatch --category <police|fire|medical> --message <text> [--language <code>] [--json]\n"+
		"       lifeline dispatch --file <batch.yaml> [--json]\n", msg)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lifeline %s - emergency dispatch orchestrator

Usage: lifeline <command> [options]

Commands:
  setup <dir> [--name <name>]  Initialize the .lifeline/ runtime directory
  daemon                       Run the spool-watching dispatcher daemon
  dispatch [options]           Dispatch emergencies once and print the result
  contacts [--json]            Show the configured contact ladders
  status [--json]              Show daemon, spool, and ledger status
  version                      Print version

Dispatch options:
  --category <cat>   Emergency category (repeatable): police, fire, medical
  --message <text>   What the caller reported
  --language <code>  Spoken language for the call (en, si, ta)
  --file <path>      Dispatch a spool-format batch file instead of flags
  --json             Print the result as JSON
`, version)
}
