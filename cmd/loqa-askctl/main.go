package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/eventstore"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'turns' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "turns":
		err = runTurns(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runValidate loads the configuration the way the server does and reports
// which credentials are still missing.
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("file", "", "Path to configuration file")
	envFile := fs.String("env-file", ".env", "Dotenv file with credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if missing := cfg.MissingCredentials(); len(missing) > 0 {
		return fmt.Errorf("configuration valid but credentials missing: %s", strings.Join(missing, ", "))
	}
	fmt.Fprintln(out, "configuration valid")
	return nil
}

// runTurns prints the recorded turns of a session.
func runTurns(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("turns", flag.ContinueOnError)
	configPath := fs.String("file", "", "Path to configuration file")
	sessionID := fs.String("session", "", "Session id")
	limit := fs.Int("limit", 20, "Maximum number of turns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == eventstore.Ephemeral {
		return fmt.Errorf("event store is ephemeral; nothing is recorded")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(context.Background(), cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	turns, err := store.ListSessionTurns(context.Background(), *sessionID, *limit)
	if err != nil {
		return err
	}
	for _, t := range turns {
		fmt.Fprintf(out, "%s  %-8s  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"), t.State, t.Prompt)
		if t.Error != "" {
			fmt.Fprintf(out, "    error: %s\n", t.Error)
			continue
		}
		fmt.Fprintf(out, "    %s\n", t.Text)
		for _, src := range t.Sources {
			fmt.Fprintf(out, "    [%d] %s\n", src.Number, src.URI)
		}
	}
	return nil
}
