// Command basestation ingests sensor uplinks into the readings store.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/josemorales956/dsn-base-station/pkg/config"
)

const version = "0.1.0"

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 on runtime failure, 2 on usage or configuration errors.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runIngestCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "encode":
		return runEncodeCmd(args[2:], stdout, stderr)
	case "decode":
		return runDecodeCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "basestation %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "basestation %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  basestation <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "run", "Ingest uplinks from the simulator (--simulate) or JSON lines (--input)")
	printCommand(w, "inspect", "Show row counts and the latest readings and failures")
	printCommand(w, "encode", "Encode a reading into a hex payload")
	printCommand(w, "decode", "Decode a hex payload into JSON")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig reads the optional YAML file and the environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// exitCode maps configuration errors to 2 and everything else to 1.
func exitCode(err error) int {
	if errors.Is(err, config.ErrInvalid) {
		return 2
	}
	return 1
}
