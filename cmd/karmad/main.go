package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/config"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// devValidatorSeed derives the validator set when KARMA_VALIDATOR_SEED is unset.
const devValidatorSeed = "karmad-development-validator-seed"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(context.Background(), config.Load(), stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(context.Background(), config.Load(), stdout, stderr)
	case "demo":
		return runDemo(context.Background(), stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "params":
		return runParamsCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "karmad %s\n", Version)
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

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sAgent Karma %s%s\n", ColorBold+ColorBlue, Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sReputation and governance for autonomous agents.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  karmad <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "ENGINE")
	printCommand(w, "serve", "Run the karma HTTP server (default)")
	printCommand(w, "demo", "Run the end-to-end rating scenario in memory")
	printCommand(w, "health", "Check server health (--addr)")

	printSection(w, "OPERATIONS")
	printCommand(w, "keygen", "Derive the oracle validator keys (--seed, --private)")
	printCommand(w, "params", "Print effective protocol parameters (--file)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// validatorSeed returns the configured seed, or the development seed.
func validatorSeed(cfg *config.Config) (seed string, dev bool) {
	if cfg.ValidatorSeed != "" {
		return cfg.ValidatorSeed, false
	}
	return devValidatorSeed, true
}

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	seed := cmd.String("seed", "", "Validator seed (default: KARMA_VALIDATOR_SEED or the development seed)")
	private := cmd.Bool("private", false, "Also print private keys")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *seed == "" {
		*seed, _ = validatorSeed(config.Load())
	}

	keys, err := oracle.DeriveValidatorKeys([]byte(*seed))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	vs, err := oracle.PublicSet(keys)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pubs := vs.PublicKeys()
	ids := vs.IDs()

	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		entry := map[string]string{
			"id":         id,
			"public_key": pubs[id],
		}
		if *private {
			entry["private_key"] = hex.EncodeToString(keys[id])
		}
		out = append(out, entry)
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func runParamsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("params", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	file := cmd.String("file", "", "YAML parameter file (default: KARMA_PARAMS_FILE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		*file = config.Load().ParamsFile
	}

	params, err := loadParams(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(params.AsMap(), "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func loadParams(path string) (contracts.Params, error) {
	if path == "" {
		return contracts.DefaultParams(), nil
	}
	return config.LoadParams(path)
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	addr := cmd.String("addr", "http://localhost:"+config.Load().Port, "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
