// ledgerctl manages signing keys and drives a ledgerd instance from the
// command line.
//
//	ledgerctl keygen --out admin.json
//	ledgerctl init --admin <pubkey>
//	ledgerctl record --key admin.json --invoice INV-1 --payer <pubkey> --asset XLM --amount 10000000
//	ledgerctl get INV-1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type globals struct {
	server  string
	timeout time.Duration
}

type command struct {
	summary string
	run     func(ctx context.Context, g globals, args []string) error
}

var commands = map[string]command{
	"keygen":     {"generate a signing key file", runKeygen},
	"pubkey":     {"print the identity of a key file", runPubkey},
	"sign":       {"sign an operation offline and print the proof headers", runSign},
	"init":       {"initialize the ledger with its first admin", runInit},
	"admin":      {"print the current admin", runAdmin},
	"set-admin":  {"transfer the admin role", runSetAdmin},
	"record":     {"record a payment for an invoice", runRecord},
	"get":        {"print the payment recorded for an invoice", runGet},
	"has":        {"report whether an invoice has been paid", runHas},
	"count":      {"print the number of recorded payments", runCount},
	"deliveries": {"list webhook deliveries", runDeliveries},
	"delivery":   {"print one webhook delivery", runDelivery},
	"retry":      {"requeue a failed webhook delivery", runRetry},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var g globals
	flagSet := pflag.NewFlagSet("ledgerctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&g.server, "server", envOr("LEDGER_SERVER", "http://localhost:8080"), "ledgerd base URL including any route prefix")
	flagSet.DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	flagSet.Usage = func() { usage(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		usage(flagSet)
		return errors.New("missing command")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	output = stdout
	return cmd.run(ctx, g, rest[1:])
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: ledgerctl [global flags] <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nglobal flags:\n%s", flagSet.FlagUsages())
}

// output is where command results go; swapped in tests.
var output io.Writer = os.Stdout

func printJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		_, err = fmt.Fprintln(output, strings.TrimSpace(string(data)))
		return err
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
