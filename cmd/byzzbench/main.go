// Command byzzbench runs BFT consensus scenarios on the deterministic
// simulator.
//
// Usage:
//
//	byzzbench run      [-config file] [flags]   run one scenario
//	byzzbench campaign [-config file] [flags]   run many generated scenarios
//	byzzbench replay   -store file <run-id>     replay a stored schedule
//	byzzbench list     -store file              list stored runs
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// errViolations marks a finished command that observed violations.
var errViolations = errors.New("violations detected")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errViolations):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "byzzbench: %v\n", err)
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing command")
	}

	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], out)
	case "campaign":
		return campaignCommand(ctx, args[1:], out)
	case "replay":
		return replayCommand(ctx, args[1:], out)
	case "list":
		return listCommand(args[1:], out)
	case "help", "-h", "-help", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: byzzbench <run|campaign|replay|list> [flags]")
	fmt.Fprintln(w, "Run 'byzzbench <command> -h' for the flags of a command.")
}
