// Command dcps drives bench supplies, loads and meters over SCPI.
//
// Usage:
//
//	dcps [flags] <verb> [args]       run one verb (see 'dcps help')
//	dcps [flags] demo                example sequence for the model
//	dcps [flags] cycle [flags]       power cycle the active channel
//	dcps [flags] efficiency [flags]  DC converter efficiency sweep to CSV
//	dcps [flags] console             interactive console
//	dcps models                      list supported models
//
// Flags:
//
//	-config string    Configuration file path (default config/dcps.yaml, $DCPS_CONFIG)
//	-model string     Catalog model name
//	-resource string  VISA resource or host:port
//	-chan int         Active channel
//	-v                Debug logging
//
// Examples:
//
//	# Set 5 V on channel 2 of a DP832
//	dcps -model dp800 -resource 172.16.2.13 -chan 2 volt 5
//
//	# Talk to a local simulator
//	dcps -resource 127.0.0.1:5025 console
//
//	# Sweep a 1.8 V converter fed by a BK9115 from 0 to 2 A
//	dcps -model bk9115 efficiency -name 1V8-A -stop 2
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benchlab/dcps/internal/command"
	"github.com/benchlab/dcps/internal/config"
	"github.com/benchlab/dcps/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process globals. It returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dcps", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Configuration file path")
	model := fs.String("model", "", "Catalog model name (see 'dcps models')")
	resource := fs.String("resource", "", "VISA resource or host:port")
	channel := fs.Int("chan", 0, "Active channel")
	verbose := fs.Bool("v", false, "Debug logging")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: dcps [flags] <verb> [args] | demo | cycle | efficiency | console | models")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	switch rest[0] {
	case "models":
		listModels(stdout)
		return 0
	case "help":
		fmt.Fprintln(stdout, strings.Join(command.Help(), "\n"))
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "dcps: %v\n", err)
		return 1
	}
	if *model != "" {
		cfg.Instrument.Model = *model
	}
	if *resource != "" {
		cfg.Instrument.Resource = *resource
	}
	if *channel != 0 {
		cfg.Instrument.Channel = *channel
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "dcps: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "dcps: %v\n", err)
		return 1
	}
	defer logger.Close()

	sess, err := openSession(ctx, cfg, logger.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "dcps: %v\n", err)
		return 1
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()

	switch rest[0] {
	case "demo":
		err = runDemo(ctx, sess.inst, stdout)
	case "cycle":
		err = runCycle(ctx, sess.inst, rest[1:], stdout, stderr)
	case "efficiency":
		err = runEfficiency(ctx, cfg, logger.Logger, sess.inst, rest[1:], stdout, stderr)
	case "console":
		err = runConsole(ctx, sess.disp, stdin, stdout)
	default:
		var out string
		out, err = sess.disp.Execute(ctx, strings.Join(rest, " "))
		if err == nil && out != "" {
			fmt.Fprintln(stdout, out)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "dcps: %v\n", err)
		return 1
	}
	return 0
}
