// Command dcpssim runs a simulated bench supply on a raw SCPI socket, with
// an HTTP control API for inspecting state and injecting faults.
//
// Usage:
//
//	dcpssim [flags]
//	dcpssim token [-subject s] [-ttl d]
//
// Flags:
//
//	-config string   Configuration file path
//	-listen string   SCPI listen address (default from config, 127.0.0.1:5025)
//	-dialect string  scpi, dp800 or aimtti
//	-channels int    Number of outputs
//	-fault string    Initial fault: none, garbage, silent, reject
//
// The control API requires a bearer token with the sim:control scope when
// simulator.control.secret (or $DCPS_SIM_SECRET) is set. "dcpssim token"
// prints one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benchlab/dcps/internal/auth"
	"github.com/benchlab/dcps/internal/config"
	"github.com/benchlab/dcps/internal/logging"
	"github.com/benchlab/dcps/internal/simulator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run starts the servers and blocks until ctx is done. ready, when
// non-nil, receives the bound SCPI and control addresses.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, ready func(scpi, control net.Addr)) int {
	fs := flag.NewFlagSet("dcpssim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Configuration file path")
	listen := fs.String("listen", "", "SCPI listen address")
	dialect := fs.String("dialect", "", "Dialect: scpi, dp800, aimtti")
	channels := fs.Int("channels", 0, "Number of outputs")
	fault := fs.String("fault", "", "Initial fault: none, garbage, silent, reject")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "dcpssim: %v\n", err)
		return 1
	}

	if fs.Arg(0) == "token" {
		return runToken(fs.Args()[1:], cfg.Simulator.Control.Secret, stdout, stderr)
	}

	sc := &cfg.Simulator
	if *listen != "" {
		sc.Listen = *listen
	}
	if *dialect != "" {
		sc.Dialect = *dialect
	}
	if *channels != 0 {
		sc.Channels = *channels
	}
	if *fault != "" {
		sc.Fault = *fault
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "dcpssim: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "dcpssim: %v\n", err)
		return 1
	}
	defer logger.Close()

	if err := serve(ctx, sc, logger.Logger, ready); err != nil {
		logger.Error("simulator failed", "err", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, sc *config.SimulatorConfig, logger *slog.Logger, ready func(scpi, control net.Addr)) error {
	inst, err := simulator.New(simulator.Options{
		Dialect:    sc.Dialect,
		Channels:   sc.Channels,
		MaxVoltage: sc.MaxVoltage,
		MaxCurrent: sc.MaxCurrent,
		LoadOhms:   sc.LoadOhms,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	f, err := simulator.ParseFault(sc.Fault)
	if err != nil {
		return err
	}
	inst.SetFault(f)

	var verifier *auth.Verifier
	if sc.Control.Secret != "" {
		if verifier, err = auth.NewVerifier(sc.Control.Secret); err != nil {
			return err
		}
	} else {
		logger.Warn("control API is unauthenticated")
	}

	srv := simulator.NewServer(inst, logger)
	scpiAddr, err := srv.Start(sc.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", sc.Control.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sc.Control.Listen, err)
	}
	httpServer := &http.Server{
		Handler:      simulator.ControlHandler(inst, verifier),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	logger.Info("control API listening", "addr", ln.Addr().String())
	if ready != nil {
		ready(scpiAddr, ln.Addr())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-httpErr:
		logger.Error("control API failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("control API shutdown", "err", serr)
	}
	return err
}

func runToken(args []string, secret string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "bench", "Token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime, 0 for none")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	token, err := auth.Issue(secret, *subject, []string{auth.ScopeControl}, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "dcpssim: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
