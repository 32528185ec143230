package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/audit"
	"github.com/benchlab/dcps/internal/catalog"
	"github.com/benchlab/dcps/internal/command"
	"github.com/benchlab/dcps/internal/config"
	"github.com/benchlab/dcps/internal/trace"
	"github.com/benchlab/dcps/internal/transport"
)

// session is an opened instrument with its journal and trace file.
type session struct {
	inst    adapter.IInstrument
	disp    *command.Dispatcher
	closers []func() error
}

func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	ic := cfg.Instrument
	s := &session{}

	opts := catalogOptions(ic, logger)
	opts.Resource = ic.Resource
	opts.GPIBAddress = ic.GPIBAddress
	if ic.Channel > 0 {
		opts.Adapter = append(opts.Adapter, adapter.WithChannel(ic.Channel))
	}

	if cfg.Trace.File != "" {
		rec, err := trace.NewFileRecorder(cfg.Trace.File)
		if err != nil {
			return nil, err
		}
		opts.Recorder = rec
		s.closers = append(s.closers, rec.Close)
	}

	var journal audit.Journal = audit.Nop{}
	if cfg.Journal.Enabled {
		j, err := audit.NewLogger(cfg.Journal.Dir, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal = j
		s.closers = append(s.closers, j.Close)
	}

	inst, err := catalog.Open(ic.Model, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := inst.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.inst = inst
	s.closers = append(s.closers, inst.Close)

	dopts := []command.Option{command.WithJournal(journal)}
	if ts, ok := inst.(interface{ Session() transport.Session }); ok {
		// Journal entries share the trace session id.
		if traced, ok := ts.Session().(interface{ ID() string }); ok {
			dopts = append(dopts, command.WithSessionID(traced.ID()))
		}
	}
	s.disp = command.New(inst, dopts...)

	logger.Debug("session opened", "model", ic.Model, "session", s.disp.SessionID())
	return s, nil
}

// catalogOptions carries the configured link and adapter tuning. Resource,
// GPIB address and channel are left to the caller.
func catalogOptions(ic config.InstrumentConfig, logger *slog.Logger) catalog.Options {
	opts := catalog.Options{
		Timeout: ic.Timeout(),
		Logger:  logger,
	}
	if d, ok := ic.Settle(); ok {
		opts.Adapter = append(opts.Adapter, adapter.WithSettle(d))
	}
	if ic.CheckErrors {
		opts.Adapter = append(opts.Adapter, adapter.WithErrorCheck(true))
	}
	return opts
}

// Close releases everything in reverse order of acquisition.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func listModels(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tKIND\tCHANNELS\tENV\tRESOURCE\tDESCRIPTION")
	for _, e := range catalog.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Name, e.Model.Name, e.Model.Kind, e.Model.MaxChannel(),
			e.Model.EnvVar, e.DefaultResource(), e.Description)
	}
	tw.Flush()
}
