package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/command"
)

const consolePrompt = "dcps> "

// runConsole reads verbs until EOF, "quit" or cancellation. Errors are
// printed with their code and do not end the session.
func runConsole(ctx context.Context, d *command.Dispatcher, in io.Reader, out io.Writer) error {
	items := make([]readline.PrefixCompleterInterface, 0, len(command.Verbs())+1)
	for _, v := range command.Verbs() {
		items = append(items, readline.PcItem(v))
	}
	items = append(items, readline.PcItem("quit"))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          consolePrompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    readline.NewPrefixCompleter(items...),
		Stdin:           io.NopCloser(in),
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	return repl(ctx, d, rl, rl.Stdout())
}

type lineReader interface {
	Readline() (string, error)
}

func repl(ctx context.Context, d *command.Dispatcher, r lineReader, out io.Writer) error {
	m := d.Instrument().Model()
	fmt.Fprintf(out, "%s %s, session %s. Type 'help' for verbs.\n", m.Vendor, m.Name, d.SessionID())

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		}

		reply, err := d.Execute(ctx, line)
		switch {
		case err != nil:
			fmt.Fprintf(out, "error %s: %v\n", adapter.Code(err), err)
		case reply != "":
			fmt.Fprintln(out, reply)
		}
	}
}
