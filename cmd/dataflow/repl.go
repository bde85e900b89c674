package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/engine"
	"github.com/wbrown/janus-dataflow/datalog/parser"
	"github.com/wbrown/janus-dataflow/datalog/sources"
)

func newReplCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := engine.DefaultOptions()
	ccmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell over an in-process engine",
		RunE: func(c *cobra.Command, args []string) error {
			if verbose, _ := c.Flags().GetBool("verbose"); verbose {
				opts.Handler = annotations.NewOutputFormatter(stderr).Handle
			}
			e := engine.New(opts)
			defer e.Close()
			return newShell(e, stdout).run(context.Background(), stdin)
		},
	}
	flags := ccmd.Flags()
	flags.IntVarP(&opts.Workers, "workers", "w", opts.Workers, "number of workers")
	flags.BoolVar(&opts.RetainHistory, "history", false, "retain every time for eval as-of")
	flags.IntVar(&opts.MaxIterations, "max-iterations", opts.MaxIterations, "fixed point iteration bound")
	return ccmd
}

const help = `Commands:
  declare <attr> <one|many> <type>     declare an attribute
  transact <time> [[e :attr v] ...]    ingest facts ([:db/retract e :attr v] retracts)
  advance <time>                       close every time up to <time>, print diffs
  load <time> <path> [base]            ingest a JSON-lines file
  register <name> [:find ...]          register a query
  unregister <name>                    remove a query
  subscribe <name>                     print the query's diffs after each advance
  unsubscribe <name>                   stop printing them
  result <name>                        print the query's current result
  eval [as-of <time>] [:find ...]      evaluate a query once
  explain <name>                       print the query's plan
  queries                              list registered queries
  rules                                list rules registered queries define
  schema                               list declared attributes
  .help                                show this help
  .exit                                exit
`

var errExit = errors.New("exit")

// shell runs commands against an engine. Diffs of subscribed queries are
// printed once a time they cover has been processed.
type shell struct {
	engine *engine.Engine
	out    io.Writer
	subs   map[string]*engine.Subscription
}

func newShell(e *engine.Engine, out io.Writer) *shell {
	return &shell{engine: e, out: out, subs: make(map[string]*engine.Subscription)}
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(sh.out, "=== Dataflow Interactive Mode ===")
	fmt.Fprintln(sh.out, "Type .help for commands.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for {
		fmt.Fprint(sh.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		// continue multi-line input until brackets balance
		for depth(line) > 0 {
			fmt.Fprint(sh.out, "  ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line += "\n" + scanner.Text()
		}
		if line == "" {
			continue
		}

		err := sh.exec(ctx, line)
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(sh.out, "%s %v\n", color.RedString("Error:"), err)
		}
	}
	return scanner.Err()
}

// depth returns the number of brackets left open in s, ignoring
// brackets inside strings
func depth(s string) int {
	n := 0
	inString, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '[' || r == '(' || r == '{':
			n++
		case r == ']' || r == ')' || r == '}':
			n--
		}
	}
	return n
}

func (sh *shell) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case ".exit", "exit", "quit":
		return errExit

	case ".help", "help":
		fmt.Fprint(sh.out, help)
		return nil

	case "declare":
		if len(args) != 3 {
			return fmt.Errorf("usage: declare <attr> <one|many> <type>")
		}
		card, err := datalog.ParseCardinality(args[1])
		if err != nil {
			return err
		}
		typ, err := datalog.ParseValueType(args[2])
		if err != nil {
			return err
		}
		a := datalog.AttributeFromKeyword(args[0])
		if err := sh.engine.DeclareAttribute(a, card, typ); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Declared %s\n", datalog.AttributeSpec{Name: a, Cardinality: card, Type: typ})
		return nil

	case "transact":
		at, facts, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: transact <time> [[e :attr v] ...]")
		}
		t, err := parseTime(at)
		if err != nil {
			return err
		}
		batch, err := parser.ParseFacts(strings.TrimSpace(facts))
		if err != nil {
			return err
		}
		if err := sh.engine.Ingest(batch, t); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Ingested %d facts at %d\n", len(batch), t)
		return nil

	case "advance":
		if len(args) != 1 {
			return fmt.Errorf("usage: advance <time>")
		}
		t, err := parseTime(args[0])
		if err != nil {
			return err
		}
		if err := sh.engine.Advance(t); err != nil {
			return err
		}
		if err := sh.engine.WaitFrontier(ctx, t); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Frontier %d\n", sh.engine.Frontier())
		sh.printDiffs(ctx)
		return nil

	case "load":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: load <time> <path> [base]")
		}
		t, err := parseTime(args[0])
		if err != nil {
			return err
		}
		src := &sources.JSONLines{Path: args[1]}
		if len(args) == 3 {
			base, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid base %q: %w", args[2], err)
			}
			src.Base = datalog.Entity(base)
		}
		n, err := sources.Load(ctx, sh.engine, sh.engine, t, nil, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Loaded %d facts from %d objects at %d (%d skipped)\n",
			n, src.Stats.Objects, t, src.Stats.Skipped)
		return nil

	case "register":
		name, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: register <name> [:find ...]")
		}
		if err := sh.engine.Register(name, strings.TrimSpace(text)); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Registered %s\n", name)
		return nil

	case "unregister":
		if len(args) != 1 {
			return fmt.Errorf("usage: unregister <name>")
		}
		delete(sh.subs, args[0])
		if err := sh.engine.Unregister(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Unregistered %s\n", args[0])
		return nil

	case "subscribe":
		if len(args) != 1 {
			return fmt.Errorf("usage: subscribe <name>")
		}
		if _, ok := sh.subs[args[0]]; ok {
			return nil
		}
		sub, err := sh.engine.Subscribe(args[0])
		if err != nil {
			return err
		}
		sh.subs[args[0]] = sub
		sh.printDiffs(ctx)
		return nil

	case "unsubscribe":
		if sub, ok := sh.subs[rest]; ok {
			sub.Close()
			delete(sh.subs, rest)
		}
		return nil

	case "result":
		r, err := sh.engine.Result(rest)
		if err != nil {
			return err
		}
		fmt.Fprint(sh.out, r.Table())
		return nil

	case "eval":
		var opts []engine.EvalOption
		text := rest
		if strings.HasPrefix(rest, "as-of ") {
			if len(args) < 3 {
				return fmt.Errorf("usage: eval as-of <time> [:find ...]")
			}
			t, err := parseTime(args[1])
			if err != nil {
				return err
			}
			opts = append(opts, engine.AsOf(t))
			text = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(rest, "as-of "), args[1]))
		}
		r, err := sh.engine.Evaluate(ctx, text, opts...)
		if err != nil {
			return err
		}
		fmt.Fprint(sh.out, r.Table())
		return nil

	case "explain":
		plan, err := sh.engine.Explain(rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, plan)
		return nil

	case "queries":
		for _, name := range sh.engine.Queries() {
			fmt.Fprintln(sh.out, name)
		}
		return nil

	case "rules":
		for _, name := range sh.engine.Rules() {
			fmt.Fprintln(sh.out, name)
		}
		return nil

	case "schema":
		for _, spec := range sh.engine.Attributes() {
			fmt.Fprintln(sh.out, spec)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q, use .help", cmd)
}

// printDiffs prints every diff delivered to a subscription so far
func (sh *shell) printDiffs(ctx context.Context) {
	names := make([]string, 0, len(sh.subs))
	for name := range sh.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := sh.subs[name]
		for sub.Pending() > 0 {
			d, err := sub.Next(ctx)
			if err != nil {
				fmt.Fprintf(sh.out, "%s %s: %v\n", color.RedString("Closed"), name, err)
				delete(sh.subs, name)
				break
			}
			fmt.Fprint(sh.out, d.Table())
		}
	}
}

func parseTime(s string) (datalog.Time, error) {
	t, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return datalog.Time(t), nil
}
