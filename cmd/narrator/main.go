package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
)

var version = "0.1.0-dev"

const usage = `usage: narrator <command> [flags] [args]

commands:
  ingest     import a .txt or .epub file as a new project
  analyze    clean, score and voice a structured project
  synthesize synthesize and assemble an analyzed project
  assemble   rebuild chapter audio from existing clips
  run        ingest, analyze and synthesize in one go
  list       list projects, most recent first
  show       print a project with its recent events
  export     zip a completed project's audio
  delete     remove a project with its audio and events
  voices     validate and print the voice library
  remote     send a pipeline request to a running narratord
  watch      print project status notifications from the bus
  version    print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "ingest":
		err = runIngest(ctx, args)
	case "analyze", "synthesize", "assemble":
		err = runStage(ctx, cmd, args)
	case "run":
		err = runAll(ctx, args)
	case "list":
		err = runList(args)
	case "show":
		err = runShow(ctx, args)
	case "export":
		err = runExport(args)
	case "delete":
		err = runDelete(ctx, args)
	case "voices":
		err = runVoices(args)
	case "remote":
		err = runRemote(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	c := &common{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", "narrator.yaml", "Path to configuration file")
	fs.BoolVar(&c.verbose, "v", false, "Log pipeline progress to stderr")
	return fs, c
}

func (c *common) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// oneArg parses fs and returns its single positional argument.
func oneArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s expects exactly one %s", fs.Name(), what)
	}
	return fs.Arg(0), nil
}
