package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

// loadConfig reads path, falling back to defaults when the default file is
// absent.
func loadConfig(path string) (config.Config, error) {
	if path == "narrator.yaml" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// session is an opened pipeline plus the optional bus link used for status
// notifications.
type session struct {
	components *runtime.Components
	bus        *bus.Client
}

func open(ctx context.Context, c *common, notify bool) (*session, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	logger := c.logger()

	s := &session{}
	var notifier pipeline.Notifier
	if notify {
		client, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		s.bus = client
		notifier = jobs.NewPublisher(client, logger)
	}

	components, err := runtime.Build(ctx, cfg, notifier, logger)
	if err != nil {
		s.bus.Close()
		return nil, err
	}
	s.components = components
	return s, nil
}

func (s *session) Close() {
	if err := s.components.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	s.bus.Close()
}

func (s *session) pipeline() *pipeline.Orchestrator {
	return s.components.Pipeline
}

func runIngest(ctx context.Context, args []string) error {
	fs, c := newFlagSet("ingest")
	name := fs.String("name", "", "Project name (defaults to the file name)")
	notify := fs.Bool("notify", false, "Publish status changes on the bus")
	path, err := oneArg(fs, args, "source file")
	if err != nil {
		return err
	}
	s, err := open(ctx, c, *notify)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.pipeline().Ingest(ctx, projectName(*name, path), path)
	if err != nil {
		return err
	}
	b, err := s.pipeline().GetBook(p.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%d chapters, %d sentences\n", p.ID, p.Status, len(b.Chapters), b.SentenceCount())
	return nil
}

func runStage(ctx context.Context, stage string, args []string) error {
	fs, c := newFlagSet(stage)
	notify := fs.Bool("notify", false, "Publish status changes on the bus")
	id, err := oneArg(fs, args, "project id")
	if err != nil {
		return err
	}
	s, err := open(ctx, c, *notify)
	if err != nil {
		return err
	}
	defer s.Close()

	var p *book.Project
	switch stage {
	case pipeline.StageAnalyze:
		p, err = s.pipeline().Analyze(ctx, id)
	case pipeline.StageSynthesize:
		p, err = s.pipeline().Synthesize(ctx, id)
	case pipeline.StageAssemble:
		p, err = s.pipeline().Assemble(ctx, id)
	}
	if p != nil {
		printProject(p)
	}
	return err
}

func runAll(ctx context.Context, args []string) error {
	fs, c := newFlagSet("run")
	name := fs.String("name", "", "Project name (defaults to the file name)")
	notify := fs.Bool("notify", false, "Publish status changes on the bus")
	path, err := oneArg(fs, args, "source file")
	if err != nil {
		return err
	}
	s, err := open(ctx, c, *notify)
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	p, err := s.pipeline().Run(ctx, projectName(*name, path), path)
	if p != nil {
		printProject(p)
	}
	if err != nil {
		return err
	}
	fmt.Printf("finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runList(args []string) error {
	fs, c := newFlagSet("list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := open(context.Background(), c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	projects, err := s.pipeline().List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tUPDATED")
	for _, p := range projects {
		status := string(p.Status)
		if running, ok := s.pipeline().Running(p.ID); ok {
			status += " (" + running + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, status, humanize.Time(p.UpdatedAt))
	}
	return w.Flush()
}

func runShow(ctx context.Context, args []string) error {
	fs, c := newFlagSet("show")
	limit := fs.Int("events", 20, "Number of events to print")
	id, err := oneArg(fs, args, "project id")
	if err != nil {
		return err
	}
	s, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.pipeline().Get(id)
	if err != nil {
		return err
	}
	printProject(p)

	if b, err := s.pipeline().GetBook(id); err == nil {
		fmt.Printf("book:     %q by %s, %d chapters, %d sentences\n", b.Title, orUnknown(b.Author), len(b.Chapters), b.SentenceCount())
		if d := b.TotalDuration(); d > 0 {
			fmt.Printf("duration: %s\n", (time.Duration(d * float64(time.Second))).Round(time.Second))
		}
	}

	events, err := s.components.Events.ListProjectEvents(ctx, id, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	fmt.Println("events:")
	for _, e := range events {
		line := fmt.Sprintf("  %s  %-10s %s", humanize.Time(e.CreatedAt), e.Stage, e.Type)
		if len(e.Payload) > 0 && string(e.Payload) != "null" {
			line += "  " + string(e.Payload)
		}
		fmt.Println(line)
	}
	return nil
}

func runExport(args []string) error {
	fs, c := newFlagSet("export")
	id, err := oneArg(fs, args, "project id")
	if err != nil {
		return err
	}
	s, err := open(context.Background(), c, false)
	if err != nil {
		return err
	}
	defer s.Close()

	archive, err := s.pipeline().Export(id)
	if err != nil {
		return err
	}
	info, err := os.Stat(archive)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", archive, humanize.Bytes(uint64(info.Size())))
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs, c := newFlagSet("delete")
	id, err := oneArg(fs, args, "project id")
	if err != nil {
		return err
	}
	s, err := open(ctx, c, false)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.pipeline().Delete(ctx, id)
}

func runVoices(args []string) error {
	fs, c := newFlagSet("voices")
	file := fs.String("file", "", "Voice library file (defaults to the configured one)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	path := cfg.Voices.Library
	if *file != "" {
		path = *file
	}
	lib, err := voices.Load(path)
	if err != nil {
		return err
	}
	if err := voices.Validate(lib); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tGENDER\tREFERENCE")
	for _, v := range lib.Voices {
		ref := lib.ReferencePath(cfg.Voices.AssetsDir, v.ID)
		if _, err := os.Stat(ref); err != nil {
			ref += " (missing)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Kind, v.Gender, ref)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("narration %s, dialogue default %s, pool %s\n",
		lib.Narration, lib.DialogueDefault, strings.Join(lib.DialoguePool, ","))
	return nil
}

func printProject(p *book.Project) {
	fmt.Printf("project:  %s (%s)\n", p.ID, p.Name)
	fmt.Printf("status:   %s, updated %s\n", p.Status, humanize.Time(p.UpdatedAt))
	if p.Status == book.StatusFailed {
		fmt.Printf("failed:   %s after %s: %s\n", p.LastStage, p.PriorStatus, p.LastError)
	}
	if p.AudioDir != "" {
		fmt.Printf("audio:    %s\n", p.AudioDir)
	}
}

func projectName(name, path string) string {
	if name != "" {
		return name
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
