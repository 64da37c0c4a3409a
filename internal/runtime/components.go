package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/annotate"
	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

// Components is the pipeline with its persistence, shared by the daemon and
// the CLI.
type Components struct {
	Events   *eventstore.Store
	Store    *store.Store
	Voices   voices.Library
	Pipeline *pipeline.Orchestrator
}

// Build wires every pipeline collaborator from cfg. notifier may be nil.
func Build(ctx context.Context, cfg config.Config, notifier pipeline.Notifier, logger *slog.Logger) (*Components, error) {
	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := events.Ensure(); err != nil {
		events.Close()
		return nil, err
	}

	projects, err := store.Open(cfg.Storage.ProjectsDir, logger)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open project store: %w", err)
	}

	lib, err := voices.Load(cfg.Voices.Library)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("load voice library: %w", err)
	}

	annotator, err := annotate.New(cfg.Annotate, logger)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("create annotator: %w", err)
	}

	synthesizer, err := synth.New(cfg.Synth, logger)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}

	tool, err := assemble.NewMediaTool(cfg.Assemble)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("create media tool: %w", err)
	}

	processor := batch.New(synthesizer, batch.Options{
		Concurrency:      cfg.Synth.Concurrency,
		MaxAttempts:      cfg.Synth.MaxAttempts,
		BaseDelay:        cfg.Synth.BaseDelay(),
		Multiplier:       cfg.Synth.Multiplier,
		Timeout:          cfg.Synth.Timeout(),
		DefaultReference: cfg.Voices.DefaultReference,
		RetryFailed:      cfg.Synth.RetryFailed,
		RateLimit:        cfg.Synth.RateLimit,
	}, logger)

	assembler := assemble.New(tool, assemble.Options{
		SentenceSilence: time.Duration(cfg.Assemble.SentenceSilenceMS) * time.Millisecond,
		ChapterSilence:  time.Duration(cfg.Assemble.ChapterSilenceMS) * time.Millisecond,
	}, logger)

	orch := pipeline.New(pipeline.Deps{
		Store: projects,
		Events: events,
		Segmenter: segment.New(segment.Options{
			RawChapterMinChars: cfg.Segment.RawChapterMinChars,
			SentenceMaxChars:   cfg.Segment.SentenceMaxChars,
		}),
		Analyzer:       annotate.NewAnalyzer(annotator, cfg.Annotate.ContextSentences, cfg.Annotate.Timeout(), logger),
		Voices:         lib,
		AssetsDir:      cfg.Voices.AssetsDir,
		Processor:      processor,
		Assembler:      assembler,
		OutputsDir:     cfg.Storage.OutputsDir,
		MaxSourceBytes: int64(cfg.Storage.MaxSourceMB) << 20,
		Notifier:       notifier,
	}, logger)

	return &Components{
		Events:   events,
		Store:    projects,
		Voices:   lib,
		Pipeline: orch,
	}, nil
}

// Close waits for background synthesis tasks and releases the event store.
func (c *Components) Close() error {
	if c == nil {
		return nil
	}
	c.Pipeline.Wait()
	return c.Events.Close()
}
