package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

// stageFunc mutates the loaded project and book and returns the status to
// commit.
type stageFunc func(ctx context.Context, p *book.Project, b *book.Book) (book.Status, error)

// eligible lists the committed states a stage may start from. A failed
// project is judged by the state it held before failing.
var eligible = map[string][]book.Status{
	StageAnalyze:    {book.StatusStructured, book.StatusAnalyzed},
	StageSynthesize: {book.StatusAnalyzed, book.StatusSynthesized, book.StatusCompleted},
	StageAssemble:   {book.StatusSynthesized, book.StatusCompleted},
}

func canRun(stage string, s book.Status) bool {
	for _, ok := range eligible[stage] {
		if ok == s {
			return true
		}
	}
	return false
}

// Analyze annotates every sentence and assigns voices.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (*book.Project, error) {
	if err := o.acquire(id, StageAnalyze); err != nil {
		return nil, err
	}
	defer o.release(id)
	return o.runStage(ctx, id, StageAnalyze, o.analyze)
}

func (o *Orchestrator) analyze(ctx context.Context, p *book.Project, b *book.Book) (book.Status, error) {
	table := voices.NewBindingTable(o.deps.Voices, o.deps.AssetsDir)
	stats, err := o.deps.Analyzer.Analyze(ctx, b, table)
	if err != nil {
		return "", err
	}
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	b.Metadata["voice_bindings"] = stats.Bindings
	b.Metadata["analysis"] = map[string]int{
		"sentences": stats.Sentences,
		"noise":     stats.Noise,
		"degraded":  stats.Degraded,
	}
	b.Status = book.BookCleaned
	return book.StatusAnalyzed, nil
}

// Synthesize runs the batch processor over the book, commits the clips as
// Synthesized and then assembles the chapters.
func (o *Orchestrator) Synthesize(ctx context.Context, id string) (*book.Project, error) {
	if err := o.acquire(id, StageSynthesize); err != nil {
		return nil, err
	}
	defer o.release(id)
	return o.synthesizeLocked(ctx, id)
}

func (o *Orchestrator) synthesizeLocked(ctx context.Context, id string) (*book.Project, error) {
	p, err := o.runStage(ctx, id, StageSynthesize, o.synthesize)
	if err != nil {
		return p, err
	}
	return o.runStage(ctx, id, StageAssemble, o.assemble)
}

func (o *Orchestrator) synthesize(ctx context.Context, p *book.Project, b *book.Book) (book.Status, error) {
	b.Status = book.BookSynthesizing
	res, err := o.deps.Processor.Process(ctx, p.ID, b, filepath.Join(o.outputDir(p.ID), "clips"))
	if err != nil {
		return "", err
	}
	for _, f := range res.Failures {
		o.record(ctx, p.ID, StageSynthesize, eventstore.TypeSentenceFailed, f)
	}
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	b.Metadata["synthesis"] = map[string]int{
		"queued":    res.Queued,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}
	return book.StatusSynthesized, nil
}

// Assemble rebuilds chapter audio from the committed clips.
func (o *Orchestrator) Assemble(ctx context.Context, id string) (*book.Project, error) {
	if err := o.acquire(id, StageAssemble); err != nil {
		return nil, err
	}
	defer o.release(id)
	return o.runStage(ctx, id, StageAssemble, o.assemble)
}

func (o *Orchestrator) assemble(ctx context.Context, p *book.Project, b *book.Book) (book.Status, error) {
	bookDir, meta, err := o.deps.Assembler.Assemble(ctx, b, o.outputDir(p.ID))
	if err != nil {
		return "", err
	}
	p.AudioDir = bookDir
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	b.Metadata["duration"] = meta.Duration
	b.Status = book.BookCompleted
	return book.StatusCompleted, nil
}

// runStage is the commit protocol shared by every stage after ingest. The
// caller holds the project lock.
func (o *Orchestrator) runStage(ctx context.Context, id, stage string, fn stageFunc) (*book.Project, error) {
	p, err := o.deps.Store.LoadProject(id)
	if err != nil {
		return nil, classify(id, err)
	}
	if !canRun(stage, p.Effective()) {
		return p, fmt.Errorf("%w: cannot %s project %s in status %s", ErrInvalidState, stage, id, p.Status)
	}
	b, err := o.deps.Store.LoadBook(id)
	if err != nil {
		return p, classify(id, err)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(attribute.String("project_id", id)))
	defer span.End()
	start := time.Now()
	o.record(ctx, id, stage, eventstore.TypeStageStarted, nil)
	logger := o.logger.With(slog.String("project_id", id), slog.String("stage", stage))
	logger.Info("stage started")

	next, err := fn(ctx, p, b)
	if err != nil {
		return o.fail(ctx, span, p, stage, start, err)
	}

	now := o.clock()
	if p.Effective().AtLeast(next) {
		// Re-running an earlier stage on a later project keeps its status.
		p.Recover(now)
	} else if err := p.Transition(next, now); err != nil {
		return o.fail(ctx, span, p, stage, start, err)
	}
	if err := o.deps.Store.Commit(p, b); err != nil {
		// Reload so the caller sees the last committed state.
		if committed, lerr := o.deps.Store.LoadProject(id); lerr == nil {
			p = committed
		}
		return o.fail(ctx, span, p, stage, start, err)
	}

	o.record(ctx, id, stage, eventstore.TypeStageCompleted, map[string]any{"status": p.Status})
	o.finishSpan(ctx, span, stage, start, nil)
	o.notify(ctx, *p)
	logger.Info("stage completed", slog.String("status", string(p.Status)), slog.Duration("elapsed", time.Since(start)))
	return p, nil
}

// fail records the failure on the project descriptor only; the committed
// book is left as it was.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, p *book.Project, stage string, start time.Time, cause error) (*book.Project, error) {
	p.Fail(stage, cause, o.clock())
	if err := o.deps.Store.Commit(p, nil); err != nil {
		o.logger.Error("failed to persist stage failure",
			slog.String("project_id", p.ID), slog.String("stage", stage), slogError(err))
	}
	o.record(context.WithoutCancel(ctx), p.ID, stage, eventstore.TypeStageFailed, map[string]any{"error": cause.Error()})
	o.finishSpan(ctx, span, stage, start, cause)
	o.notify(context.WithoutCancel(ctx), *p)
	o.logger.Warn("stage failed", slog.String("project_id", p.ID), slog.String("stage", stage), slogError(cause))
	return p, fmt.Errorf("%s %s: %w", stage, p.ID, cause)
}
