// Package pipeline sequences ingest, analysis, synthesis and assembly against
// persisted project state. Each stage is a per-project critical section that
// either commits fully or leaves the last committed state untouched.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/annotate"
	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/source"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

// Stage names used in spans, events and failure records.
const (
	StageIngest     = "ingest"
	StageAnalyze    = "analyze"
	StageSynthesize = "synthesize"
	StageAssemble   = "assemble"
)

// sourceBase names the copy of the source document kept in the project dir.
const sourceBase = "source"

// Notifier is told about every committed project change.
type Notifier interface {
	ProjectChanged(ctx context.Context, p book.Project)
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     *store.Store
	Events    *eventstore.Store
	Segmenter *segment.Engine
	Analyzer  *annotate.Analyzer
	Voices    voices.Library
	AssetsDir string
	Processor *batch.Processor
	Assembler *assemble.Assembler
	// OutputsDir holds per-project clips and assembled books.
	OutputsDir     string
	MaxSourceBytes int64
	Notifier       Notifier
}

// Orchestrator is the project state machine.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	active map[string]string // project id -> running stage

	tasksMu sync.RWMutex
	tasks   map[string]*Task
	wg      sync.WaitGroup

	tracer        trace.Tracer
	stageDuration metric.Float64Histogram
	metricsReady  bool
}

func New(deps Deps, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		logger: logger.With(slog.String("component", "pipeline")),
		clock:  func() time.Time { return time.Now().UTC() },
		active: make(map[string]string),
		tasks:  make(map[string]*Task),
		tracer: otel.Tracer("github.com/loqalabs/loqa-narrator/pipeline"),
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/pipeline")
	var err error
	o.stageDuration, err = meter.Float64Histogram("narrator.stage.duration",
		metric.WithDescription("Pipeline stage wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	o.metricsReady = true
	return nil
}

// Wait blocks until background tasks have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// acquire marks stage as running for id, or reports ErrBusy.
func (o *Orchestrator) acquire(id, stage string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.active[id]; ok {
		return fmt.Errorf("%w: project %s is running %s", ErrBusy, id, running)
	}
	o.active[id] = stage
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// Running reports the stage currently executing for id, if any.
func (o *Orchestrator) Running(id string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stage, ok := o.active[id]
	return stage, ok
}

// Get returns the last committed project.
func (o *Orchestrator) Get(id string) (*book.Project, error) {
	p, err := o.deps.Store.LoadProject(id)
	return p, classify(id, err)
}

// GetBook returns the last committed book of a project.
func (o *Orchestrator) GetBook(id string) (*book.Book, error) {
	b, err := o.deps.Store.LoadBook(id)
	return b, classify(id, err)
}

// List returns all projects, most recently updated first.
func (o *Orchestrator) List() ([]book.Project, error) {
	return o.deps.Store.List()
}

// Ingest creates a project from a source document, segments it and commits
// it as Structured. The project directory is removed if any step fails.
func (o *Orchestrator) Ingest(ctx context.Context, name, sourcePath string) (*book.Project, error) {
	if err := source.Validate(sourcePath, o.deps.MaxSourceBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if name == "" {
		base := filepath.Base(sourcePath)
		name = base[:len(base)-len(filepath.Ext(base))]
	}
	now := o.clock()
	p := &book.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    book.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.acquire(p.ID, StageIngest); err != nil {
		return nil, err
	}
	defer o.release(p.ID)

	ctx, span := o.tracer.Start(ctx, "pipeline."+StageIngest, trace.WithAttributes(attribute.String("project_id", p.ID)))
	defer span.End()
	start := time.Now()

	if err := o.deps.Store.Create(p, nil); err != nil {
		o.finishSpan(ctx, span, StageIngest, start, err)
		return nil, fmt.Errorf("create project: %w", err)
	}
	b, err := o.ingest(p, sourcePath)
	if err != nil {
		if rmErr := o.deps.Store.Delete(p.ID); rmErr != nil {
			o.logger.Warn("failed to roll back project", slog.String("project_id", p.ID), slogError(rmErr))
		}
		o.finishSpan(ctx, span, StageIngest, start, err)
		return nil, classify(p.ID, err)
	}

	if err := o.deps.Events.AppendProject(ctx, p.ID, p.Name); err != nil {
		o.logger.Warn("failed to record project", slog.String("project_id", p.ID), slogError(err))
	}
	o.record(ctx, p.ID, StageIngest, eventstore.TypeStageCompleted, map[string]any{
		"chapters":  len(b.Chapters),
		"sentences": b.SentenceCount(),
	})
	o.finishSpan(ctx, span, StageIngest, start, nil)
	o.notify(ctx, *p)
	o.logger.Info("project ingested",
		slog.String("project_id", p.ID),
		slog.String("name", p.Name),
		slog.Int("chapters", len(b.Chapters)),
		slog.Int("sentences", b.SentenceCount()),
	)
	return p, nil
}

func (o *Orchestrator) ingest(p *book.Project, sourcePath string) (*book.Book, error) {
	dir := o.deps.Store.Dir(p.ID)
	stored := filepath.Join(dir, sourceBase+filepath.Ext(sourcePath))
	if err := copyFile(sourcePath, stored); err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}
	b, err := source.Load(stored, o.deps.MaxSourceBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	b.ID = p.ID
	// Plain text titles come from the file name, which is now the stored copy.
	if b.Title == "" || b.Title == sourceBase {
		b.Title = p.Name
	}
	o.deps.Segmenter.Segment(b)
	b.Status = book.BookParsed

	if err := p.Transition(book.StatusStructured, o.clock()); err != nil {
		return nil, err
	}
	if err := o.deps.Store.Commit(p, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Run ingests a source document and drives it through every stage.
func (o *Orchestrator) Run(ctx context.Context, name, sourcePath string) (*book.Project, error) {
	p, err := o.Ingest(ctx, name, sourcePath)
	if err != nil {
		return nil, err
	}
	if p, err = o.Analyze(ctx, p.ID); err != nil {
		return p, err
	}
	return o.Synthesize(ctx, p.ID)
}

// UpdateBook replaces the book of a project with an edited version. Status is
// kept; updated_at is bumped.
func (o *Orchestrator) UpdateBook(ctx context.Context, id string, b *book.Book) (*book.Project, error) {
	if err := validateBook(b); err != nil {
		return nil, err
	}
	if err := o.acquire(id, "update"); err != nil {
		return nil, err
	}
	defer o.release(id)

	p, err := o.deps.Store.LoadProject(id)
	if err != nil {
		return nil, classify(id, err)
	}
	b.Walk(func(_ *book.Chapter, s *book.Sentence) bool {
		if s.IsNoise {
			s.MarkNoise(true)
		}
		return true
	})
	p.UpdatedAt = o.clock()
	if err := o.deps.Store.Commit(p, b); err != nil {
		return nil, err
	}
	o.record(ctx, id, "update", eventstore.TypeBookUpdated, map[string]any{"sentences": b.SentenceCount()})
	o.notify(ctx, *p)
	return p, nil
}

func validateBook(b *book.Book) error {
	if b == nil {
		return fmt.Errorf("%w: book is required", ErrInvalidInput)
	}
	chapters := make(map[string]bool, len(b.Chapters))
	sentences := make(map[string]bool)
	for _, ch := range b.Chapters {
		if ch.ID == "" || chapters[ch.ID] {
			return fmt.Errorf("%w: missing or duplicate chapter id %q", ErrInvalidInput, ch.ID)
		}
		chapters[ch.ID] = true
		for _, s := range ch.Sentences {
			if s.ID == "" || sentences[s.ID] {
				return fmt.Errorf("%w: missing or duplicate sentence id %q", ErrInvalidInput, s.ID)
			}
			sentences[s.ID] = true
		}
	}
	return nil
}

// Export zips the assembled book of a completed project.
func (o *Orchestrator) Export(id string) (string, error) {
	p, err := o.deps.Store.LoadProject(id)
	if err != nil {
		return "", classify(id, err)
	}
	if !p.Effective().AtLeast(book.StatusCompleted) || p.AudioDir == "" {
		return "", fmt.Errorf("%w: project %s has no assembled audio (status %s)", ErrInvalidState, id, p.Status)
	}
	if _, running := o.Running(id); running {
		return "", fmt.Errorf("%w: project %s", ErrBusy, id)
	}
	return assemble.Export(p.AudioDir)
}

// Delete removes a project with its outputs and timeline.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.acquire(id, "delete"); err != nil {
		return err
	}
	defer o.release(id)
	if err := o.deps.Store.Delete(id); err != nil {
		return classify(id, err)
	}
	if err := os.RemoveAll(o.outputDir(id)); err != nil {
		o.logger.Warn("failed to remove outputs", slog.String("project_id", id), slogError(err))
	}
	if err := o.deps.Events.DeleteProject(ctx, id); err != nil {
		o.logger.Warn("failed to drop project events", slog.String("project_id", id), slogError(err))
	}
	return nil
}

func (o *Orchestrator) outputDir(id string) string {
	return filepath.Join(o.deps.OutputsDir, id)
}

func (o *Orchestrator) notify(ctx context.Context, p book.Project) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.ProjectChanged(ctx, p)
	}
}

func (o *Orchestrator) record(ctx context.Context, id, stage, typ string, payload any) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			o.logger.Warn("failed to encode event payload", slogError(err))
		}
	}
	evt := eventstore.Event{ProjectID: id, Stage: stage, Type: typ, Payload: data}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := o.deps.Events.AppendEvent(ctx, evt); err != nil {
		o.logger.Warn("failed to record pipeline event",
			slog.String("project_id", id), slog.String("type", typ), slogError(err))
	}
}

func (o *Orchestrator) finishSpan(ctx context.Context, span trace.Span, stage string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if o.metricsReady {
		o.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
