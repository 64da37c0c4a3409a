// Package batch synthesizes every sentence of a book under a concurrency
// bound, retrying each sentence independently.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

// Options configures one processor.
type Options struct {
	// Concurrency bounds simultaneous in-flight synthesis calls per batch.
	// Default: 3.
	Concurrency int
	// MaxAttempts is the per-sentence attempt ceiling. Default: 3.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. Default: 2s.
	BaseDelay time.Duration
	// Multiplier grows the delay between later attempts. Default: 2.
	Multiplier float64
	// Timeout bounds one synthesis call. A timeout is a failed attempt.
	Timeout time.Duration
	// DefaultReference is used when a sentence's speaker audio is missing.
	DefaultReference string
	// RetryFailed re-attempts sentences whose previous run failed.
	RetryFailed bool
	// RateLimit caps synthesis calls per second across the batch. Zero means
	// unlimited.
	RateLimit float64
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	return o
}

// Result summarizes one batch.
type Result struct {
	Queued    int       `json:"queued"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Failure records a sentence abandoned after its last attempt.
type Failure struct {
	SentenceID string `json:"sentence_id"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

// Processor drives a Synthesizer over a book.
type Processor struct {
	synth   synth.Synthesizer
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	inflight atomic.Int64

	attempts     metric.Int64Counter
	failures     metric.Int64Counter
	inflightCtr  metric.Int64UpDownCounter
	metricsReady bool
}

func New(s synth.Synthesizer, opts Options, logger *slog.Logger) *Processor {
	p := &Processor{
		synth:  s,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("component", "batch-synth")),
	}
	if p.opts.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.opts.RateLimit), p.opts.Concurrency)
	}
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Processor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/batch")
	var err error
	if p.attempts, err = meter.Int64Counter("narrator.synth.attempts",
		metric.WithDescription("Synthesis calls issued")); err != nil {
		return err
	}
	if p.failures, err = meter.Int64Counter("narrator.synth.failures",
		metric.WithDescription("Sentences abandoned after exhausting retries")); err != nil {
		return err
	}
	if p.inflightCtr, err = meter.Int64UpDownCounter("narrator.synth.inflight",
		metric.WithDescription("Synthesis calls currently in flight")); err != nil {
		return err
	}
	p.metricsReady = true
	return nil
}

// InFlight reports the number of synthesis calls currently running.
func (p *Processor) InFlight() int64 { return p.inflight.Load() }

// Process synthesizes every eligible sentence of b and writes clips into
// clipsDir as <sentence id>.wav. It returns once every sentence has settled.
// Per-sentence failures are reported in the Result, never as an error; an
// error means the batch could not run or ctx ended.
func (p *Processor) Process(ctx context.Context, projectID string, b *book.Book, clipsDir string) (Result, error) {
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create clips dir: %w", err)
	}

	var (
		res   Result
		mu    sync.Mutex
		work  []*book.Sentence
		attrs = metric.WithAttributes(attribute.String("project_id", projectID))
	)
	b.Walk(func(_ *book.Chapter, s *book.Sentence) bool {
		if p.eligible(s) {
			work = append(work, s)
		} else {
			res.Skipped++
		}
		return true
	})
	res.Queued = len(work)

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, s := range work {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			attempts, err := p.synthesizeOne(ctx, s, clipsDir, attrs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Failures = append(res.Failures, Failure{SentenceID: s.ID, Attempts: attempts, Error: err.Error()})
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	p.logger.Info("batch settled",
		slog.String("project_id", projectID),
		slog.Int("queued", res.Queued),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// eligible applies the re-run policy: noise never runs, existing clips are
// kept and earlier failures run again only when RetryFailed is set.
func (p *Processor) eligible(s *book.Sentence) bool {
	if s.IsNoise {
		return false
	}
	if s.AudioPath != "" {
		if _, err := os.Stat(s.AudioPath); err == nil {
			return false
		}
		s.AudioPath = ""
	}
	if s.Meta(book.MetaSynthStatus) == book.SynthFailed && !p.opts.RetryFailed {
		return false
	}
	return true
}

func (p *Processor) reference(s *book.Sentence) string {
	if ref := s.Meta(book.MetaSpeakerAudioPath); ref != "" {
		if _, err := os.Stat(ref); err == nil {
			return ref
		}
	}
	return p.opts.DefaultReference
}

func (p *Processor) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.BaseDelay
	eb.Multiplier = p.opts.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(float64(p.opts.BaseDelay) * math.Pow(p.opts.Multiplier, float64(p.opts.MaxAttempts)))
	eb.Reset()
	return eb
}

func (p *Processor) synthesizeOne(ctx context.Context, s *book.Sentence, clipsDir string, attrs metric.MeasurementOption) (int, error) {
	req := synth.RequestFor(s, p.reference(s))
	clipPath := filepath.Join(clipsDir, s.ID+".wav")
	attempts := 0

	op := func() (string, error) {
		attempts++
		if p.metricsReady {
			p.attempts.Add(ctx, 1, attrs)
		}
		data, err := p.call(ctx, req, attrs)
		if err != nil {
			if errors.Is(err, synth.ErrTerminal) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if err := os.WriteFile(clipPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write clip: %w", err)
		}
		return clipPath, nil
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("synthesis attempt failed",
			slog.String("sentence_id", s.ID),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", next),
			slogError(err),
		)
	}

	path, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		s.AudioPath = ""
		s.SetMeta(book.MetaSynthStatus, book.SynthFailed)
		if p.metricsReady {
			p.failures.Add(ctx, 1, attrs)
		}
		p.logger.Warn("sentence abandoned",
			slog.String("sentence_id", s.ID),
			slog.Int("attempts", attempts),
			slogError(err),
		)
		return attempts, err
	}
	s.SetAudio(path)
	s.SetMeta(book.MetaSynthStatus, book.SynthOK)
	return attempts, nil
}

// call runs one attempt under the per-call timeout while tracking the
// in-flight count.
func (p *Processor) call(ctx context.Context, req synth.Request, attrs metric.MeasurementOption) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
	}
	defer cancel()

	p.inflight.Add(1)
	if p.metricsReady {
		p.inflightCtr.Add(ctx, 1, attrs)
	}
	defer func() {
		p.inflight.Add(-1)
		if p.metricsReady {
			p.inflightCtr.Add(ctx, -1, attrs)
		}
	}()
	return p.synth.Synthesize(callCtx, req)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
