package annotate

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

// Analyzer runs cleaning, emotion scoring and voice assignment over a book.
type Analyzer struct {
	annotator   Annotator
	contextSize int
	timeout     time.Duration
	logger      *slog.Logger
}

// Stats summarizes one analysis run.
type Stats struct {
	Sentences int              `json:"sentences"`
	Noise     int              `json:"noise"`
	Degraded  int              `json:"degraded"`
	Bindings  []voices.Binding `json:"bindings"`
}

func NewAnalyzer(annotator Annotator, contextSize int, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if contextSize < 0 {
		contextSize = 0
	}
	return &Analyzer{
		annotator:   annotator,
		contextSize: contextSize,
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "analyzer")),
	}
}

// Analyze annotates every sentence in document order, then assigns voices
// through table. A failed annotation call degrades that sentence only; the
// run stops early only when ctx is done.
func (a *Analyzer) Analyze(ctx context.Context, b *book.Book, table *voices.BindingTable) (Stats, error) {
	var stats Stats
	for ci := range b.Chapters {
		ch := &b.Chapters[ci]
		for si := range ch.Sentences {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			s := &ch.Sentences[si]
			prior := a.priorText(ch.Sentences, si)
			stats.Sentences++
			if !a.clean(ctx, s, prior) {
				stats.Degraded++
			}
			if s.IsNoise {
				stats.Noise++
				continue
			}
			if !a.score(ctx, s, prior) {
				stats.Degraded++
			}
		}
	}

	b.Walk(func(_ *book.Chapter, s *book.Sentence) bool {
		table.Assign(s)
		return true
	})
	stats.Bindings = table.Bindings()
	return stats, nil
}

func (a *Analyzer) priorText(sentences []book.Sentence, idx int) []string {
	start := idx - a.contextSize
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, idx-start)
	for _, s := range sentences[start:idx] {
		out = append(out, s.Text)
	}
	return out
}

func (a *Analyzer) clean(ctx context.Context, s *book.Sentence, prior []string) bool {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	res, err := Clean(callCtx, a.annotator, s.Text, prior)
	if err != nil {
		a.logger.Warn("cleaning failed", slog.String("sentence_id", s.ID), slogError(err))
		return false
	}
	s.MarkNoise(res.IsNoise)
	s.Speaker = voices.NormalizeSpeaker(res.Speaker)
	s.SetMeta(book.MetaContentType, res.ContentType)
	if res.CleanedText != "" {
		s.SetMeta(book.MetaCleanedText, res.CleanedText)
		s.Text = res.CleanedText
	}
	return true
}

func (a *Analyzer) score(ctx context.Context, s *book.Sentence, prior []string) bool {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	res, err := Score(callCtx, a.annotator, s.Text, prior)
	if err != nil {
		a.logger.Warn("emotion scoring failed", slog.String("sentence_id", s.ID), slogError(err))
		return false
	}
	s.EmotionVector = res.Vector
	if res.Primary != "" {
		s.SetMeta(book.MetaPrimaryEmotion, res.Primary)
	}
	s.SetMeta(book.MetaEmotionIntensity, res.Intensity)
	return true
}

func (a *Analyzer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
