// Package segment turns an undifferentiated document into ordered chapters
// and sentences. It performs no I/O.
package segment

import "github.com/loqalabs/loqa-narrator/internal/book"

// Options tunes the segmentation heuristics.
type Options struct {
	// RawChapterMinChars is the length above which a single-sentence chapter
	// is treated as raw text and split on heading lines.
	// Default: 1000 characters.
	RawChapterMinChars int

	// SentenceMaxChars is the length above which a sentence is re-split on
	// terminal punctuation.
	// Default: 200 characters.
	SentenceMaxChars int
}

// DefaultOptions returns the default segmentation options.
func DefaultOptions() Options {
	return Options{
		RawChapterMinChars: 1000,
		SentenceMaxChars:   200,
	}
}

// Engine runs chapter splitting followed by sentence splitting.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.RawChapterMinChars <= 0 {
		opts.RawChapterMinChars = def.RawChapterMinChars
	}
	if opts.SentenceMaxChars <= 0 {
		opts.SentenceMaxChars = def.SentenceMaxChars
	}
	return &Engine{opts: opts}
}

// Segment applies both passes in order and returns the same book.
func (e *Engine) Segment(b *book.Book) *book.Book {
	e.SplitChapters(b)
	e.SplitSentences(b)
	return b
}
