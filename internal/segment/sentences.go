package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/grafana/regexp"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// boundary matches a run of terminal punctuation. CJK marks end a sentence
// wherever they appear; ASCII marks only when followed by whitespace or the
// end of text so that decimals and abbreviations inside words survive.
// Closing quotes and brackets stay with the sentence they close.
var boundary = regexp.MustCompile(`[。！？…]+[”’」』"'）)]*|[.!?]+[”’"')]*(\s|$)`)

// SplitSentences re-splits every sentence longer than the configured threshold.
// Shorter sentences pass through unchanged, so the operation is idempotent on
// already segmented text.
func (e *Engine) SplitSentences(b *book.Book) {
	for ci := range b.Chapters {
		ch := &b.Chapters[ci]
		var out []book.Sentence
		for _, s := range ch.Sentences {
			if utf8.RuneCountInString(s.Text) <= e.opts.SentenceMaxChars {
				out = append(out, s)
				continue
			}
			for _, frag := range SplitText(s.Text) {
				ns := book.NewSentence(fmt.Sprintf("%s_s%d", ch.ID, len(out)), frag.Text)
				if s.StartPos != nil {
					start, end := *s.StartPos+frag.Start, *s.StartPos+frag.End
					ns.StartPos, ns.EndPos = &start, &end
				}
				out = append(out, ns)
			}
		}
		ch.Sentences = out
	}
}

// Fragment is one sentence cut from a longer text, with rune offsets into it.
type Fragment struct {
	Text  string
	Start int
	End   int
}

// SplitText cuts text immediately after each delimiter run, trims every piece
// and drops empty ones. Trailing text without a delimiter is kept.
func SplitText(text string) []Fragment {
	var frags []Fragment
	prev := 0
	emit := func(end int) {
		piece := text[prev:end]
		trimmed := strings.TrimSpace(piece)
		if trimmed != "" {
			lead := strings.Index(piece, trimmed)
			start := utf8.RuneCountInString(text[:prev+lead])
			frags = append(frags, Fragment{
				Text:  trimmed,
				Start: start,
				End:   start + utf8.RuneCountInString(trimmed),
			})
		}
		prev = end
	}
	for _, loc := range boundary.FindAllStringIndex(text, -1) {
		emit(loc[1])
	}
	if prev < len(text) {
		emit(len(text))
	}
	return frags
}
