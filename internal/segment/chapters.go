package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/grafana/regexp"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// StartTitle names the chapter that collects text before the first heading.
const StartTitle = "Start"

// Recognizer identifies one kind of heading line.
type Recognizer struct {
	Name    string
	Pattern *regexp.Regexp
}

// Headings are tried first, in order.
var Headings = []Recognizer{
	{Name: "zh-chapter", Pattern: regexp.MustCompile(`^第[一二三四五六七八九十百千万零〇两\d]+章([\s\x{3000}]+|$)`)},
	{Name: "zh-episode", Pattern: regexp.MustCompile(`^第[一二三四五六七八九十百千万零〇两\d]+回([\s\x{3000}]+|$)`)},
	{Name: "en-chapter", Pattern: regexp.MustCompile(`^Chapter\s+\d+\s*[:.]?\s*`)},
	{Name: "numbered", Pattern: regexp.MustCompile(`^\d+\.\s+`)},
	{Name: "banner", Pattern: regexp.MustCompile(`^\*{3,}.*?\*{3,}`)},
	{Name: "bracketed", Pattern: regexp.MustCompile(`^\[第\d+章\]`)},
}

// SpecialSections recognize prologue, epilogue and extra-chapter headings.
var SpecialSections = []Recognizer{
	{Name: "prologue", Pattern: regexp.MustCompile(`^(序章|楔子|前言|引子|序幕)`)},
	{Name: "epilogue", Pattern: regexp.MustCompile(`^(尾声|后记|附录|跋)`)},
	{Name: "extra", Pattern: regexp.MustCompile(`^(番外|外传|特别篇)`)},
}

// MatchHeading reports the first recognizer matching the trimmed line.
func MatchHeading(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	for _, r := range Headings {
		if r.Pattern.MatchString(trimmed) {
			return r.Name, true
		}
	}
	for _, r := range SpecialSections {
		if r.Pattern.MatchString(trimmed) {
			return r.Name, true
		}
	}
	return "", false
}

// isRaw reports whether a chapter is a single undifferentiated placeholder.
func (e *Engine) isRaw(ch book.Chapter) bool {
	if len(ch.Sentences) != 1 {
		return false
	}
	if ch.ID == book.RawChapterID {
		return true
	}
	return utf8.RuneCountInString(ch.Sentences[0].Text) > e.opts.RawChapterMinChars
}

// SplitChapters restructures raw chapters by heading lines. Chapters that
// already carry native structure pass through unchanged. New chapters are
// numbered ch_<n>, skipping any id a native chapter already holds.
func (e *Engine) SplitChapters(b *book.Book) {
	used := make(map[string]bool, len(b.Chapters))
	for _, ch := range b.Chapters {
		if !e.isRaw(ch) {
			used[ch.ID] = true
		}
	}
	n := 0
	nextID := func() string {
		for {
			id := fmt.Sprintf("ch_%d", n)
			n++
			if !used[id] {
				used[id] = true
				return id
			}
		}
	}

	var out []book.Chapter
	for _, ch := range b.Chapters {
		if !e.isRaw(ch) {
			out = append(out, ch)
			continue
		}
		out = append(out, splitText(ch.Sentences[0].Text, nextID)...)
	}
	b.Chapters = out
}

// splitText cuts text at heading lines. Bodies that are only whitespace do
// not become chapters.
func splitText(text string, nextID func() string) []book.Chapter {
	var (
		chapters  []book.Chapter
		lines     []string
		title     = StartTitle
		offset    int
		bodyStart int
	)

	flush := func() {
		body := strings.Join(lines, "\n")
		if strings.TrimSpace(body) == "" {
			return
		}
		id := nextID()
		s := book.NewSentence(id+"_s0", body)
		start, end := bodyStart, bodyStart+utf8.RuneCountInString(body)
		s.StartPos, s.EndPos = &start, &end
		chapters = append(chapters, book.Chapter{
			ID:        id,
			Title:     title,
			Sentences: []book.Sentence{s},
		})
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)
		if _, ok := MatchHeading(line); ok {
			flush()
			title = strings.TrimSpace(line)
			lines = nil
		} else {
			if len(lines) == 0 {
				bodyStart = offset
			}
			lines = append(lines, line)
		}
		offset += lineLen + 1
	}
	flush()
	return chapters
}
