// Package assemble rebuilds ordered chapter audio from per-sentence clips and
// writes the book level metadata.
package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

const (
	MetadataFile = "metadata.json"
	ChaptersDir  = "chapters"
)

// Options sets the silence inserted by the assembler.
type Options struct {
	// SentenceSilence follows every clip. Default: 300ms.
	SentenceSilence time.Duration
	// ChapterSilence closes every chapter. Default: 1s.
	ChapterSilence time.Duration
}

// Metadata is the book level descriptor written next to the chapters.
type Metadata struct {
	Title         string         `json:"title"`
	Author        string         `json:"author"`
	Duration      float64        `json:"duration"`
	TotalChapters int            `json:"total_chapters"`
	Chapters      []ChapterEntry `json:"chapters"`
}

type ChapterEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	File     *string `json:"file"`
	Duration float64 `json:"duration"`
}

// Assembler turns synthesized sentences into chapter files.
type Assembler struct {
	tool   MediaTool
	opts   Options
	logger *slog.Logger
}

func New(tool MediaTool, opts Options, logger *slog.Logger) *Assembler {
	if opts.SentenceSilence <= 0 {
		opts.SentenceSilence = 300 * time.Millisecond
	}
	if opts.ChapterSilence <= 0 {
		opts.ChapterSilence = time.Second
	}
	return &Assembler{tool: tool, opts: opts, logger: logger.With(slog.String("component", "assembler"))}
}

// Plan lists the clips of one chapter in document order: each usable
// sentence clip followed by the sentence silence, then the chapter silence.
// Sentences without audio contribute nothing.
func Plan(ch *book.Chapter, sentenceSilence, chapterSilence string) []string {
	var plan []string
	for i := range ch.Sentences {
		s := &ch.Sentences[i]
		if !s.HasAudio() {
			continue
		}
		if _, err := os.Stat(s.AudioPath); err != nil {
			continue
		}
		plan = append(plan, s.AudioPath, sentenceSilence)
	}
	return append(plan, chapterSilence)
}

// Assemble writes <outputDir>/<title>/chapters/<id>_<title>.wav for every
// chapter plus metadata.json, records each chapter's file and duration on b
// and returns the book directory. A concatenation failure aborts assembly;
// a duration probe failure records zero for that chapter.
func (a *Assembler) Assemble(ctx context.Context, b *book.Book, outputDir string) (string, Metadata, error) {
	name := Sanitize(b.Title)
	if name == "" {
		name = Sanitize(b.ID)
	}
	if name == "" {
		name = "book"
	}
	bookDir := filepath.Join(outputDir, name)
	chaptersDir := filepath.Join(bookDir, ChaptersDir)
	if err := os.MkdirAll(chaptersDir, 0o755); err != nil {
		return "", Metadata{}, fmt.Errorf("create chapters dir: %w", err)
	}

	sentenceSilence := filepath.Join(outputDir, "silence_sentence.wav")
	chapterSilence := filepath.Join(outputDir, "silence_chapter.wav")
	defer os.Remove(sentenceSilence)
	defer os.Remove(chapterSilence)
	if err := a.tool.Silence(ctx, sentenceSilence, a.opts.SentenceSilence); err != nil {
		return "", Metadata{}, fmt.Errorf("create sentence silence: %w", err)
	}
	if err := a.tool.Silence(ctx, chapterSilence, a.opts.ChapterSilence); err != nil {
		return "", Metadata{}, fmt.Errorf("create chapter silence: %w", err)
	}

	total := 0.0
	for ci := range b.Chapters {
		ch := &b.Chapters[ci]
		if err := ctx.Err(); err != nil {
			return "", Metadata{}, err
		}
		plan := Plan(ch, sentenceSilence, chapterSilence)
		target := filepath.Join(chaptersDir, ChapterFilename(ch))
		tmp := filepath.Join(chaptersDir, ".tmp_"+filepath.Base(target))
		if err := a.tool.Concat(ctx, plan, tmp); err != nil {
			os.Remove(tmp)
			return "", Metadata{}, fmt.Errorf("assemble chapter %s: %w", ch.ID, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			return "", Metadata{}, fmt.Errorf("assemble chapter %s: %w", ch.ID, err)
		}

		dur, err := a.tool.Probe(ctx, target)
		if err != nil {
			a.logger.Warn("duration probe failed",
				slog.String("chapter_id", ch.ID), slog.String("error", err.Error()))
			dur = 0
		}
		ch.SetAudio(target, dur)
		total += ch.Duration
	}

	meta := BuildMetadata(b, total)
	if err := writeJSON(filepath.Join(bookDir, MetadataFile), meta); err != nil {
		return "", Metadata{}, err
	}
	a.logger.Info("book assembled",
		slog.String("book_dir", bookDir),
		slog.Int("chapters", len(b.Chapters)),
		slog.Float64("duration_s", total),
	)
	return bookDir, meta, nil
}

// BuildMetadata describes b with chapter files relative to the book directory.
func BuildMetadata(b *book.Book, total float64) Metadata {
	meta := Metadata{
		Title:         b.Title,
		Author:        b.Author,
		Duration:      total,
		TotalChapters: len(b.Chapters),
		Chapters:      make([]ChapterEntry, 0, len(b.Chapters)),
	}
	for _, ch := range b.Chapters {
		entry := ChapterEntry{ID: ch.ID, Title: ch.Title, Duration: ch.Duration}
		if ch.AudioPath != "" {
			rel := ChaptersDir + "/" + filepath.Base(ch.AudioPath)
			entry.File = &rel
		}
		meta.Chapters = append(meta.Chapters, entry)
	}
	return meta
}

// ChapterFilename is <id>_<sanitized title>.wav.
func ChapterFilename(ch *book.Chapter) string {
	return fmt.Sprintf("%s_%s.wav", Sanitize(ch.ID), Sanitize(ch.Title))
}

// Sanitize keeps letters, digits, space, hyphen and underscore.
func Sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
