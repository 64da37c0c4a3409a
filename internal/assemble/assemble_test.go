package assemble

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/wavfile"
)

const rate = 1000

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeClip writes a mono clip of frames samples all equal to value.
func writeClip(t *testing.T, path string, value, frames int) {
	t.Helper()
	data := make([]int, frames)
	for i := range data {
		data[i] = value
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := wavfile.WriteFile(path, buf); err != nil {
		t.Fatalf("write clip: %v", err)
	}
}

// threeSentenceBook is one chapter with A, noise B and C; A and C have clips.
func threeSentenceBook(t *testing.T, dir string) *book.Book {
	t.Helper()
	a := book.NewSentence("ch_1_s1", "A")
	b := book.NewSentence("ch_1_s2", "B")
	c := book.NewSentence("ch_1_s3", "C")
	a.SetAudio(filepath.Join(dir, "a.wav"))
	writeClip(t, a.AudioPath, 100, 1000)
	b.MarkNoise(true)
	c.SetAudio(filepath.Join(dir, "c.wav"))
	writeClip(t, c.AudioPath, 300, 500)
	return &book.Book{
		ID:     "b1",
		Title:  "My Book: Part 1!",
		Author: "Someone",
		Chapters: []book.Chapter{{
			ID:        "ch_1",
			Title:     "第一章 开始",
			Sentences: []book.Sentence{a, b, c},
		}},
	}
}

func TestPlanSkipsNoiseAndMissingClips(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	missing := book.NewSentence("ch_1_s4", "D")
	missing.SetAudio(filepath.Join(dir, "gone.wav"))
	b.Chapters[0].Sentences = append(b.Chapters[0].Sentences, missing)

	plan := Plan(&b.Chapters[0], "S", "C")
	want := []string{filepath.Join(dir, "a.wav"), "S", filepath.Join(dir, "c.wav"), "S", "C"}
	if strings.Join(plan, "|") != strings.Join(want, "|") {
		t.Fatalf("plan = %v, want %v", plan, want)
	}

	empty := book.Chapter{ID: "ch_2"}
	if got := Plan(&empty, "S", "C"); len(got) != 1 || got[0] != "C" {
		t.Fatalf("empty chapter plan = %v", got)
	}
}

func TestAssembleOrderAndSilence(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	out := filepath.Join(dir, "out")
	a := New(NewWAVTool(rate), Options{SentenceSilence: 300 * time.Millisecond, ChapterSilence: time.Second}, newLogger())

	bookDir, meta, err := a.Assemble(context.Background(), b, out)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if filepath.Base(bookDir) != "My Book Part 1" {
		t.Fatalf("book dir = %s", bookDir)
	}
	ch := b.Chapters[0]
	if ch.AudioPath != filepath.Join(bookDir, "chapters", "ch_1_第一章 开始.wav") {
		t.Fatalf("chapter path = %s", ch.AudioPath)
	}

	buf, err := wavfile.ReadFile(ch.AudioPath)
	if err != nil {
		t.Fatalf("read chapter: %v", err)
	}
	// A, 300 silence, C, 300 silence, 1000 chapter silence.
	segments := []struct{ value, frames int }{{100, 1000}, {0, 300}, {300, 500}, {0, 300}, {0, 1000}}
	pos := 0
	for _, seg := range segments {
		for i := 0; i < seg.frames; i++ {
			if buf.Data[pos] != seg.value {
				t.Fatalf("sample %d = %d, want %d", pos, buf.Data[pos], seg.value)
			}
			pos++
		}
	}
	if len(buf.Data) != pos {
		t.Fatalf("chapter has %d frames, want %d", len(buf.Data), pos)
	}
	if math.Abs(ch.Duration-3.1) > 1e-9 || math.Abs(meta.Duration-3.1) > 1e-9 {
		t.Fatalf("duration chapter=%f book=%f, want 3.1", ch.Duration, meta.Duration)
	}

	if _, err := os.Stat(filepath.Join(out, "silence_sentence.wav")); !os.IsNotExist(err) {
		t.Fatalf("silence clip left behind: %v", err)
	}
}

func TestAssembleIndependentOfClipCreationOrder(t *testing.T) {
	build := func(reverse bool) []int {
		dir := t.TempDir()
		b := &book.Book{ID: "b", Title: "t", Chapters: []book.Chapter{{ID: "ch_1", Title: "c"}}}
		ids := []string{"s1", "s2", "s3", "s4"}
		for _, id := range ids {
			s := book.NewSentence(id, id)
			s.SetAudio(filepath.Join(dir, id+".wav"))
			b.Chapters[0].Sentences = append(b.Chapters[0].Sentences, s)
		}
		order := append([]string(nil), ids...)
		if reverse {
			sort.Sort(sort.Reverse(sort.StringSlice(order)))
		}
		for _, id := range order {
			writeClip(t, filepath.Join(dir, id+".wav"), int(id[1]-'0')*10, 50)
		}
		a := New(NewWAVTool(rate), Options{}, newLogger())
		if _, _, err := a.Assemble(context.Background(), b, filepath.Join(dir, "out")); err != nil {
			t.Fatalf("assemble: %v", err)
		}
		buf, err := wavfile.ReadFile(b.Chapters[0].AudioPath)
		if err != nil {
			t.Fatal(err)
		}
		return buf.Data
	}
	forward, backward := build(false), build(true)
	if len(forward) != len(backward) {
		t.Fatalf("lengths differ: %d vs %d", len(forward), len(backward))
	}
	for i := range forward {
		if forward[i] != backward[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
}

func TestMetadataFile(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	b.Chapters = append(b.Chapters, book.Chapter{ID: "ch_2", Title: "Empty"})
	bookDir, _, err := New(NewWAVTool(rate), Options{}, newLogger()).Assemble(context.Background(), b, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(bookDir, MetadataFile))
	if err != nil {
		t.Fatal(err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Title != "My Book: Part 1!" || meta.Author != "Someone" || meta.TotalChapters != 2 {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.Chapters[0].File == nil || *meta.Chapters[0].File != "chapters/ch_1_第一章 开始.wav" {
		t.Fatalf("chapter file = %v", meta.Chapters[0].File)
	}
	// A chapter with no usable sentences still gets its closing silence.
	if meta.Chapters[1].File == nil || math.Abs(meta.Chapters[1].Duration-1.0) > 1e-9 {
		t.Fatalf("empty chapter entry = %+v", meta.Chapters[1])
	}
	if math.Abs(meta.Duration-(meta.Chapters[0].Duration+meta.Chapters[1].Duration)) > 1e-9 {
		t.Fatalf("book duration %f is not the chapter sum", meta.Duration)
	}
}

type probeFailTool struct{ *WAVTool }

func (probeFailTool) Probe(context.Context, string) (float64, error) {
	return 0, errors.New("ffprobe missing")
}

func TestProbeFailureRecordsZero(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	_, meta, err := New(probeFailTool{NewWAVTool(rate)}, Options{}, newLogger()).Assemble(context.Background(), b, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if b.Chapters[0].AudioPath == "" || b.Chapters[0].Duration != 0 || meta.Duration != 0 {
		t.Fatalf("chapter = %+v meta = %+v", b.Chapters[0], meta)
	}
}

func TestConcatFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	// Silence is generated at a different rate than the clips.
	_, _, err := New(NewWAVTool(8000), Options{}, newLogger()).Assemble(context.Background(), b, filepath.Join(dir, "out"))
	if err == nil || !strings.Contains(err.Error(), "ch_1") {
		t.Fatalf("expected chapter error, got %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "out", "*", "chapters", "*"))
	if len(matches) != 0 {
		t.Fatalf("partial output left behind: %v", matches)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"My Book: Part 1!":  "My Book Part 1",
		"  第一章 开始  ":        "第一章 开始",
		"a/b\\c":            "abc",
		"keep-this_one":     "keep-this_one",
		"???":               "",
		"Chapter 1 (draft)": "Chapter 1 draft",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	b := threeSentenceBook(t, dir)
	bookDir, _, err := New(NewWAVTool(rate), Options{}, newLogger()).Assemble(context.Background(), b, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	archive, err := Export(bookDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"chapters/ch_1_第一章 开始.wav", "metadata.json"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("zip entries = %v", names)
	}
}

func TestConcatList(t *testing.T) {
	got := ConcatList([]string{"/a/b.wav", "/it's.wav"})
	want := "file '/a/b.wav'\nfile '/it'\\''s.wav'\n"
	if got != want {
		t.Fatalf("ConcatList = %q, want %q", got, want)
	}
}

func TestFFmpegToolRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	tool, err := NewFFmpegTool("ffmpeg -hide_banner -loglevel error", "ffprobe", 24000)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	ctx := context.Background()
	a, c := filepath.Join(dir, "a.wav"), filepath.Join(dir, "c.wav")
	if err := tool.Silence(ctx, a, 500*time.Millisecond); err != nil {
		t.Fatalf("silence: %v", err)
	}
	if err := tool.Silence(ctx, c, 250*time.Millisecond); err != nil {
		t.Fatalf("silence: %v", err)
	}
	out := filepath.Join(dir, "out.wav")
	if err := tool.Concat(ctx, []string{a, c}, out); err != nil {
		t.Fatalf("concat: %v", err)
	}
	dur, err := tool.Probe(ctx, out)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if math.Abs(dur-0.75) > 0.05 {
		t.Fatalf("duration = %f, want ~0.75", dur)
	}
}
