package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSynth records calls and concurrency; sentences listed in fail always
// error, those in terminal fail permanently.
type fakeSynth struct {
	delay    time.Duration
	fail     map[string]bool
	terminal map[string]bool

	mu       sync.Mutex
	calls    map[string]int
	requests map[string]synth.Request

	current atomic.Int32
	peak    atomic.Int32
}

func newFake(delay time.Duration) *fakeSynth {
	return &fakeSynth{
		delay:    delay,
		fail:     map[string]bool{},
		terminal: map[string]bool{},
		calls:    map[string]int{},
		requests: map[string]synth.Request{},
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls[req.OutputName]++
	f.requests[req.OutputName] = req
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.terminal[req.OutputName] {
		return nil, synth.Terminal(errors.New("rejected"))
	}
	if f.fail[req.OutputName] {
		return nil, errors.New("service unavailable")
	}
	return []byte("RIFF" + req.OutputName), nil
}

func (f *fakeSynth) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testBook(chapters, perChapter int) *book.Book {
	b := &book.Book{ID: "b"}
	for c := 0; c < chapters; c++ {
		ch := book.Chapter{ID: fmt.Sprintf("ch_%d", c)}
		for i := 0; i < perChapter; i++ {
			ch.Sentences = append(ch.Sentences, book.NewSentence(fmt.Sprintf("ch_%d_s%d", c, i), "text"))
		}
		b.Chapters = append(b.Chapters, ch)
	}
	return b
}

func fastOptions() Options {
	return Options{Concurrency: 3, MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, RetryFailed: true}
}

func TestConcurrencyBound(t *testing.T) {
	fake := newFake(5 * time.Millisecond)
	p := New(fake, fastOptions(), newLogger())
	b := testBook(4, 10)

	res, err := p.Process(context.Background(), "p1", b, t.TempDir())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Succeeded != 40 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if peak := fake.peak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("peak in-flight = %d, want 1..3", peak)
	}
	if p.InFlight() != 0 {
		t.Fatalf("in-flight after settle = %d", p.InFlight())
	}
	b.Walk(func(_ *book.Chapter, s *book.Sentence) bool {
		data, err := os.ReadFile(s.AudioPath)
		if err != nil || string(data) != "RIFF"+s.ID {
			t.Fatalf("clip for %s: %q %v", s.ID, data, err)
		}
		if filepath.Base(s.AudioPath) != s.ID+".wav" {
			t.Fatalf("clip name = %s", s.AudioPath)
		}
		return true
	})
}

func TestConcurrencyBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 4).Draw(t, "limit")
		chapters := rapid.IntRange(0, 3).Draw(t, "chapters")
		per := rapid.IntRange(0, 6).Draw(t, "per")

		fake := newFake(time.Millisecond)
		opts := fastOptions()
		opts.Concurrency = limit
		dir, err := os.MkdirTemp("", "narrator-batch")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)
		res, err := New(fake, opts, newLogger()).Process(context.Background(), "p", testBook(chapters, per), dir)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if int(fake.peak.Load()) > limit {
			t.Fatalf("peak %d exceeds limit %d", fake.peak.Load(), limit)
		}
		if res.Succeeded != chapters*per {
			t.Fatalf("succeeded = %d, want %d", res.Succeeded, chapters*per)
		}
	})
}

func TestExhaustedRetriesIsolated(t *testing.T) {
	fake := newFake(0)
	fake.fail["ch_0_s1"] = true
	p := New(fake, fastOptions(), newLogger())
	b := testBook(1, 3)

	res, err := p.Process(context.Background(), "p1", b, t.TempDir())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := fake.callCount("ch_0_s1"); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(res.Failures) != 1 || res.Failures[0].Attempts != 3 {
		t.Fatalf("failures = %+v", res.Failures)
	}
	bad := b.Chapters[0].Sentences[1]
	if bad.AudioPath != "" || bad.Meta(book.MetaSynthStatus) != book.SynthFailed {
		t.Fatalf("failed sentence = %+v", bad)
	}
	for _, i := range []int{0, 2} {
		s := b.Chapters[0].Sentences[i]
		if s.AudioPath == "" || s.Meta(book.MetaSynthStatus) != book.SynthOK {
			t.Fatalf("sentence %d = %+v", i, s)
		}
	}
}

func TestBackoffDelays(t *testing.T) {
	fake := newFake(0)
	fake.fail["ch_0_s0"] = true
	opts := fastOptions()
	opts.BaseDelay = 20 * time.Millisecond
	start := time.Now()
	if _, err := New(fake, opts, newLogger()).Process(context.Background(), "p", testBook(1, 1), t.TempDir()); err != nil {
		t.Fatalf("process: %v", err)
	}
	// 20ms after the first attempt, 40ms after the second.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed %s, want at least 60ms of backoff", elapsed)
	}
}

func TestRateLimitSpacesCalls(t *testing.T) {
	fake := newFake(0)
	opts := fastOptions()
	opts.Concurrency = 1
	opts.RateLimit = 50
	start := time.Now()
	res, err := New(fake, opts, newLogger()).Process(context.Background(), "p", testBook(1, 6), t.TempDir())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6", res.Succeeded)
	}
	// One token up front, then one every 20ms.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("elapsed %s, want at least 80ms under a 50/s limit", elapsed)
	}
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	fake := newFake(0)
	fake.terminal["ch_0_s0"] = true
	res, err := New(fake, fastOptions(), newLogger()).Process(context.Background(), "p", testBook(1, 1), t.TempDir())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || fake.callCount("ch_0_s0") != 1 {
		t.Fatalf("terminal failure retried: calls=%d result=%+v", fake.callCount("ch_0_s0"), res)
	}
}

func TestNoiseNeverSynthesized(t *testing.T) {
	fake := newFake(0)
	b := testBook(1, 3)
	b.Chapters[0].Sentences[1].MarkNoise(true)
	res, err := New(fake, fastOptions(), newLogger()).Process(context.Background(), "p", b, t.TempDir())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Skipped != 1 || res.Succeeded != 2 {
		t.Fatalf("result = %+v", res)
	}
	if fake.callCount("ch_0_s1") != 0 || b.Chapters[0].Sentences[1].AudioPath != "" {
		t.Fatalf("noise sentence was synthesized")
	}
}

func TestRerunPolicy(t *testing.T) {
	dir := t.TempDir()
	fake := newFake(0)
	fake.fail["ch_0_s1"] = true
	b := testBook(1, 2)

	opts := fastOptions()
	opts.RetryFailed = false
	if _, err := New(fake, opts, newLogger()).Process(context.Background(), "p", b, dir); err != nil {
		t.Fatal(err)
	}
	// Second run without retry: the clip on disk is kept, the failure stays.
	if _, err := New(fake, opts, newLogger()).Process(context.Background(), "p", b, dir); err != nil {
		t.Fatal(err)
	}
	if fake.callCount("ch_0_s0") != 1 || fake.callCount("ch_0_s1") != 3 {
		t.Fatalf("calls after skip rerun: s0=%d s1=%d", fake.callCount("ch_0_s0"), fake.callCount("ch_0_s1"))
	}

	// Third run with retry and a recovered service.
	delete(fake.fail, "ch_0_s1")
	opts.RetryFailed = true
	res, err := New(fake, opts, newLogger()).Process(context.Background(), "p", b, dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Skipped != 1 {
		t.Fatalf("retry run result = %+v", res)
	}
	if b.Chapters[0].Sentences[1].Meta(book.MetaSynthStatus) != book.SynthOK {
		t.Fatalf("retried sentence not recovered")
	}
}

func TestRequestCarriesEmotionAndReference(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "voice_04.wav")
	if err := os.WriteFile(ref, []byte("ref"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := testBook(1, 2)
	s0 := &b.Chapters[0].Sentences[0]
	s0.EmotionVector = []float64{0, 0, 0, 0, 0, 0, 0, 1}
	s0.SetMeta(book.MetaSpeakerAudioPath, ref)
	b.Chapters[0].Sentences[1].SetMeta(book.MetaSpeakerAudioPath, filepath.Join(dir, "missing.wav"))

	fake := newFake(0)
	opts := fastOptions()
	opts.DefaultReference = "/assets/ref_audio.wav"
	if _, err := New(fake, opts, newLogger()).Process(context.Background(), "p", b, filepath.Join(dir, "clips")); err != nil {
		t.Fatal(err)
	}
	r0, r1 := fake.requests["ch_0_s0"], fake.requests["ch_0_s1"]
	if r0.EmotionMode != synth.EmotionVector || r0.SpeakerAudio != ref {
		t.Fatalf("request 0 = %+v", r0)
	}
	if r1.EmotionMode != synth.EmotionNone || r1.SpeakerAudio != "/assets/ref_audio.wav" {
		t.Fatalf("request 1 = %+v", r1)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(newFake(0), fastOptions(), newLogger()).Process(ctx, "p", testBook(1, 3), t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
