package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/voices"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scripted answers cleaning requests from a table keyed by sentence text.
type scripted struct {
	mu       sync.Mutex
	cleaning map[string]Cleaning
	fail     map[string]bool
	requests []Request
}

func (s *scripted) Annotate(ctx context.Context, req Request) ([]byte, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.fail[req.Text] {
		return nil, errors.New("service unavailable")
	}
	if req.Kind == KindEmotion {
		return []byte(`{"emotion_vector":[2,0,0,0,0,0,0,2],"primary_emotion":"joy","intensity":0.8}`), nil
	}
	c, ok := s.cleaning[req.Text]
	if !ok {
		c = Cleaning{ContentType: "narration", Speaker: "无"}
	}
	return json.Marshal(c)
}

func bookOf(texts ...string) *book.Book {
	ch := book.Chapter{ID: "ch_0", Title: "One"}
	for i, t := range texts {
		ch.Sentences = append(ch.Sentences, book.NewSentence(string(rune('a'+i)), t))
	}
	return &book.Book{ID: "b", Chapters: []book.Chapter{ch}}
}

func TestAnalyzeWithMock(t *testing.T) {
	b := bookOf("First.", "Second.")
	an := NewAnalyzer(NewMockAnnotator(), 3, time.Second, newLogger())
	stats, err := an.Analyze(context.Background(), b, voices.NewBindingTable(voices.Default(), "./assets"))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if stats.Sentences != 2 || stats.Degraded != 0 || stats.Noise != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, s := range b.Chapters[0].Sentences {
		if s.IsNoise || s.Speaker != "" {
			t.Fatalf("mock must yield narration without speaker: %+v", s)
		}
		if s.Meta(book.MetaVoiceID) != "V01" {
			t.Fatalf("voice = %q", s.Meta(book.MetaVoiceID))
		}
		if len(s.EmotionVector) != book.EmotionDims {
			t.Fatalf("emotion vector = %v", s.EmotionVector)
		}
		if s.Meta(book.MetaPrimaryEmotion) != "平静" {
			t.Fatalf("primary emotion = %q", s.Meta(book.MetaPrimaryEmotion))
		}
	}
}

func TestAnalyzeAppliesAnnotations(t *testing.T) {
	fake := &scripted{
		cleaning: map[string]Cleaning{
			"Page 12":         {IsNoise: true, ContentType: "noise", Speaker: "无"},
			"“Hi,” said Ann.": {ContentType: "dialogue", Speaker: "Ann", CleanedText: "“Hi.”"},
			"“Yes.”":          {ContentType: "dialogue", Speaker: "无"},
		},
		fail: map[string]bool{"Broken.": true},
	}
	b := bookOf("Once.", "Page 12", "“Hi,” said Ann.", "Broken.", "“Yes.”")
	an := NewAnalyzer(fake, 3, time.Second, newLogger())
	stats, err := an.Analyze(context.Background(), b, voices.NewBindingTable(voices.Default(), "/assets"))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	ss := b.Chapters[0].Sentences

	if !ss[1].IsNoise || ss[1].EmotionVector != nil {
		t.Fatalf("noise sentence must not be scored: %+v", ss[1])
	}
	if ss[2].Text != "“Hi.”" || ss[2].Meta(book.MetaCleanedText) != "“Hi.”" {
		t.Fatalf("cleaned text not applied: %+v", ss[2])
	}
	if ss[2].Speaker != "Ann" {
		t.Fatalf("speaker = %q", ss[2].Speaker)
	}
	if ss[4].Meta(book.MetaVoiceID) != "V03" {
		t.Fatalf("dialogue without speaker voice = %q", ss[4].Meta(book.MetaVoiceID))
	}
	if got := ss[2].EmotionVector; len(got) != 8 || math.Abs(got[0]-0.5) > 1e-9 {
		t.Fatalf("emotion vector not normalized: %v", got)
	}
	if ss[2].Meta(book.MetaEmotionIntensity) != "" {
		t.Fatalf("intensity is stored as a number")
	}
	if v, ok := ss[2].Metadata[book.MetaEmotionIntensity].(float64); !ok || v != 0.8 {
		t.Fatalf("intensity = %v", ss[2].Metadata[book.MetaEmotionIntensity])
	}
	if stats.Noise != 1 || stats.Degraded != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.Bindings) != 1 || stats.Bindings[0].Speaker != "Ann" {
		t.Fatalf("bindings = %+v", stats.Bindings)
	}

	// The last cleaning request sees the three preceding sentences.
	var last Request
	for _, r := range fake.requests {
		if r.Kind == KindClean {
			last = r
		}
	}
	want := []string{"Page 12", "“Hi.”", "Broken."}
	if strings.Join(last.Context, "|") != strings.Join(want, "|") {
		t.Fatalf("context = %q, want %q", last.Context, want)
	}
}

func TestAnalyzeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	an := NewAnalyzer(NewMockAnnotator(), 3, time.Second, newLogger())
	if _, err := an.Analyze(ctx, bookOf("x"), voices.NewBindingTable(voices.Default(), "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenAIAnnotator(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"is_noise\":false,\"content_type\":\"Dialogue\",\"speaker\":\"Bob\"}"}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAnnotator(srv.URL+"/v1/", "sk-test", "gpt-test", 0.2, srv.Client())
	res, err := Clean(context.Background(), a, "“Go.”", []string{"Earlier."})
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if res.ContentType != "dialogue" || res.Speaker != "Bob" {
		t.Fatalf("result = %+v", res)
	}
	if got.Model != "gpt-test" || got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != CleanSystemPrompt {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[1].Content, "Earlier.") {
		t.Fatalf("user prompt lacks context: %q", got.Messages[1].Content)
	}
}

func TestOpenAIAnnotatorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewOpenAIAnnotator(srv.URL, "k", "", 0, srv.Client())
	if _, err := a.Annotate(context.Background(), Request{Kind: KindClean, Text: "x"}); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestNewFallsBackToMockWithoutKey(t *testing.T) {
	a, err := New(config.AnnotateConfig{Mode: "openai"}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := a.(*mockAnnotator); !ok {
		t.Fatalf("expected mock annotator, got %T", a)
	}
	if _, err := New(config.AnnotateConfig{Mode: "exec"}, newLogger()); err == nil {
		t.Fatalf("expected error for empty exec command")
	}
	if _, err := New(config.AnnotateConfig{Mode: "bogus"}, newLogger()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestNormalizeVector(t *testing.T) {
	if NormalizeVector([]float64{1, 2}) != nil {
		t.Fatalf("short vector must be dropped")
	}
	if NormalizeVector(make([]float64, 8)) != nil {
		t.Fatalf("zero vector must be dropped")
	}
	v := NormalizeVector([]float64{-1, 1, 1, 1, 1, 0, 0, 0})
	sum := 0.0
	for _, x := range v {
		if x < 0 {
			t.Fatalf("negative component in %v", v)
		}
		sum += x
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("sum = %f", sum)
	}
}
