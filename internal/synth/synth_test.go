package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/wavfile"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRef(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voice_01.wav")
	if err := os.WriteFile(p, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRequestForEmotionMode(t *testing.T) {
	s := book.NewSentence("ch_0_s1", "Hello.")
	if req := RequestFor(&s, "/ref.wav"); req.EmotionMode != EmotionNone || req.Emotion != nil || req.OutputName != "ch_0_s1" {
		t.Fatalf("request without vector = %+v", req)
	}
	s.EmotionVector = []float64{0.5, 0, 0, 0, 0, 0, 0, 0.5}
	if req := RequestFor(&s, "/ref.wav"); req.EmotionMode != EmotionVector || len(req.Emotion) != 8 {
		t.Fatalf("request with vector = %+v", req)
	}
	if got := FormatVector([]float64{0.1, 0.25, 1}); got != "0.1,0.25,1" {
		t.Fatalf("format = %q", got)
	}
}

func TestHTTPSynthMultipart(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("text") != "你好。" || r.FormValue("output_filename") != "s1" {
			http.Error(w, "bad fields", http.StatusBadRequest)
			return
		}
		if r.FormValue("emotion_mode") != "2" || r.FormValue("emotion_vector") != "0.5,0,0,0,0,0,0,0.5" {
			http.Error(w, "bad emotion", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("speaker_audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "voice_01.wav" || string(data) != "RIFFfake" {
			http.Error(w, "bad file", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("WAVDATA"))
	}))
	defer srv.Close()

	ref := writeRef(t)
	s, err := NewHTTPSynth(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	req := Request{
		Text: "你好。", SpeakerAudio: ref, OutputName: "s1",
		EmotionMode: EmotionVector, Emotion: []float64{0.5, 0, 0, 0, 0, 0, 0, 0.5},
	}
	got, err := s.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(got) != "WAVDATA" {
		t.Fatalf("audio = %q", got)
	}

	// The reference is served from cache once read.
	if err := os.Remove(ref); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("cached reference: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestHTTPSynthErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		code := int(status.Load())
		if code == http.StatusOK {
			return
		}
		http.Error(w, "nope", code)
	}))
	defer srv.Close()

	ref := writeRef(t)
	s, err := NewHTTPSynth(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	req := Request{Text: "x", SpeakerAudio: ref, OutputName: "s"}

	if _, err := s.Synthesize(context.Background(), req); !errors.Is(err, ErrTerminal) {
		t.Fatalf("400 must be terminal, got %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	if _, err := s.Synthesize(context.Background(), req); err == nil || errors.Is(err, ErrTerminal) {
		t.Fatalf("503 must be retryable, got %v", err)
	}

	status.Store(http.StatusOK)
	if _, err := s.Synthesize(context.Background(), req); err == nil || errors.Is(err, ErrTerminal) {
		t.Fatalf("empty body must be a retryable error, got %v", err)
	}

	missing := req
	missing.SpeakerAudio = filepath.Join(t.TempDir(), "absent.wav")
	if _, err := s.Synthesize(context.Background(), missing); !errors.Is(err, ErrTerminal) {
		t.Fatalf("missing reference must be terminal, got %v", err)
	}
}

func TestMockSynthProducesWAV(t *testing.T) {
	m := NewMockSynth(16000, 0)
	data, err := m.Synthesize(context.Background(), Request{Text: "一二三四五六七八九十"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	p := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	buf, err := wavfile.ReadFile(p)
	if err != nil {
		t.Fatalf("mock output is not wav: %v", err)
	}
	if got := wavfile.Seconds(buf); got < 0.59 || got > 0.61 {
		t.Fatalf("duration = %f, want 0.6", got)
	}
}

func TestMockSynthHonoursContext(t *testing.T) {
	m := NewMockSynth(16000, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Synthesize(ctx, Request{Text: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "synth.sh")
	body := "cat >/dev/null\necho '{\"pcm_base64\":\"AQD//w==\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := NewExecSynth("sh "+script, 8000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	data, err := s.Synthesize(context.Background(), Request{Text: "hi", OutputName: "s"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	p := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	buf, err := wavfile.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(buf.Data) != 2 || buf.Data[0] != 1 || buf.Data[1] != -1 {
		t.Fatalf("samples = %v", buf.Data)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.SynthConfig{Mode: "mock", SampleRate: 24000}, newLogger()); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.SynthConfig{Mode: "http"}, newLogger()); err == nil {
		t.Fatalf("http without endpoint must fail")
	}
	if _, err := New(config.SynthConfig{Mode: "grpc"}, newLogger()); err == nil {
		t.Fatalf("unknown mode must fail")
	}
}
