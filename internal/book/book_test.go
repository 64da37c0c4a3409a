package book

import (
	"errors"
	"testing"
	"time"
)

func TestNoiseSentenceNeverCarriesAudio(t *testing.T) {
	s := NewSentence("s1", "footer text")
	s.MarkNoise(true)
	if s.SetAudio("/tmp/s1.wav") {
		t.Fatal("expected noise sentence to reject audio")
	}
	if s.AudioPath != "" || s.HasAudio() {
		t.Fatalf("noise sentence acquired audio path %q", s.AudioPath)
	}

	s2 := NewSentence("s2", "hello")
	s2.SetAudio("/tmp/s2.wav")
	s2.MarkNoise(true)
	if s2.AudioPath != "" {
		t.Fatal("marking noise must drop existing audio")
	}
}

func TestChapterDurationRequiresAudio(t *testing.T) {
	var ch Chapter
	ch.SetAudio("", 12.5)
	if ch.Duration != 0 {
		t.Fatalf("expected zero duration without audio, got %f", ch.Duration)
	}
	ch.SetAudio("ch.wav", 12.5)
	if ch.Duration != 12.5 {
		t.Fatalf("expected duration recorded, got %f", ch.Duration)
	}
}

func TestStatusProgression(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusStructured, true},
		{StatusStructured, StatusAnalyzed, true},
		{StatusAnalyzed, StatusStructured, false},
		{StatusCompleted, StatusAnalyzed, false},
		{StatusAnalyzed, StatusFailed, true},
		{StatusFailed, StatusAnalyzed, true},
		{StatusAnalyzed, Status("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestProjectFailRemembersPriorStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Project{ID: "p", Status: StatusAnalyzed}
	p.Fail("synthesize", errors.New("disk full"), now)
	if p.Status != StatusFailed || p.Effective() != StatusAnalyzed {
		t.Fatalf("unexpected state: %+v", p)
	}
	p.Fail("synthesize", errors.New("again"), now)
	if p.PriorStatus != StatusAnalyzed {
		t.Fatalf("repeated failure must keep prior status, got %s", p.PriorStatus)
	}
	if err := p.Transition(StatusCompleted, now.Add(time.Minute)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if p.LastError != "" || p.PriorStatus != "" {
		t.Fatalf("expected failure details cleared: %+v", p)
	}
}

func TestProjectRecoverRestoresPriorStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Project{ID: "p", Status: StatusCompleted}
	p.Fail("assemble", errors.New("disk full"), now)
	p.Recover(now.Add(time.Minute))
	if p.Status != StatusCompleted || p.PriorStatus != "" || p.LastStage != "" || p.LastError != "" {
		t.Fatalf("recovered project = %+v", p)
	}
	if !p.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("updated_at = %v", p.UpdatedAt)
	}

	p = Project{ID: "p", Status: StatusAnalyzed}
	p.Recover(now)
	if p.Status != StatusAnalyzed {
		t.Fatalf("healthy project changed status: %+v", p)
	}
}

func TestWalkDocumentOrder(t *testing.T) {
	b := Book{Chapters: []Chapter{
		{ID: "c0", Sentences: []Sentence{NewSentence("a", "A"), NewSentence("b", "B")}},
		{ID: "c1", Sentences: []Sentence{NewSentence("c", "C")}},
	}}
	var order []string
	b.Walk(func(_ *Chapter, s *Sentence) bool {
		order = append(order, s.ID)
		return true
	})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
	if b.SentenceCount() != 3 {
		t.Fatalf("expected 3 sentences")
	}
}
