// Package book holds the audiobook data model shared by every pipeline stage.
package book

import (
	"time"
)

// Well-known Sentence metadata keys.
const (
	MetaContentType      = "content_type"
	MetaCleanedText      = "cleaned_text"
	MetaVoiceID          = "voice_id"
	MetaSpeakerAudioPath = "speaker_audio_path"
	MetaPrimaryEmotion   = "primary_emotion"
	MetaEmotionIntensity = "emotion_intensity"
	MetaSynthStatus      = "synth_status"
)

// Synthesis outcomes recorded under MetaSynthStatus.
const (
	SynthOK     = "ok"
	SynthFailed = "failed"
)

// RawChapterID marks the single undifferentiated chapter a plain-text loader
// produces; the chapter splitter always restructures it.
const RawChapterID = "raw"

// EmotionDims is the length of an emotion vector:
// joy, anger, sadness, fear, disgust, melancholy, surprise, calm.
const EmotionDims = 8

// Sentence is the smallest synthesis unit.
type Sentence struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	StartPos      *int           `json:"start_pos,omitempty"`
	EndPos        *int           `json:"end_pos,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	IsNoise       bool           `json:"is_noise"`
	Speaker       string         `json:"speaker,omitempty"`
	EmotionVector []float64      `json:"emotion_vector,omitempty"`
	AudioPath     string         `json:"audio_path,omitempty"`
}

// Chapter is an ordered group of sentences sharing a title and a combined audio artifact.
type Chapter struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Sentences []Sentence `json:"sentences"`
	AudioPath string     `json:"audio_path,omitempty"`
	Duration  float64    `json:"duration"`
}

// Book is the full chapter/sentence tree of one project.
type Book struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Author    string         `json:"author,omitempty"`
	Chapters  []Chapter      `json:"chapters"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	Status    string         `json:"status"`
}

// Book lifecycle tags.
const (
	BookUploaded     = "UPLOADED"
	BookParsed       = "PARSED"
	BookCleaned      = "CLEANED"
	BookSynthesizing = "SYNTHESIZING"
	BookCompleted    = "COMPLETED"
	BookFailed       = "FAILED"
)

// NewSentence returns a sentence with an initialized metadata map.
func NewSentence(id, text string) Sentence {
	return Sentence{ID: id, Text: text, Metadata: map[string]any{}}
}

// Meta returns the string value stored under key, or "".
func (s *Sentence) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	v, ok := s.Metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}

// SetMeta stores value under key, allocating the map if needed.
func (s *Sentence) SetMeta(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
}

// SetAudio records a synthesized clip. Noise sentences never carry audio.
func (s *Sentence) SetAudio(path string) bool {
	if s.IsNoise {
		return false
	}
	s.AudioPath = path
	return true
}

// MarkNoise flags the sentence as noise and drops any audio it carried.
func (s *Sentence) MarkNoise(noise bool) {
	s.IsNoise = noise
	if noise {
		s.AudioPath = ""
	}
}

// HasAudio reports whether the sentence should contribute audio to its chapter.
func (s *Sentence) HasAudio() bool {
	return !s.IsNoise && s.AudioPath != ""
}

// SetAudio records the assembled chapter file and its measured duration.
func (c *Chapter) SetAudio(path string, duration float64) {
	c.AudioPath = path
	if path == "" || duration < 0 {
		duration = 0
	}
	c.Duration = duration
}

// SentenceCount returns the number of sentences across all chapters.
func (b *Book) SentenceCount() int {
	n := 0
	for _, ch := range b.Chapters {
		n += len(ch.Sentences)
	}
	return n
}

// Walk visits every sentence in document order. Returning false stops the walk.
func (b *Book) Walk(fn func(ch *Chapter, s *Sentence) bool) {
	for ci := range b.Chapters {
		ch := &b.Chapters[ci]
		for si := range ch.Sentences {
			if !fn(ch, &ch.Sentences[si]) {
				return
			}
		}
	}
}

// TotalDuration sums chapter durations in seconds.
func (b *Book) TotalDuration() float64 {
	total := 0.0
	for _, ch := range b.Chapters {
		total += ch.Duration
	}
	return total
}
