package voices

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// NoSpeaker is the annotation sentinel for "speaker unknown".
const NoSpeaker = "无"

// BindingTable maps speakers to voices for one annotation run of one book.
// It is built in document order and must not be shared between books.
type BindingTable struct {
	lib       Library
	assetsDir string
	bindings  map[string]string
	order     []string
}

func NewBindingTable(lib Library, assetsDir string) *BindingTable {
	return &BindingTable{
		lib:       lib,
		assetsDir: assetsDir,
		bindings:  make(map[string]string),
	}
}

// VoiceFor returns the voice for a sentence of the given content type and
// speaker, binding a first-seen speaker through a stable hash of the name.
func (t *BindingTable) VoiceFor(contentType, speaker string) string {
	if contentType != "dialogue" {
		return t.lib.Narration
	}
	speaker = NormalizeSpeaker(speaker)
	if speaker == "" {
		return t.lib.DialogueDefault
	}
	if id, ok := t.bindings[speaker]; ok {
		return id
	}
	pool := t.lib.DialoguePool
	id := pool[xxhash.Sum64String(speaker)%uint64(len(pool))]
	t.bindings[speaker] = id
	t.order = append(t.order, speaker)
	return id
}

// Assign records voice_id and speaker_audio_path on the sentence.
func (t *BindingTable) Assign(s *book.Sentence) string {
	id := t.VoiceFor(s.Meta(book.MetaContentType), s.Speaker)
	s.SetMeta(book.MetaVoiceID, id)
	s.SetMeta(book.MetaSpeakerAudioPath, t.lib.ReferencePath(t.assetsDir, id))
	return id
}

// Binding is one speaker to voice entry.
type Binding struct {
	Speaker string `json:"speaker"`
	VoiceID string `json:"voice_id"`
}

// Bindings lists speaker bindings in first-seen order.
func (t *BindingTable) Bindings() []Binding {
	out := make([]Binding, 0, len(t.order))
	for _, sp := range t.order {
		out = append(out, Binding{Speaker: sp, VoiceID: t.bindings[sp]})
	}
	return out
}

// NormalizeSpeaker trims a speaker label and maps the no-speaker sentinels to "".
func NormalizeSpeaker(speaker string) string {
	speaker = strings.TrimSpace(speaker)
	switch strings.ToLower(speaker) {
	case "", NoSpeaker, "none", "null", "unknown":
		return ""
	}
	return speaker
}
