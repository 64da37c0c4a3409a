// Package voices describes the reference voices available to the synthesizer
// and binds speakers to them.
package voices

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Voice kinds.
const (
	KindNarration = "narration"
	KindDialogue  = "dialogue"
)

// Voice is one reference speaker recording.
type Voice struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	File   string `yaml:"file" json:"file"`
	Gender string `yaml:"gender" json:"gender"`
	Kind   string `yaml:"type" json:"type"`
}

// Library lists the voices plus the assignment policy.
type Library struct {
	Voices          []Voice  `yaml:"voices"`
	Narration       string   `yaml:"narration_voice"`
	DialogueDefault string   `yaml:"dialogue_default"`
	DialoguePool    []string `yaml:"dialogue_pool"`
}

// Default returns the built-in six voice library.
func Default() Library {
	return Library{
		Voices: []Voice{
			{ID: "V01", Name: "旁白男声", File: "voice_01.wav", Gender: "male", Kind: KindNarration},
			{ID: "V02", Name: "旁白女声", File: "voice_02.wav", Gender: "female", Kind: KindNarration},
			{ID: "V03", Name: "青年男声", File: "voice_03.wav", Gender: "male", Kind: KindDialogue},
			{ID: "V04", Name: "成熟男声", File: "voice_04.wav", Gender: "male", Kind: KindDialogue},
			{ID: "V05", Name: "少女音", File: "voice_05.wav", Gender: "female", Kind: KindDialogue},
			{ID: "V06", Name: "知性女声", File: "voice_06.wav", Gender: "female", Kind: KindDialogue},
		},
		Narration:       "V01",
		DialogueDefault: "V03",
		DialoguePool:    []string{"V03", "V04", "V05", "V06"},
	}
}

// Load reads a library from disk. An empty path yields the default library.
func Load(path string) (Library, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Library{}, err
	}
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return Library{}, fmt.Errorf("parse voice library: %w", err)
	}
	if err := Validate(lib); err != nil {
		return Library{}, err
	}
	return lib, nil
}

// Validate ensures every policy reference resolves to a declared voice.
func Validate(lib Library) error {
	if len(lib.Voices) == 0 {
		return fmt.Errorf("voices must declare at least one voice")
	}
	seen := make(map[string]bool, len(lib.Voices))
	for _, v := range lib.Voices {
		if v.ID == "" {
			return fmt.Errorf("voice id is required")
		}
		if v.File == "" {
			return fmt.Errorf("voice %s: file is required", v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("voice %s declared twice", v.ID)
		}
		seen[v.ID] = true
	}
	if !seen[lib.Narration] {
		return fmt.Errorf("narration_voice %q is not declared", lib.Narration)
	}
	if !seen[lib.DialogueDefault] {
		return fmt.Errorf("dialogue_default %q is not declared", lib.DialogueDefault)
	}
	if len(lib.DialoguePool) == 0 {
		return fmt.Errorf("dialogue_pool must not be empty")
	}
	for _, id := range lib.DialoguePool {
		if !seen[id] {
			return fmt.Errorf("dialogue_pool voice %q is not declared", id)
		}
	}
	return nil
}

// Lookup returns the voice with the given id.
func (l Library) Lookup(id string) (Voice, bool) {
	for _, v := range l.Voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}

// ReferencePath resolves the reference recording of a voice under assetsDir/voices.
func (l Library) ReferencePath(assetsDir, id string) string {
	v, ok := l.Lookup(id)
	if !ok {
		return ""
	}
	if filepath.IsAbs(v.File) {
		return v.File
	}
	return filepath.Join(assetsDir, "voices", v.File)
}
