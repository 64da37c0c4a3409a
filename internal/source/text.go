package source

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// TextLoader reads plain text and Markdown into a single raw chapter that the
// chapter splitter restructures later.
type TextLoader struct{}

func (TextLoader) Load(path string) (*book.Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	content, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &book.Book{
		Title: baseTitle(path),
		Chapters: []book.Chapter{{
			ID:        book.RawChapterID,
			Title:     "Raw Content",
			Sentences: []book.Sentence{book.NewSentence("raw_s", content)},
		}},
		Metadata: map[string]any{"source_format": strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")},
		Status:   book.BookUploaded,
	}, nil
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Decode converts raw document bytes to UTF-8. A byte order mark wins; BOM-less
// input that is valid UTF-8 is taken as is, anything else is read as GB18030.
// Line endings are normalized to "\n".
func Decode(raw []byte) (string, error) {
	var (
		out []byte
		err error
	)
	switch {
	case bytes.HasPrefix(raw, bomUTF8):
		out = raw[len(bomUTF8):]
	case bytes.HasPrefix(raw, bomUTF16LE), bytes.HasPrefix(raw, bomUTF16BE):
		out, err = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
	case utf8.Valid(raw):
		out = raw
	default:
		out, err = simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	}
	if err != nil {
		return "", err
	}
	text := strings.ReplaceAll(string(out), "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n"), nil
}
