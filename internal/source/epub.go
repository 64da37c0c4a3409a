package source

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

const unknownMeta = "Unknown"

// EPUBLoader produces one chapter per spine document, keeping the native
// chapter boundaries of the publication.
type EPUBLoader struct{}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Titles   []string `xml:"metadata>title"`
	Creators []string `xml:"metadata>creator"`
	Items    []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func (EPUBLoader) Load(filename string) (*book.Book, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := decodeXML(files, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return nil, errors.New("epub container lists no rootfile")
	}
	opfPath := container.Rootfiles[0].FullPath

	var pkg epubPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return nil, err
	}

	b := &book.Book{
		Title:    firstOr(pkg.Titles, unknownMeta),
		Author:   firstOr(pkg.Creators, unknownMeta),
		Metadata: map[string]any{"source_format": "epub"},
		Status:   book.BookUploaded,
	}

	manifest := make(map[string]int, len(pkg.Items))
	for i, item := range pkg.Items {
		manifest[item.ID] = i
	}
	base := path.Dir(opfPath)
	for _, ref := range pkg.Spine {
		idx, ok := manifest[ref.IDRef]
		if !ok {
			continue
		}
		item := pkg.Items[idx]
		if !isDocument(item.MediaType) {
			continue
		}
		f, ok := files[path.Join(base, item.Href)]
		if !ok {
			return nil, fmt.Errorf("epub spine item %s missing: %s", item.ID, item.Href)
		}
		title, text, err := extractDocument(f)
		if err != nil {
			return nil, fmt.Errorf("epub item %s: %w", item.ID, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		b.Chapters = append(b.Chapters, book.Chapter{
			ID:        item.ID,
			Title:     title,
			Sentences: []book.Sentence{book.NewSentence(item.ID+"_raw", text)},
		})
	}
	return b, nil
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("epub missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func isDocument(mediaType string) bool {
	return mediaType == "application/xhtml+xml" || mediaType == "text/html"
}

// extractDocument returns the first h1/h2 text as title and every text node of
// the body, one per line.
func extractDocument(f *zip.File) (string, string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", "", err
	}
	defer rc.Close()
	doc, err := html.Parse(io.LimitReader(rc, 64<<20))
	if err != nil {
		return "", "", err
	}

	var (
		title string
		lines []string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.H1, atom.H2:
				if title == "" {
					title = strings.TrimSpace(textContent(n))
				}
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if title == "" {
		title = "Untitled"
	}
	return title, strings.Join(lines, "\n"), nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func firstOr(values []string, fallback string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}
