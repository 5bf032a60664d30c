package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/weave/internal/graph"
)

// FilesConnector ingests documents from a directory tree. Include and
// Exclude are doublestar patterns matched against the slash-separated
// path relative to Root, which also serves as the external id.
type FilesConnector struct {
	Root    string
	Include []string // empty means every supported file
	Exclude []string
}

func (c *FilesConnector) Name() string { return "files" }

func (c *FilesConnector) Config() map[string]string {
	return map[string]string{
		"root":    c.Root,
		"include": strings.Join(c.Include, ","),
		"exclude": strings.Join(c.Exclude, ","),
	}
}

// mdLink matches the target of an inline markdown link.
var mdLink = regexp.MustCompile(`\]\(([^)#][^)]*)\)`)

func (c *FilesConnector) Fetch(ctx context.Context) ([]Record, []graph.ItemError, error) {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving root: %w", err)
	}

	var records []Record
	var itemErrs []graph.ItemError
	err = fs.WalkDir(os.DirFS(root), ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(rel))
		if ext != ".txt" && ext != ".md" && ext != ".pdf" {
			return nil
		}
		if !c.selected(rel) {
			return nil
		}

		// A file that cannot be read is reported and skipped; the rest of
		// the tree still syncs.
		content, err := readDocument(filepath.Join(root, filepath.FromSlash(rel)), ext)
		if err != nil {
			itemErrs = append(itemErrs, graph.ItemError{Item: rel, Message: err.Error()})
			return nil
		}

		rec := Record{
			ExternalID: rel,
			Title:      strings.TrimSuffix(filepath.Base(rel), ext),
			Content:    content,
			NodeType:   "document",
			Metadata:   map[string]string{"path": rel, "format": strings.TrimPrefix(ext, ".")},
		}
		if ext == ".md" {
			rec.References = relativeLinks(rel, content)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, itemErrs, nil
}

// selected applies the include and exclude pattern sets.
func (c *FilesConnector) selected(rel string) bool {
	if len(c.Include) > 0 {
		matched := false
		for _, p := range c.Include {
			if ok, _ := doublestar.Match(p, rel); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range c.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

func readDocument(path, ext string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if ext != ".pdf" {
		return string(data), nil
	}
	return pdfText(data)
}

// pdfText extracts plain text page by page. Pages that fail to parse are
// skipped rather than failing the document.
func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// relativeLinks collects markdown link targets that point at sibling
// documents, normalized to root-relative external ids.
func relativeLinks(rel, content string) []string {
	var refs []string
	seen := map[string]bool{}
	dir := filepath.ToSlash(filepath.Dir(rel))
	for _, m := range mdLink.FindAllStringSubmatch(content, -1) {
		target := m[1]
		if strings.Contains(target, "://") || strings.HasPrefix(target, "/") {
			continue
		}
		resolved := filepath.ToSlash(filepath.Clean(filepath.Join(dir, target)))
		if resolved == rel || seen[resolved] {
			continue
		}
		seen[resolved] = true
		refs = append(refs, resolved)
	}
	return refs
}
