package export

import (
	"fmt"
	"html"
	"html/template"
	"strings"
)

// Service provides document export functionality
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export renders the document and generates output in the requested format.
func (s *Service) Export(doc Document, format Format) (*Result, error) {
	if len(doc.Content) == 0 {
		return nil, ErrContentUnavailable
	}

	data := TemplateData{
		Name:         doc.Name,
		Category:     doc.Category,
		Tags:         doc.Tags,
		ContentHTML:  contentToHTML(doc.Content),
		Author:       doc.Author,
		LastModified: doc.LastModified,
	}

	rendered, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		return exportPDF(rendered, doc.Name)
	case FormatDOCX:
		return exportDOCX(rendered, doc.Name)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// contentToHTML turns plain document text into paragraphs. Blank lines
// separate paragraphs; single newlines become <br> within one.
func contentToHTML(content []byte) template.HTML {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	blocks := strings.Split(text, "\n\n")

	var b strings.Builder
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}
