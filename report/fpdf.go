package report

import (
	"bytes"
	"context"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

var (
	reHidden = regexp.MustCompile(`(?is)<(head|style|script)[^>]*>.*?</(head|style|script)>`)
	reBreak  = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/tr|/h[1-6]|/li|/table|/thead|/tbody|hr\s*/?)\s*>`)
	reCell   = regexp.MustCompile(`(?i)</t[dh]\s*>`)
	reTag    = regexp.MustCompile(`<[^>]+>`)
	reSpace  = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// FPDFConverter lays out the text of an HTML document with go-pdf/fpdf. It
// needs no external service and keeps table rows on one line, but drops all
// styling, so it suits development and degraded operation.
type FPDFConverter struct {
	fontSize float64
	created  time.Time
}

// NewFPDFConverter builds a converter. Documents carry the fixed creation
// date so identical input yields identical bytes.
func NewFPDFConverter() *FPDFConverter {
	return &FPDFConverter{fontSize: 9, created: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Name identifies the engine in logs and metrics.
func (c *FPDFConverter) Name() string { return "fpdf" }

// Ping always succeeds because the converter runs in process.
func (c *FPDFConverter) Ping(context.Context) error { return nil }

// RenderHTML converts the text content of src into a PDF.
func (c *FPDFConverter) RenderHTML(ctx context.Context, src string, page PageOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.orDefault()
	fontSize := c.fontSize
	if page.Width < 4 {
		fontSize = 7
	}
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "in",
		Size:           fpdf.SizeType{Wd: page.Width, Ht: page.Height},
	})
	pdf.SetCreationDate(c.created)
	pdf.SetModificationDate(c.created)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(page.Margin, page.Margin, page.Margin)
	pdf.SetAutoPageBreak(true, page.Margin)
	pdf.AddPage()
	pdf.SetFont("Courier", "", fontSize)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	lineHeight := fontSize / 72 * 1.4
	for _, line := range TextLines(src) {
		pdf.MultiCell(0, lineHeight, tr(line), "", "L", false)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TextLines extracts the visible text of an HTML document, one block or
// table row per line.
func TextLines(src string) []string {
	src = reHidden.ReplaceAllString(src, "")
	src = reCell.ReplaceAllString(src, "  ")
	src = reBreak.ReplaceAllString(src, "\n")
	src = reTag.ReplaceAllString(src, "")
	src = html.UnescapeString(src)
	src = strings.ReplaceAll(src, "₹", "Rs.")
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(reSpace.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
