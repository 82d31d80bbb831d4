package invoicing

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/tillpoint/tillpoint/internal/settings"
	"github.com/tillpoint/tillpoint/report"
	"github.com/tillpoint/tillpoint/web"
)

// PDFEngine exposes the subset of the report engine used by the renderer.
type PDFEngine interface {
	Name() string
	RenderHTML(ctx context.Context, html string, page report.PageOptions) ([]byte, error)
}

// RenderResult holds both artefacts of a render.
type RenderResult struct {
	HTML string
	PDF  []byte
}

type documentData struct {
	Invoice  Invoice
	Branding settings.Branding
	LogoURL  string
}

// Renderer turns invoice snapshots into HTML and PDF documents.
type Renderer struct {
	templates map[settings.DisplayFormat]*template.Template
	engine    PDFEngine
	loc       *time.Location
}

// NewRenderer parses the invoice templates. Dates are printed in loc.
func NewRenderer(engine PDFEngine, loc *time.Location) (*Renderer, error) {
	if engine == nil {
		return nil, fmt.Errorf("invoicing renderer: pdf engine required")
	}
	if loc == nil {
		loc = time.UTC
	}
	printer := message.NewPrinter(language.MustParse("en-IN"))
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.In(loc).Format("02 Jan 2006")
		},
		"formatMoney": func(d decimal.Decimal) string {
			return formatMoney(printer, d)
		},
		"formatQty": func(d decimal.Decimal) string {
			return d.String()
		},
		"inc": func(i int) int { return i + 1 },
	}
	templates := make(map[settings.DisplayFormat]*template.Template, 2)
	for format, file := range map[settings.DisplayFormat]string{
		settings.FormatA4:      "a4.html",
		settings.FormatThermal: "thermal.html",
	} {
		tpl, err := template.New(file).Funcs(funcMap).ParseFS(web.Templates, "templates/invoices/"+file)
		if err != nil {
			return nil, err
		}
		templates[format] = tpl
	}
	return &Renderer{templates: templates, engine: engine, loc: loc}, nil
}

// formatMoney prints d in rupees with Indian digit grouping. The amount is
// handled as whole paise so large totals print exactly.
func formatMoney(printer *message.Printer, d decimal.Decimal) string {
	paise := d.Round(2).Shift(2).IntPart()
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s₹%s.%02d", sign, printer.Sprint(number.Decimal(paise/100)), paise%100)
}

// Engine reports the name of the PDF engine in use.
func (r *Renderer) Engine() string {
	if r == nil || r.engine == nil {
		return ""
	}
	return r.engine.Name()
}

// HTML renders the invoice. The output depends only on the invoice snapshot
// and the organization's display settings.
func (r *Renderer) HTML(inv Invoice, cfg settings.Settings) (string, error) {
	if r == nil || len(r.templates) == 0 {
		return "", fmt.Errorf("invoicing renderer not initialised")
	}
	tpl, ok := r.templates[cfg.DisplayFormat]
	if !ok {
		tpl = r.templates[settings.FormatA4]
	}
	data := documentData{Invoice: inv, Branding: cfg.Branding}
	if cfg.IncludeLogo {
		data.LogoURL = cfg.Branding.LogoURL
	}
	buf := &bytes.Buffer{}
	if err := tpl.Execute(buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render produces the HTML snapshot and converts it to PDF.
func (r *Renderer) Render(ctx context.Context, inv Invoice, cfg settings.Settings) (RenderResult, error) {
	html, err := r.HTML(inv, cfg)
	if err != nil {
		return RenderResult{}, err
	}
	pdf, err := r.engine.RenderHTML(ctx, html, pageFor(cfg.DisplayFormat, len(inv.Items)))
	if err != nil {
		return RenderResult{HTML: html}, err
	}
	if len(pdf) == 0 {
		return RenderResult{HTML: html}, fmt.Errorf("%s returned an empty document", r.engine.Name())
	}
	return RenderResult{HTML: html, PDF: pdf}, nil
}

func pageFor(format settings.DisplayFormat, items int) report.PageOptions {
	if format == settings.FormatThermal {
		return report.Thermal(items)
	}
	return report.A4()
}
