package report

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Engine converts HTML into PDF bytes.
type Engine interface {
	Name() string
	Ping(ctx context.Context) error
	RenderHTML(ctx context.Context, html string, page PageOptions) ([]byte, error)
}

// Engine names accepted by NewEngine.
const (
	EngineGotenberg = "gotenberg"
	EngineFPDF      = "fpdf"
)

// NewEngine selects the PDF engine by name.
func NewEngine(name, gotenbergURL string, timeout time.Duration) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EngineGotenberg:
		if strings.TrimSpace(gotenbergURL) == "" {
			return nil, fmt.Errorf("report: gotenberg url required")
		}
		return NewClient(gotenbergURL, timeout), nil
	case EngineFPDF:
		return NewFPDFConverter(), nil
	default:
		return nil, fmt.Errorf("report: unknown pdf engine %q", name)
	}
}

// Handler exposes PDF engine diagnostics.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("pdf engine ping failed", slog.String("engine", h.engine.Name()), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","engine":"` + h.engine.Name() + `"}`))
}
