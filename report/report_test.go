package report

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestGotenbergRenderHTML(t *testing.T) {
	var gotFields map[string]string
	var gotHTML string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		file, _, err := r.FormFile("files")
		require.NoError(t, err)
		raw, _ := io.ReadAll(file)
		gotHTML = string(raw)
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", time.Second)
	pdf, err := client.RenderHTML(context.Background(), "<html>hi</html>", Thermal(4))
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(pdf))
	require.Equal(t, "<html>hi</html>", gotHTML)
	require.Equal(t, "3.15", gotFields["paperWidth"])
	require.Equal(t, "4.70", gotFields["paperHeight"])
	require.Equal(t, "true", gotFields["printBackground"])
}

func TestGotenbergRenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chromium crashed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).RenderHTML(context.Background(), "<p/>", A4())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Contains(t, err.Error(), "chromium crashed")
}

func TestFPDFConverterProducesPDF(t *testing.T) {
	conv := NewFPDFConverter()
	src := `<html><head><style>td{}</style></head><body><h1>Acme &amp; Co</h1><table><tr><td>Tea</td><td>₹20.00</td></tr></table></body></html>`

	first, err := conv.RenderHTML(context.Background(), src, A4())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(first, []byte("%PDF-")))

	second, err := conv.RenderHTML(context.Background(), src, A4())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestTextLines(t *testing.T) {
	lines := TextLines(`<head><title>x</title></head><div>Invoice <b>INV-0001</b></div><table><tr><th>Item</th><th>Total</th></tr><tr><td>Tea</td><td>₹20</td></tr></table>`)
	require.Equal(t, []string{"Invoice INV-0001", "Item Total", "Tea Rs.20"}, lines)
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine("FPDF", "", 0)
	require.NoError(t, err)
	require.Equal(t, EngineFPDF, engine.Name())

	engine, err = NewEngine("", "http://gotenberg:3000", 0)
	require.NoError(t, err)
	require.Equal(t, EngineGotenberg, engine.Name())

	_, err = NewEngine("gotenberg", "", 0)
	require.Error(t, err)
	_, err = NewEngine("wkhtml", "x", 0)
	require.Error(t, err)
}

func TestHandlerPing(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/pdf-engine", NewHandler(NewFPDFConverter(), slog.New(slog.NewTextHandler(io.Discard, nil))).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pdf-engine/ping", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `"engine":"fpdf"`))
}
