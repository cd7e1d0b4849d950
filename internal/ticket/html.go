package ticket

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/app.css
var appCSS []byte

//go:embed static/app.js
var appJS []byte

// markdown renders OCR answers, which usually arrive as markdown tables.
// Raw HTML in the answer is dropped.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"markdown": renderMarkdown,
	"stages":   func() []Stage { return stageOrder },
	"reached": func(t *Ticket, s Stage) bool {
		return !t.Stage.Before(s)
	},
	"date": func(at time.Time) string {
		return at.Format("2006-01-02 15:04")
	},
}).ParseFS(templatesFS, "templates/*.html"))

func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(src) + "</pre>")
	}
	return template.HTML(buf.String())
}

// renderPage executes a page template into w
func renderPage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("Error rendering page", "template", name, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// guideData feeds the public guide page behind the QR
type guideData struct {
	Ticket      *Ticket
	GeneratedAt time.Time
}

// renderGuide renders the standalone guide page of a ticket
func renderGuide(t *Ticket, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "guia.html", guideData{Ticket: t, GeneratedAt: now}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
