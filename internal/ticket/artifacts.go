package ticket

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/tiquetes/internal/extraction"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Keys of a PDFContext
const (
	KeyCodigo             = "codigo"
	KeyNombre             = "nombre_agricultor"
	KeyFechaProcesamiento = "fecha_procesamiento"
	KeyHoraProcesamiento  = "hora_procesamiento"
	KeyFechaEmision       = "fecha_emision"
	KeyHoraEmision        = "hora_emision"
	KeyImagen             = "image_filename"
	KeyQR                 = "qr_filename"
	KeyNota               = "nota"
	KeyResultado          = "revalidacion_resultado"
	KeyNotaRevalidacion   = "revalidacion_nota"
	KeyFilas              = "filas"
)

// PDFContext is the flat key/value map the PDF layout is rendered from.
// Table rows are stored as fila.<i>.campo / .original / .sugerido.
type PDFContext map[string]string

// QREncoder renders a QR payload as a PNG image
type QREncoder interface {
	Encode(payload string) ([]byte, error)
}

// PDFImages are the pictures embedded in the PDF
type PDFImages struct {
	QR        []byte
	Photo     []byte
	PhotoType string // "JPG", "PNG" or "GIF" as named by the upload
}

// PDFRenderer renders a PDFContext into a PDF document
type PDFRenderer interface {
	Render(c PDFContext, images PDFImages) ([]byte, error)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// fileCode makes a producer code safe for use inside filenames
func fileCode(code string) string {
	code = unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(code), "-")
	code = strings.Trim(code, "-")
	if code == "" {
		return "sin-codigo"
	}
	return code
}

// PDFFilename returns tiquete_{code}_{date}.pdf
func PDFFilename(code, date string) string {
	return fmt.Sprintf("tiquete_%s_%s.pdf", fileCode(code), date)
}

// QRFilename returns qr_{code}_{timestamp}.png
func QRFilename(code string, at time.Time) string {
	return fmt.Sprintf("qr_%s_%d.png", fileCode(code), at.Unix())
}

// GuideFilename returns guia_{code}_{timestamp}.html
func GuideFilename(code string, at time.Time) string {
	return fmt.Sprintf("guia_%s_%d.html", fileCode(code), at.Unix())
}

// PublicURL is the address a stored file is served at, e.g.
// "pdfs/tiquete_A1.pdf" -> "{base}/pdfs/tiquete_A1.pdf"
func PublicURL(baseURL, name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + path.Dir(name) + "/" + url.PathEscape(path.Base(name))
}

// BuildQRPayload returns the tracking URL encoded in the QR: the guide page
// of the ticket, with code, farmer name and processing date as query
// parameters so the QR stays readable without the server.
func BuildQRPayload(baseURL string, t *Ticket) string {
	q := url.Values{}
	q.Set("codigo", t.Codigo())
	q.Set("nombre", t.Nombre())
	if t.Registration != nil {
		q.Set("fecha", t.Registration.FechaProcesamiento)
	}
	return PublicURL(baseURL, t.Artifacts.Guide) + "?" + q.Encode()
}

// BuildPDFContext flattens a registered ticket into the PDF layout map
func BuildPDFContext(t *Ticket, issued time.Time) PDFContext {
	c := PDFContext{
		KeyCodigo:       t.Codigo(),
		KeyNombre:       t.Nombre(),
		KeyFechaEmision: issued.Format(dateLayout),
		KeyHoraEmision:  issued.Format(timeLayout),
		KeyImagen:       t.ImageFilename,
		KeyQR:           t.Artifacts.QR,
	}
	if t.Registration != nil {
		c[KeyFechaProcesamiento] = t.Registration.FechaProcesamiento
		c[KeyHoraProcesamiento] = t.Registration.HoraProcesamiento
		c[KeyNota] = t.Registration.Nota
	}
	if t.Revalidation != nil {
		c[KeyResultado] = t.Revalidation.Resultado
		c[KeyNotaRevalidacion] = t.Revalidation.Nota
	}

	var rows []extraction.Field
	if t.Parsed != nil {
		rows = t.Parsed.TableData
		if c[KeyNota] == "" {
			c[KeyNota] = t.Parsed.Nota
		}
	}
	c[KeyFilas] = strconv.Itoa(len(rows))
	for i, f := range rows {
		c[rowKey(i, "campo")] = f.Campo
		c[rowKey(i, "original")] = f.Original
		c[rowKey(i, "sugerido")] = f.Sugerido
	}
	return c
}

func rowKey(i int, column string) string {
	return fmt.Sprintf("fila.%d.%s", i, column)
}

// FieldsFromPDFContext recovers the table rows stored by BuildPDFContext
func FieldsFromPDFContext(c PDFContext) ([]extraction.Field, error) {
	n, err := strconv.Atoi(c[KeyFilas])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid row count %q", c[KeyFilas])
	}
	rows := make([]extraction.Field, 0, n)
	for i := 0; i < n; i++ {
		campo, ok := c[rowKey(i, "campo")]
		if !ok {
			return nil, fmt.Errorf("missing row %d", i)
		}
		rows = append(rows, extraction.Field{
			Kind:     extraction.KindOf(campo),
			Campo:    campo,
			Original: c[rowKey(i, "original")],
			Sugerido: c[rowKey(i, "sugerido")],
		})
	}
	return rows, nil
}

// ArtifactGenerator writes the QR, PDF and guide page of a ticket
type ArtifactGenerator struct {
	storage Storage
	qr      QREncoder
	pdf     PDFRenderer
	baseURL string
}

// NewArtifactGenerator creates a generator publishing guide pages under baseURL
func NewArtifactGenerator(storage Storage, qr QREncoder, pdf PDFRenderer, baseURL string) *ArtifactGenerator {
	return &ArtifactGenerator{
		storage: storage,
		qr:      qr,
		pdf:     pdf,
		baseURL: baseURL,
	}
}

// PublicURL returns the address a stored artifact is served at
func (g *ArtifactGenerator) PublicURL(name string) string {
	return PublicURL(g.baseURL, name)
}

// Generate names and writes every artifact of t and records them in
// t.Artifacts. t.Registration must be set.
func (g *ArtifactGenerator) Generate(t *Ticket, now time.Time) error {
	code := t.Codigo()
	t.Artifacts = Artifacts{
		QR:    path.Join(QRDir, QRFilename(code, now)),
		PDF:   path.Join(PDFDir, PDFFilename(code, t.Registration.FechaProcesamiento)),
		Guide: path.Join(GuideDir, GuideFilename(code, now)),
	}

	qrPNG, err := g.qr.Encode(BuildQRPayload(g.baseURL, t))
	if err != nil {
		return &ArtifactError{Artifact: "QR", Err: err}
	}

	images := PDFImages{QR: qrPNG, PhotoType: pdfImageType(t.ImageFilename)}
	if t.ImageFilename != "" {
		photo, err := g.storage.Get(t.ImageFilename)
		if err != nil {
			slog.Warn("Ticket photo unavailable for PDF", "filename", t.ImageFilename, "error", err)
		} else {
			images.Photo = photo
		}
	}

	// render before writing anything so a failed PDF leaves no files behind
	pdfData, err := g.pdf.Render(BuildPDFContext(t, now), images)
	if err != nil {
		return &ArtifactError{Artifact: "PDF", Err: err}
	}
	if _, err := g.storage.Save(t.Artifacts.QR, qrPNG); err != nil {
		return &ArtifactError{Artifact: "QR", Err: err}
	}
	if _, err := g.storage.Save(t.Artifacts.PDF, pdfData); err != nil {
		return &ArtifactError{Artifact: "PDF", Err: err}
	}

	return g.WriteGuide(t, now)
}

// WriteGuide renders the guide page at t.Artifacts.Guide. It is rewritten
// at every stage change so the QR always shows the current state.
func (g *ArtifactGenerator) WriteGuide(t *Ticket, now time.Time) error {
	if t.Artifacts.Guide == "" {
		return nil
	}
	page, err := renderGuide(t, now)
	if err != nil {
		return &ArtifactError{Artifact: "guía", Err: err}
	}
	if _, err := g.storage.Save(t.Artifacts.Guide, page); err != nil {
		return &ArtifactError{Artifact: "guía", Err: err}
	}
	return nil
}

// pdfImageType maps an upload's extension to a format fpdf can embed. The
// renderer trusts the decoded content over this when they disagree.
func pdfImageType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "JPG"
	case ".png":
		return "PNG"
	case ".gif":
		return "GIF"
	}
	return ""
}
