package ticket

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"

	"github.com/go-pdf/fpdf"
)

// FPDFRenderer lays out the registration ticket on an A4 page
type FPDFRenderer struct{}

// NewFPDFRenderer creates a new FPDFRenderer
func NewFPDFRenderer() *FPDFRenderer {
	return &FPDFRenderer{}
}

var tableWidths = []float64{50, 65, 65}

// Render builds the PDF from the context. Photos that cannot be decoded,
// or whose format fpdf cannot embed, are left out instead of failing the
// document.
func (r *FPDFRenderer) Render(c PDFContext, images PDFImages) ([]byte, error) {
	rows, err := FieldsFromPDFContext(c)
	if err != nil {
		return nil, fmt.Errorf("reading table rows: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Tiquete "+c[KeyCodigo], true)
	pdf.SetAuthor("Recepción de fruta", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(140, 10, tr("Tiquete de Recepción de Fruta"), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(140, 6, tr(fmt.Sprintf("Código: %s", c[KeyCodigo])), "", 1, "L", false, 0, "")
	pdf.CellFormat(140, 6, tr(fmt.Sprintf("Agricultor: %s", c[KeyNombre])), "", 1, "L", false, 0, "")
	pdf.CellFormat(140, 6, tr(fmt.Sprintf("Procesado: %s %s", c[KeyFechaProcesamiento], c[KeyHoraProcesamiento])), "", 1, "L", false, 0, "")
	pdf.CellFormat(140, 6, tr(fmt.Sprintf("Emitido: %s %s", c[KeyFechaEmision], c[KeyHoraEmision])), "", 1, "L", false, 0, "")

	if len(images.QR) > 0 {
		pdf.RegisterImageOptionsReader("qr", fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(images.QR))
		pdf.ImageOptions("qr", 160, 10, 40, 40, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	}

	pdf.SetY(55)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range []string{"Campo", "Valor detectado", "Valor sugerido"} {
		pdf.CellFormat(tableWidths[i], 8, tr(h), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for _, row := range rows {
		pdf.CellFormat(tableWidths[0], 7, tr(row.Campo), "1", 0, "L", false, 0, "")
		pdf.CellFormat(tableWidths[1], 7, tr(row.Original), "1", 0, "L", false, 0, "")
		pdf.CellFormat(tableWidths[2], 7, tr(row.Sugerido), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	if c[KeyResultado] != "" || c[KeyNotaRevalidacion] != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, tr("Revalidación"), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		if c[KeyResultado] != "" {
			pdf.MultiCell(0, 5, tr("Resultado: "+c[KeyResultado]), "", "L", false)
		}
		if c[KeyNotaRevalidacion] != "" {
			pdf.MultiCell(0, 5, tr(c[KeyNotaRevalidacion]), "", "L", false)
		}
	}

	if c[KeyNota] != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, "Nota", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, tr(c[KeyNota]), "", "L", false)
	}

	if len(images.Photo) > 0 {
		if photoType, err := embeddableType(images.Photo); err != nil {
			slog.Warn("Skipping ticket photo", "filename", c[KeyImagen], "error", err)
		} else {
			if images.PhotoType != "" && images.PhotoType != photoType {
				slog.Debug("Ticket photo extension does not match its content", "filename", c[KeyImagen], "extension_type", images.PhotoType, "content_type", photoType)
			}
			opts := fpdf.ImageOptions{ImageType: photoType, ReadDpi: false}
			pdf.RegisterImageOptionsReader("foto", opts, bytes.NewReader(images.Photo))
			pdf.Ln(6)
			y := pdf.GetY()
			if y > 180 {
				pdf.AddPage()
				y = pdf.GetY()
			}
			pdf.ImageOptions("foto", 10, y, 90, 0, false, opts, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// embeddableType sniffs the photo's real format, since uploads are often
// named after a different one.
func embeddableType(photo []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(photo))
	if err != nil {
		return "", err
	}
	switch format {
	case "png":
		return "PNG", nil
	case "jpeg":
		return "JPG", nil
	case "gif":
		return "GIF", nil
	}
	return "", fmt.Errorf("unsupported photo format %q", format)
}
