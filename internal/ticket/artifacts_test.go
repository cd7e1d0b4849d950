package ticket

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/image/bmp"

	"github.com/zombor/tiquetes/internal/extraction"
)

func registeredTicket() *Ticket {
	return &Ticket{
		ID:            "ticket-1",
		Stage:         StageRegistered,
		ImageFilename: "uploads/ticket-1_foto.png",
		Parsed: &extraction.ParsedTicket{
			TableData: []extraction.Field{
				extraction.NewField(extraction.FieldNombreAgricultor, "Juan", "Juan Pérez"),
				extraction.NewField(extraction.FieldCodigo, "A1", extraction.NotAvailable),
				extraction.NewField(extraction.FieldTotalKilos, "1000", extraction.NotAvailable),
			},
			Nota: "revisar placa",
		},
		Revalidation: &Revalidation{Resultado: "Validado", Nota: "nombre corregido"},
		Registration: &Registration{
			Codigo:             "A1",
			Nombre:             "Juan Pérez",
			FechaProcesamiento: "2024-02-01",
			HoraProcesamiento:  "09:30:00",
		},
		Artifacts: Artifacts{Guide: "guias/guia_A1_1706779800.html", QR: "qr/qr_A1_1706779800.png"},
	}
}

func pngImage() []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.White)
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Artifact names", func() {
	at := time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)

	It("builds filenames from the producer code", func() {
		Expect(PDFFilename("A1", "2024-02-01")).To(Equal("tiquete_A1_2024-02-01.pdf"))
		Expect(QRFilename("A1", at)).To(Equal("qr_A1_1706779800.png"))
		Expect(GuideFilename("A1", at)).To(Equal("guia_A1_1706779800.html"))
	})

	It("makes unsafe codes safe", func() {
		Expect(PDFFilename("../A 1/x", "2024-02-01")).To(Equal("tiquete_A-1-x_2024-02-01.pdf"))
		Expect(PDFFilename("  ", "2024-02-01")).To(Equal("tiquete_sin-codigo_2024-02-01.pdf"))
	})

	It("builds public URLs", func() {
		Expect(PublicURL("https://x.example/", "pdfs/tiquete A1.pdf")).To(Equal("https://x.example/pdfs/tiquete%20A1.pdf"))
		Expect(PublicURL("https://x.example", "")).To(BeEmpty())
	})
})

var _ = Describe("BuildQRPayload", func() {
	It("points at the guide page with identity parameters", func() {
		payload := BuildQRPayload("https://tiquetes.example.com", registeredTicket())

		u, err := url.Parse(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(u.Host).To(Equal("tiquetes.example.com"))
		Expect(u.Path).To(Equal("/guias/guia_A1_1706779800.html"))
		Expect(u.Query().Get("codigo")).To(Equal("A1"))
		Expect(u.Query().Get("nombre")).To(Equal("Juan Pérez"))
		Expect(u.Query().Get("fecha")).To(Equal("2024-02-01"))
	})
})

var _ = Describe("PDFContext", func() {
	var (
		t       *Ticket
		issued  time.Time
		context PDFContext
	)

	BeforeEach(func() {
		t = registeredTicket()
		issued = time.Date(2024, 2, 1, 9, 31, 5, 0, time.UTC)
	})

	JustBeforeEach(func() {
		context = BuildPDFContext(t, issued)
	})

	It("flattens the ticket", func() {
		Expect(context).To(HaveKeyWithValue(KeyCodigo, "A1"))
		Expect(context).To(HaveKeyWithValue(KeyNombre, "Juan Pérez"))
		Expect(context).To(HaveKeyWithValue(KeyFechaProcesamiento, "2024-02-01"))
		Expect(context).To(HaveKeyWithValue(KeyHoraEmision, "09:31:05"))
		Expect(context).To(HaveKeyWithValue(KeyNota, "revisar placa"))
		Expect(context).To(HaveKeyWithValue(KeyResultado, "Validado"))
		Expect(context).To(HaveKeyWithValue(KeyFilas, "3"))
	})

	It("gives the table rows back in order", func() {
		rows, err := FieldsFromPDFContext(context)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal(t.Parsed.TableData))
	})

	When("the row count is missing", func() {
		It("fails", func() {
			delete(context, KeyFilas)
			_, err := FieldsFromPDFContext(context)
			Expect(err).To(HaveOccurred())
		})
	})

	When("a row is missing", func() {
		It("fails", func() {
			delete(context, "fila.1.campo")
			_, err := FieldsFromPDFContext(context)
			Expect(err).To(MatchError(ContainSubstring("missing row 1")))
		})
	})
})

var _ = Describe("Renderers", func() {
	It("encodes QR codes as PNG", func() {
		data, err := NewPNGQREncoder(128).Encode("https://tiquetes.example.com/guias/guia_A1_1.html")
		Expect(err).NotTo(HaveOccurred())

		img, format, err := image.Decode(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
		Expect(img.Bounds().Dx()).To(Equal(128))
	})

	It("refuses an empty QR payload", func() {
		_, err := NewPNGQREncoder(0).Encode("")
		Expect(err).To(HaveOccurred())
	})

	It("renders a PDF with QR and photo", func() {
		qr, err := NewPNGQREncoder(128).Encode("https://tiquetes.example.com")
		Expect(err).NotTo(HaveOccurred())

		data, err := NewFPDFRenderer().Render(BuildPDFContext(registeredTicket(), time.Now()), PDFImages{
			QR:        qr,
			Photo:     pngImage(),
			PhotoType: "PNG",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data[:5])).To(Equal("%PDF-"))
	})

	It("embeds a photo whose extension names another format", func() {
		data, err := NewFPDFRenderer().Render(BuildPDFContext(registeredTicket(), time.Now()), PDFImages{
			Photo:     pngImage(),
			PhotoType: "JPG",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data[:5])).To(Equal("%PDF-"))
	})

	It("skips a photo fpdf cannot embed", func() {
		var buf bytes.Buffer
		Expect(bmp.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4)))).To(Succeed())

		data, err := NewFPDFRenderer().Render(BuildPDFContext(registeredTicket(), time.Now()), PDFImages{
			Photo: buf.Bytes(),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data[:5])).To(Equal("%PDF-"))
	})

	It("skips a photo that cannot be decoded", func() {
		data, err := NewFPDFRenderer().Render(BuildPDFContext(registeredTicket(), time.Now()), PDFImages{
			Photo:     []byte("not an image"),
			PhotoType: "JPG",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data[:5])).To(Equal("%PDF-"))
	})
})

var _ = Describe("ArtifactGenerator", func() {
	var (
		storage   *mockStorage
		generator *ArtifactGenerator
		t         *Ticket
		now       time.Time
	)

	BeforeEach(func() {
		storage = newMockStorage()
		storage.files["uploads/ticket-1_foto.png"] = pngImage()
		generator = NewArtifactGenerator(storage, NewPNGQREncoder(128), NewFPDFRenderer(), "https://tiquetes.example.com/")
		t = registeredTicket()
		t.Artifacts = Artifacts{}
		now = time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
	})

	It("writes the QR, PDF and guide page", func() {
		Expect(generator.Generate(t, now)).To(Succeed())

		Expect(t.Artifacts).To(Equal(Artifacts{
			QR:    "qr/qr_A1_1706779800.png",
			PDF:   "pdfs/tiquete_A1_2024-02-01.pdf",
			Guide: "guias/guia_A1_1706779800.html",
		}))
		Expect(string(storage.files[t.Artifacts.PDF][:5])).To(Equal("%PDF-"))
		Expect(storage.files[t.Artifacts.QR]).NotTo(BeEmpty())
		Expect(string(storage.files[t.Artifacts.Guide])).To(ContainSubstring("Juan Pérez"))
		Expect(generator.PublicURL(t.Artifacts.PDF)).To(Equal("https://tiquetes.example.com/pdfs/tiquete_A1_2024-02-01.pdf"))
	})

	It("renders a PNG photo uploaded with a .jpg name", func() {
		storage.files["uploads/ticket-1_foto.jpg"] = pngImage()
		t.ImageFilename = "uploads/ticket-1_foto.jpg"

		Expect(generator.Generate(t, now)).To(Succeed())
		Expect(string(storage.files[t.Artifacts.PDF][:5])).To(Equal("%PDF-"))
	})

	It("still renders when the photo is gone", func() {
		delete(storage.files, "uploads/ticket-1_foto.png")
		Expect(generator.Generate(t, now)).To(Succeed())
		Expect(storage.files).To(HaveKey("pdfs/tiquete_A1_2024-02-01.pdf"))
	})

	It("reports storage failures as artifact errors", func() {
		storage.saveErr = ErrInvalidPath
		err := generator.Generate(t, now)

		var artifactErr *ArtifactError
		Expect(err).To(BeAssignableToTypeOf(artifactErr))
		Expect(err).To(MatchError(ErrInvalidPath))
	})

	It("skips the guide page before registration", func() {
		t.Artifacts = Artifacts{}
		Expect(generator.WriteGuide(t, now)).To(Succeed())
		Expect(storage.files).To(HaveLen(1))
	})
})
