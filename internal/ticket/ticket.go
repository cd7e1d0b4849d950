package ticket

import (
	"time"

	"github.com/zombor/tiquetes/internal/extraction"
)

// Ticket is the session-scoped record of one photographed ticket
type Ticket struct {
	ID               string                   `json:"id"`
	Stage            Stage                    `json:"stage"`
	ImageFilename    string                   `json:"image_filename"`
	OriginalFilename string                   `json:"original_filename"`
	ContentType      string                   `json:"content_type"`
	RawResponse      string                   `json:"raw_response,omitempty"`
	Parsed           *extraction.ParsedTicket `json:"parsed,omitempty"`
	Revalidation     *Revalidation            `json:"revalidation,omitempty"`
	Registration     *Registration            `json:"registration,omitempty"`
	Weighing         *Weighing                `json:"weighing,omitempty"`
	Classification   *Classification          `json:"classification,omitempty"`
	Artifacts        Artifacts                `json:"artifacts"`
	History          []StageChange            `json:"history"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// StageChange records when a ticket entered a stage
type StageChange struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Registration holds what was sent to the registration webhook
type Registration struct {
	Codigo             string `json:"codigo"`
	Nombre             string `json:"nombre"`
	Nota               string `json:"nota,omitempty"`
	FechaProcesamiento string `json:"fecha_procesamiento"`
	HoraProcesamiento  string `json:"hora_procesamiento"`
	DriveFileID        string `json:"drive_file_id,omitempty"`
}

// Weighing holds the weighing step
type Weighing struct {
	Kilos     float64   `json:"kilos"`
	Manual    bool      `json:"manual"`
	WeighedAt time.Time `json:"weighed_at"`
}

// Classification holds the fruit quality split, category -> percentage
type Classification struct {
	Categorias   map[string]float64 `json:"categorias"`
	Observacion  string             `json:"observacion,omitempty"`
	ClassifiedAt time.Time          `json:"classified_at"`
}

// Artifacts are the generated files, by name inside Storage
type Artifacts struct {
	QR    string `json:"qr,omitempty"`
	PDF   string `json:"pdf,omitempty"`
	Guide string `json:"guide,omitempty"`
}

// Codigo returns the producer code printed on artifacts. Revalidated values
// take precedence over the extracted ones.
func (t *Ticket) Codigo() string {
	if t.Revalidation != nil && t.Revalidation.Codigo != "" {
		return t.Revalidation.Codigo
	}
	return t.Parsed.Value(extraction.FieldCodigo)
}

// Nombre returns the farmer name printed on artifacts
func (t *Ticket) Nombre() string {
	if t.Revalidation != nil && t.Revalidation.Nombre != "" {
		return t.Revalidation.Nombre
	}
	return t.Parsed.Value(extraction.FieldNombreAgricultor)
}
