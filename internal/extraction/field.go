package extraction

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NotAvailable is the suggestion sentinel meaning "keep the original value".
const NotAvailable = "No disponible"

// FieldKind identifies one of the known ticket fields
type FieldKind int

const (
	FieldUnknown FieldKind = iota
	FieldFecha
	FieldNombreAgricultor
	FieldCodigo
	FieldPlaca
	FieldCantidadRacimos
	FieldTotalKilos
	FieldTransportador
)

// KnownKinds lists the vocabulary in the order rows are presented.
var KnownKinds = []FieldKind{
	FieldFecha,
	FieldNombreAgricultor,
	FieldCodigo,
	FieldPlaca,
	FieldCantidadRacimos,
	FieldTotalKilos,
	FieldTransportador,
}

var kindNames = map[FieldKind]string{
	FieldFecha:            "Fecha",
	FieldNombreAgricultor: "Nombre del Agricultor",
	FieldCodigo:           "Código",
	FieldPlaca:            "Placa",
	FieldCantidadRacimos:  "Cantidad de Racimos",
	FieldTotalKilos:       "Total Kilos",
	FieldTransportador:    "Transportador",
}

// aliases maps normalized labels (see normalizeLabel) to a kind. The
// canonical names are added in init.
var aliases = map[string]FieldKind{
	"agricultor":            FieldNombreAgricultor,
	"nombre agricultor":     FieldNombreAgricultor,
	"nombre de agricultor":  FieldNombreAgricultor,
	"cod":                   FieldCodigo,
	"codigo agricultor":     FieldCodigo,
	"codigo del agricultor": FieldCodigo,
	"placa vehiculo":        FieldPlaca,
	"placa del vehiculo":    FieldPlaca,
	"racimos":               FieldCantidadRacimos,
	"cantidad racimos":      FieldCantidadRacimos,
	"numero de racimos":     FieldCantidadRacimos,
	"kilos":                 FieldTotalKilos,
	"total kg":              FieldTotalKilos,
	"kilos totales":         FieldTotalKilos,
	"transportista":         FieldTransportador,
	"fecha de ingreso":      FieldFecha,
}

func init() {
	for kind, name := range kindNames {
		aliases[normalizeLabel(name)] = kind
	}
}

// String returns the human label used as "campo"
func (k FieldKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Desconocido"
}

// Critical reports whether edits to this field require revalidation.
func (k FieldKind) Critical() bool {
	switch k {
	case FieldNombreAgricultor, FieldCodigo:
		return true
	case FieldUnknown, FieldFecha, FieldPlaca, FieldCantidadRacimos, FieldTotalKilos, FieldTransportador:
		return false
	}
	return false
}

// KindOf resolves a free-text label to a field kind. Labels that are not
// part of the vocabulary resolve to FieldUnknown.
func KindOf(label string) FieldKind {
	if kind, ok := aliases[normalizeLabel(label)]; ok {
		return kind
	}
	return FieldUnknown
}

// Field is one row of the review table
type Field struct {
	Kind     FieldKind `json:"-"`
	Campo    string    `json:"campo"`
	Original string    `json:"original"`
	Sugerido string    `json:"sugerido"`
}

// NewField builds a row for a known kind
func NewField(kind FieldKind, original, sugerido string) Field {
	return Field{
		Kind:     kind,
		Campo:    kind.String(),
		Original: original,
		Sugerido: sugerido,
	}
}

// HasSuggestion reports whether Sugerido carries a value distinct from the sentinel.
func (f Field) HasSuggestion() bool {
	s := strings.TrimSpace(f.Sugerido)
	return s != "" && !strings.EqualFold(s, NotAvailable)
}

// Value returns the effective value of the field: the suggestion when there
// is one, the original otherwise.
func (f Field) Value() string {
	if f.HasSuggestion() {
		return strings.TrimSpace(f.Sugerido)
	}
	return strings.TrimSpace(f.Original)
}

// ParsedTicket is the structured result of one OCR response
type ParsedTicket struct {
	TableData []Field `json:"table_data"`
	Nota      string  `json:"nota,omitempty"`
}

// Field returns the row for kind, if present
func (p *ParsedTicket) Field(kind FieldKind) (Field, bool) {
	if p == nil {
		return Field{}, false
	}
	for _, f := range p.TableData {
		if f.Kind == kind {
			return f, true
		}
	}
	return Field{}, false
}

// Value returns the effective value for kind or "" when the field is missing
func (p *ParsedTicket) Value(kind FieldKind) string {
	f, ok := p.Field(kind)
	if !ok {
		return ""
	}
	return f.Value()
}

// Clone returns a deep copy
func (p *ParsedTicket) Clone() *ParsedTicket {
	if p == nil {
		return nil
	}
	rows := make([]Field, len(p.TableData))
	copy(rows, p.TableData)
	return &ParsedTicket{TableData: rows, Nota: p.Nota}
}

// RestoreKinds fills Kind from Campo. Kind is not serialized, so rows
// decoded from JSON need this before use.
func (p *ParsedTicket) RestoreKinds() {
	if p == nil {
		return
	}
	for i := range p.TableData {
		p.TableData[i].Kind = KindOf(p.TableData[i].Campo)
	}
}

// normalizeLabel lowercases, strips accents and punctuation and collapses spaces.
func normalizeLabel(s string) string {
	// Chained transformers keep state, so one is built per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}
