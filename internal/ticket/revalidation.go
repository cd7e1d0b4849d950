package ticket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zombor/tiquetes/internal/extraction"
)

// EditedRow is a row of the review table as submitted by the operator
type EditedRow struct {
	Campo    string `json:"campo" validate:"required"`
	Original string `json:"original"`
	Sugerido string `json:"sugerido"`
}

// Delta is a critical field whose submitted value differs from the extracted one
type Delta struct {
	Campo           string `json:"campo"`
	ValorAnterior   string `json:"valor_anterior"`
	ValorModificado string `json:"valor_modificado"`
}

// Diff returns one Delta per critical field whose submitted "sugerido"
// differs from the stored original after trimming. A blank value or the
// "No disponible" sentinel keeps the original and never produces a delta,
// matching how ApplyEdits stores them. Rows for
// non-critical or unknown fields are ignored.
func Diff(original *extraction.ParsedTicket, edited []EditedRow) []Delta {
	var deltas []Delta
	seen := make(map[extraction.FieldKind]bool)

	for _, row := range edited {
		kind := extraction.KindOf(row.Campo)
		if !kind.Critical() || seen[kind] {
			continue
		}
		seen[kind] = true

		var before string
		if stored, ok := original.Field(kind); ok {
			before = strings.TrimSpace(stored.Original)
		}
		after := strings.TrimSpace(row.Sugerido)
		if after == "" || strings.EqualFold(after, extraction.NotAvailable) {
			continue
		}
		if after != before {
			deltas = append(deltas, Delta{
				Campo:           kind.String(),
				ValorAnterior:   before,
				ValorModificado: after,
			})
		}
	}
	return deltas
}

// ApplyEdits returns a copy of parsed with the submitted suggestions
// written over the matching rows. Critical fields missing from the OCR
// result are appended when the operator filled them in.
func ApplyEdits(parsed *extraction.ParsedTicket, edited []EditedRow) *extraction.ParsedTicket {
	out := parsed.Clone()
	if out == nil {
		out = &extraction.ParsedTicket{}
	}

	for _, row := range edited {
		kind := extraction.KindOf(row.Campo)
		if kind == extraction.FieldUnknown {
			continue
		}
		suggested := strings.TrimSpace(row.Sugerido)
		if suggested == "" {
			suggested = extraction.NotAvailable
		}

		found := false
		for i := range out.TableData {
			if out.TableData[i].Kind == kind {
				out.TableData[i].Sugerido = suggested
				found = true
				break
			}
		}
		if !found && suggested != extraction.NotAvailable {
			out.TableData = append(out.TableData, extraction.NewField(kind, "", suggested))
		}
	}
	return out
}

// Revalidation is the confirmation obtained from the revalidation webhook
type Revalidation struct {
	Deltas     []Delta   `json:"modificaciones"`
	Resultado  string    `json:"resultado"`
	Codigo     string    `json:"codigo,omitempty"`
	Nombre     string    `json:"nombre,omitempty"`
	Nota       string    `json:"nota,omitempty"`
	StatusCode int       `json:"webhook_status"`
	At         time.Time `json:"at"`
}

// Covers reports whether this confirmation was obtained for exactly the
// given deltas.
func (r *Revalidation) Covers(deltas []Delta) bool {
	if r == nil || len(r.Deltas) != len(deltas) {
		return false
	}
	confirmed := make(map[string]string, len(r.Deltas))
	for _, d := range r.Deltas {
		confirmed[d.Campo] = d.ValorModificado
	}
	for _, d := range deltas {
		if v, ok := confirmed[d.Campo]; !ok || v != d.ValorModificado {
			return false
		}
	}
	return true
}

// revalidationBody mirrors the JSON answer of the revalidation scenario
type revalidationBody struct {
	Body struct {
		Resultado string `json:"Resultado"`
		Codigo    string `json:"Codigo"`
		Nombre    string `json:"Nombre"`
		Nota      string `json:"Nota"`
	} `json:"Body"`
}

// parseRevalidationResponse accepts either the JSON envelope or the
// structured text form ("Resultado: ...", "Codigo: ...") of the answer.
func parseRevalidationResponse(body []byte) *Revalidation {
	var decoded revalidationBody
	if err := json.Unmarshal(body, &decoded); err == nil {
		return &Revalidation{
			Resultado: strings.TrimSpace(decoded.Body.Resultado),
			Codigo:    strings.TrimSpace(decoded.Body.Codigo),
			Nombre:    strings.TrimSpace(decoded.Body.Nombre),
			Nota:      strings.TrimSpace(decoded.Body.Nota),
		}
	}

	r := &Revalidation{}
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "resultado":
			r.Resultado = value
		case "codigo", "código":
			r.Codigo = value
		case "nombre":
			r.Nombre = value
		case "nota":
			r.Nota = value
		}
	}
	return r
}
