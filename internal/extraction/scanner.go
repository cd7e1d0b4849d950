package extraction

import "context"

// Scanner sends a ticket image to a recognition service and returns its
// textual (markdown) response. The response is turned into fields by Parse.
type Scanner interface {
	// Scan analyzes a ticket image and returns the raw recognition output
	Scan(ctx context.Context, filename string, imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}

// ticketScanPrompt is the shared prompt used by the LLM backends. It asks for
// the same markdown table the OCR webhook produces so Parse handles both.
const ticketScanPrompt = `Eres un asistente que digitaliza tiquetes de recepción de fruta fotografiados.
Lee con cuidado todo el texto de la imagen y devuelve ÚNICAMENTE una tabla markdown con este formato:

| Campo | Valor Detectado | Valor Sugerido |
|-------|-----------------|----------------|
| Fecha | ... | ... |
| Nombre del Agricultor | ... | ... |
| Código | ... | ... |
| Placa | ... | ... |
| Cantidad de Racimos | ... | ... |
| Total Kilos | ... | ... |
| Transportador | ... | ... |

Reglas:
- "Valor Detectado" es el texto tal como aparece en el tiquete.
- "Valor Sugerido" es una corrección si el texto parece mal escrito o ilegible; si no hay corrección escribe "No disponible".
- Omite las filas de campos que no aparezcan en el tiquete.
- Después de la tabla puedes agregar una línea "Nota: ..." con observaciones.`
