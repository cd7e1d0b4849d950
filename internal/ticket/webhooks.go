package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/tiquetes/internal/extraction"
	"github.com/zombor/tiquetes/internal/webhook"
)

// RevalidationTimeout bounds the revalidation webhook call
const RevalidationTimeout = 30 * time.Second

// ErrNoWeight is returned when the weighing webhook answers without a weight
var ErrNoWeight = errors.New("weighing webhook returned no weight")

// RegistrationPayload is sent to the registration webhook
type RegistrationPayload struct {
	TicketID           string             `json:"ticket_id"`
	Codigo             string             `json:"codigo"`
	Nombre             string             `json:"nombre_agricultor"`
	FechaProcesamiento string             `json:"fecha_procesamiento"`
	HoraProcesamiento  string             `json:"hora_procesamiento"`
	Nota               string             `json:"nota,omitempty"`
	TableData          []extraction.Field `json:"table_data"`
	PDFURL             string             `json:"pdf_url"`
	QRURL              string             `json:"qr_url"`
	GuideURL           string             `json:"guia_url"`
}

// AuthorizationPayload is sent to the administrator notification webhook
type AuthorizationPayload struct {
	TicketID  string    `json:"ticket_id"`
	Codigo    string    `json:"codigo"`
	Nombre    string    `json:"nombre_agricultor"`
	Code      string    `json:"codigo_autorizacion"`
	Motivo    string    `json:"motivo"`
	ExpiresAt time.Time `json:"expira"`
}

// WeighingPayload is sent to the weighing webhook
type WeighingPayload struct {
	TicketID string  `json:"ticket_id"`
	Codigo   string  `json:"codigo"`
	Nombre   string  `json:"nombre_agricultor"`
	Kilos    float64 `json:"kilos,omitempty"`
	Manual   bool    `json:"manual"`
}

// ClassificationPayload is sent to the classification webhook
type ClassificationPayload struct {
	TicketID    string             `json:"ticket_id"`
	Codigo      string             `json:"codigo"`
	Kilos       float64            `json:"kilos"`
	Categorias  map[string]float64 `json:"categorias"`
	Observacion string             `json:"observacion,omitempty"`
}

// Webhooks are the outbound calls of the workflow after OCR
type Webhooks interface {
	// Revalidate asks the revalidation scenario to confirm critical edits
	Revalidate(ctx context.Context, deltas []Delta) (*Revalidation, error)

	// Register announces a registered ticket
	Register(ctx context.Context, payload RegistrationPayload) error

	// NotifyAdmin forwards an authorization code to the administrator
	NotifyAdmin(ctx context.Context, payload AuthorizationPayload) error

	// Weigh records the weighing and returns the weight in kilos
	Weigh(ctx context.Context, payload WeighingPayload) (float64, error)

	// Classify records the classification
	Classify(ctx context.Context, payload ClassificationPayload) error
}

// WebhookURLs configures each outbound webhook. An empty URL disables the
// call; the step then succeeds locally.
type WebhookURLs struct {
	Registration   string
	Revalidation   string
	Admin          string
	Weighing       string
	Classification string
}

// JSONPoster is the slice of webhook.Client the workflow needs
type JSONPoster interface {
	PostJSON(ctx context.Context, url string, payload any) (*webhook.Response, error)
}

// HTTPWebhooks implements Webhooks with JSON posts
type HTTPWebhooks struct {
	client JSONPoster
	urls   WebhookURLs
}

// NewHTTPWebhooks creates a new HTTPWebhooks
func NewHTTPWebhooks(client JSONPoster, urls WebhookURLs) *HTTPWebhooks {
	return &HTTPWebhooks{client: client, urls: urls}
}

// revalidationRequest is the envelope the revalidation scenario expects
type revalidationRequest struct {
	JSON struct {
		Modificaciones []Delta `json:"modificaciones"`
	} `json:"json"`
}

// Revalidate posts {"json":{"modificaciones":[...]}} with a 30 second bound
func (h *HTTPWebhooks) Revalidate(ctx context.Context, deltas []Delta) (*Revalidation, error) {
	if h.urls.Revalidation == "" {
		slog.Warn("Revalidation webhook not configured, accepting edits", "deltas", len(deltas))
		return &Revalidation{Deltas: deltas, Resultado: "sin verificación externa"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, RevalidationTimeout)
	defer cancel()

	var req revalidationRequest
	req.JSON.Modificaciones = deltas
	resp, err := h.client.PostJSON(ctx, h.urls.Revalidation, req)
	if err != nil {
		return nil, fmt.Errorf("calling revalidation webhook: %w", err)
	}

	r := parseRevalidationResponse(resp.Body)
	r.Deltas = deltas
	r.StatusCode = resp.StatusCode
	return r, nil
}

// Register posts the registration payload
func (h *HTTPWebhooks) Register(ctx context.Context, payload RegistrationPayload) error {
	return h.post(ctx, "registration", h.urls.Registration, payload)
}

// NotifyAdmin posts the authorization code to the administrator webhook
func (h *HTTPWebhooks) NotifyAdmin(ctx context.Context, payload AuthorizationPayload) error {
	return h.post(ctx, "admin", h.urls.Admin, payload)
}

// Classify posts the classification payload
func (h *HTTPWebhooks) Classify(ctx context.Context, payload ClassificationPayload) error {
	return h.post(ctx, "classification", h.urls.Classification, payload)
}

// Weigh posts the weighing payload. Manual weights are returned as sent;
// otherwise the scale's answer ({"kilos": n}, {"peso": n} or a bare number)
// is the weight.
func (h *HTTPWebhooks) Weigh(ctx context.Context, payload WeighingPayload) (float64, error) {
	if h.urls.Weighing == "" {
		if !payload.Manual {
			return 0, ErrNoWeight
		}
		slog.Warn("Weighing webhook not configured, keeping manual weight", "ticket_id", payload.TicketID)
		return payload.Kilos, nil
	}

	resp, err := h.client.PostJSON(ctx, h.urls.Weighing, payload)
	if err != nil {
		return 0, fmt.Errorf("calling weighing webhook: %w", err)
	}
	if payload.Manual {
		return payload.Kilos, nil
	}
	return parseWeight(resp.Body)
}

func (h *HTTPWebhooks) post(ctx context.Context, name, url string, payload any) error {
	if url == "" {
		slog.Warn("Webhook not configured, skipping", "webhook", name)
		return nil
	}
	if _, err := h.client.PostJSON(ctx, url, payload); err != nil {
		return fmt.Errorf("calling %s webhook: %w", name, err)
	}
	return nil
}

// parseWeight reads the scale's answer. Only finite weights above zero
// count, like manual ones.
func parseWeight(body []byte) (float64, error) {
	var decoded struct {
		Kilos *float64 `json:"kilos"`
		Peso  *float64 `json:"peso"`
	}
	kilos := math.NaN()
	if err := json.Unmarshal(body, &decoded); err == nil {
		switch {
		case decoded.Kilos != nil:
			kilos = *decoded.Kilos
		case decoded.Peso != nil:
			kilos = *decoded.Peso
		}
	}
	if math.IsNaN(kilos) {
		text := strings.ReplaceAll(strings.TrimSpace(string(body)), ",", ".")
		if n, err := strconv.ParseFloat(text, 64); err == nil {
			kilos = n
		}
	}

	if math.IsNaN(kilos) || math.IsInf(kilos, 0) || kilos <= 0 {
		return 0, ErrNoWeight
	}
	return kilos, nil
}
