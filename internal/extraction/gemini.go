package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/tiquetes/internal/webhook"
)

// Gemini implements the Scanner interface using Google Gemini. It stands
// in for the OCR webhook when the automation service is not available.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
		name:   modelName,
	}, nil
}

// Scan asks Gemini for the field table of a ticket image
func (g *Gemini) Scan(ctx context.Context, filename string, imageData []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	data, mimeType, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData wants the format suffix ("png"), not the MIME type
	format := strings.TrimPrefix(mimeType, "image/")
	if format == "jpg" {
		format = "jpeg"
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData(format, data),
		genai.Text(ticketScanPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", geminiError(g.name, err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// geminiError reports a failed call the way the other OCR backends do, so
// callers can tell an unreachable service from a rejected request.
func geminiError(model string, err error) error {
	webhookErr := &webhook.Error{URL: "gemini:" + model, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		webhookErr.StatusCode = apiErr.Code
		webhookErr.Body = apiErr.Message
	}
	return webhookErr
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
