package extraction

import (
	"context"
	"fmt"

	"github.com/zombor/tiquetes/internal/webhook"
)

// Poster is the slice of webhook.Client the scanner needs
type Poster interface {
	PostFile(ctx context.Context, url string, file webhook.File, fields map[string]string) (*webhook.Response, error)
}

// Webhook implements the Scanner interface by forwarding the image to the
// OCR/automation webhook as a multipart upload.
type Webhook struct {
	url    string
	client Poster
}

// NewWebhook creates a new Webhook scanner
func NewWebhook(url string, client Poster) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("ocr webhook url is required")
	}
	return &Webhook{url: url, client: client}, nil
}

// Scan uploads the ticket image and returns the webhook's text response
func (w *Webhook) Scan(ctx context.Context, filename string, imageData []byte, contentType string) (string, error) {
	data, mimeType, converted, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}
	if converted {
		filename = pngFilename(filename)
	}

	resp, err := w.client.PostFile(ctx, w.url, webhook.File{
		Field:       "file",
		Filename:    filename,
		ContentType: mimeType,
		Data:        data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("calling ocr webhook: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", &ParseError{Reason: "empty response"}
	}
	return text, nil
}

// Close is a no-op; the HTTP client has nothing to release
func (w *Webhook) Close() error {
	return nil
}
