package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// maxLoggedBody bounds how much of a webhook response ends up in the logs
const maxLoggedBody = 2048

// Error is returned when a webhook is unreachable or answers with a
// status other than 200.
type Error struct {
	URL        string
	StatusCode int // 0 when the request never got a response
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("webhook %s unreachable: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unreachable reports whether the webhook never answered
func (e *Error) Unreachable() bool {
	return e.StatusCode == 0
}

// Response is a successful webhook answer
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Text returns the trimmed body as a string
func (r *Response) Text() string {
	return string(bytes.TrimSpace(r.Body))
}

// Client posts payloads to external webhooks
type Client struct {
	http *http.Client
}

// NewClient creates a Client whose requests are bounded by timeout. A zero
// timeout leaves requests bounded only by their context.
func NewClient(timeout time.Duration) *Client {
	return NewClientWithHTTP(&http.Client{Timeout: timeout})
}

// NewClientWithHTTP creates a Client around a custom http.Client for testing
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// PostJSON sends payload as a JSON body
func (c *Client) PostJSON(ctx context.Context, url string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Info("Calling webhook", "url", url, "payload", string(body))
	return c.do(req)
}

// File is a multipart file part
type File struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// PostFile sends a multipart form with one file part and optional plain fields
func (c *Client) PostFile(ctx context.Context, url string, file File, fields map[string]string) (*Response, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Filename))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("writing file data: %w", err)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("writing field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	slog.Info("Calling webhook",
		"url", url,
		"filename", file.Filename,
		"content_type", contentType,
		"file_size", len(file.Data),
	)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	url := req.URL.String()

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Webhook unreachable", "url", url, "error", err)
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("Error reading webhook response", "url", url, "status", resp.StatusCode, "error", err)
		return nil, &Error{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	slog.Info("Webhook response", "url", url, "status", resp.StatusCode, "body", truncate(body))

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: url, StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func truncate(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "..."
}
