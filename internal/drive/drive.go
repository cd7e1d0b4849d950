package drive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Uploader stores generated tickets in a Google Drive folder
type Uploader struct {
	service  *drivev3.Service
	folderID string
}

// NewUploader creates an Uploader authenticated with a service account
// credentials file
func NewUploader(ctx context.Context, credentialsFile, folderID string) (*Uploader, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("drive credentials file is required")
	}
	service, err := drivev3.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(drivev3.DriveFileScope),
	)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}
	return NewUploaderWithService(service, folderID), nil
}

// NewUploaderWithService wraps an existing Drive client, e.g. one pointed at
// a fake endpoint in tests
func NewUploaderWithService(service *drivev3.Service, folderID string) *Uploader {
	return &Uploader{service: service, folderID: folderID}
}

// Upload creates the file in the folder and returns its Drive ID
func (u *Uploader) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	file := &drivev3.File{Name: name, MimeType: mimeType}
	if u.folderID != "" {
		file.Parents = []string{u.folderID}
	}

	created, err := u.service.Files.Create(file).
		Media(bytes.NewReader(data)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("uploading %s to drive: %w", name, err)
	}

	slog.Info("Uploaded file to Drive", "name", name, "file_id", created.Id, "size", len(data))
	return created.Id, nil
}
