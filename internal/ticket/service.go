package ticket

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"math/big"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/tiquetes/internal/extraction"
	"github.com/zombor/tiquetes/internal/ledger"
)

// AllowedExtensions are the upload formats accepted at the door. HEIC and
// PDF are converted to PNG before OCR.
var AllowedExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".tif", ".heic", ".heif", ".pdf"}

// IDGenerator generates unique IDs for tickets
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Ledger records registered tickets
type Ledger interface {
	Append(entry ledger.Entry) error
}

// Uploader copies generated PDFs to remote storage and returns a file ID
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error)
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service runs the receiving workflow of the ticket held by each session
type Service struct {
	db          DB
	scanner     extraction.Scanner
	storage     Storage
	artifacts   *ArtifactGenerator
	webhooks    Webhooks
	ledger      Ledger
	uploader    Uploader
	authCodeTTL time.Duration
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner extraction.Scanner, storage Storage, artifacts *ArtifactGenerator, webhooks Webhooks) *Service {
	return NewServiceWithDeps(db, scanner, storage, artifacts, webhooks, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner extraction.Scanner, storage Storage, artifacts *ArtifactGenerator, webhooks Webhooks, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		artifacts:   artifacts,
		webhooks:    webhooks,
		authCodeTTL: time.Hour,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// WithLedger records every registration in l
func (s *Service) WithLedger(l Ledger) *Service {
	s.ledger = l
	return s
}

// WithUploader copies every generated PDF with u
func (s *Service) WithUploader(u Uploader) *Service {
	s.uploader = u
	return s
}

// WithAuthCodeTTL sets how long authorization codes stay valid. It must
// match the TTL of the DB.
func (s *Service) WithAuthCodeTTL(ttl time.Duration) *Service {
	s.authCodeTTL = ttl
	return s
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	// Get the extension
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	// Remove special characters, keep only alphanumeric, spaces, hyphens, and underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")

	// Spaces become underscores so the name is usable in URLs
	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(strings.TrimSpace(base), "_")

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "tiquete"
	}

	return base + ext
}

// allowedFile reports whether the upload's extension is accepted
func allowedFile(filename string) bool {
	return slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(filename)))
}

// Upload stores the photographed ticket and starts a new ticket for the
// session, replacing any previous one.
func (s *Service) Upload(sessionID, filename string, data []byte, contentType string) (*Ticket, error) {
	if !allowedFile(filename) {
		return nil, fmt.Errorf("%w: %s", ErrFileType, filepath.Ext(filename))
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	cleanFilename := sanitizeFilename(filename)
	savedPath, err := s.storage.Save(path.Join(UploadsDir, fmt.Sprintf("%s_%s", id, cleanFilename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	t := &Ticket{
		ID:               id,
		Stage:            StageUploaded,
		ImageFilename:    savedPath,
		OriginalFilename: filename,
		ContentType:      contentType,
		History:          []StageChange{{Stage: StageUploaded, At: now}},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.db.SaveTicket(sessionID, t); err != nil {
		// Clean up file if database save fails
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving ticket: %w", err)
	}

	slog.Info("Ticket uploaded", "ticket_id", id, "filename", savedPath, "file_size", len(data))
	return t, nil
}

// Current returns the session's ticket
func (s *Service) Current(sessionID string) (*Ticket, error) {
	t, err := s.db.GetTicket(sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting ticket: %w", err)
	}
	return t, nil
}

// Process sends the uploaded image to the OCR backend and parses the answer.
// A ticket already under review can be processed again; its edits and any
// revalidation are discarded.
func (s *Service) Process(ctx context.Context, sessionID string) (*Ticket, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.require("process", StageUploaded, StageReviewed); err != nil {
		return nil, err
	}

	data, err := s.storage.Get(t.ImageFilename)
	if err != nil {
		return nil, fmt.Errorf("reading ticket image: %w", err)
	}

	raw, err := s.scanner.Scan(ctx, filepath.Base(t.ImageFilename), data, t.ContentType)
	if err != nil {
		slog.Error("Failed to scan ticket",
			"ticket_id", t.ID,
			"content_type", t.ContentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}

	parsed, err := extraction.Parse(raw)
	if err != nil {
		slog.Error("Failed to parse OCR response", "ticket_id", t.ID, "error", err, "response", raw)
		return nil, fmt.Errorf("parsing ocr response: %w", err)
	}

	now := s.timeSource.Now()
	t.RawResponse = raw
	t.Parsed = parsed
	t.Revalidation = nil
	if t.Stage == StageUploaded {
		if err := t.Advance(StageReviewed, now); err != nil {
			return nil, err
		}
	} else {
		t.UpdatedAt = now
	}

	if err := s.db.SaveTicket(sessionID, t); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}

	slog.Info("Ticket processed", "ticket_id", t.ID, "fields", len(parsed.TableData))
	return t, nil
}

// UpdateResult is the outcome of submitting the review table
type UpdateResult struct {
	Ticket       *Ticket       `json:"ticket"`
	Deltas       []Delta       `json:"modificaciones"`
	Revalidation *Revalidation `json:"revalidacion,omitempty"`
}

// UpdateData stores the operator's edits. Changed critical fields are sent
// to the revalidation webhook; if it fails nothing is stored.
func (s *Service) UpdateData(ctx context.Context, sessionID string, edited []EditedRow) (*UpdateResult, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.require("update", StageReviewed); err != nil {
		return nil, err
	}

	deltas := Diff(t.Parsed, edited)
	var revalidation *Revalidation
	if len(deltas) > 0 {
		revalidation, err = s.webhooks.Revalidate(ctx, deltas)
		if err != nil {
			slog.Error("Revalidation failed", "ticket_id", t.ID, "deltas", len(deltas), "error", err)
			return nil, fmt.Errorf("revalidating ticket: %w", err)
		}
		revalidation.At = s.timeSource.Now()
	}

	t.Parsed = ApplyEdits(t.Parsed, edited)
	t.Revalidation = revalidation
	t.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveTicket(sessionID, t); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}

	slog.Info("Ticket data updated", "ticket_id", t.ID, "deltas", len(deltas))
	return &UpdateResult{Ticket: t, Deltas: deltas, Revalidation: revalidation}, nil
}

// pendingDeltas are the critical edits currently stored on the ticket
func pendingDeltas(t *Ticket) []Delta {
	if t.Parsed == nil {
		return nil
	}
	rows := make([]EditedRow, 0, len(t.Parsed.TableData))
	for _, f := range t.Parsed.TableData {
		rows = append(rows, EditedRow{Campo: f.Campo, Original: f.Original, Sugerido: f.Sugerido})
	}
	return Diff(t.Parsed, rows)
}

// Register generates the QR, PDF and guide page, announces the ticket to
// the registration webhook and moves it to registered.
func (s *Service) Register(ctx context.Context, sessionID string) (*Ticket, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	// nothing was read from the photo yet, so there is nothing to register
	if t.Parsed == nil {
		return nil, ErrMissingTicket
	}
	if err := t.require("register", StageReviewed); err != nil {
		return nil, err
	}
	if deltas := pendingDeltas(t); len(deltas) > 0 && !t.Revalidation.Covers(deltas) {
		return nil, ErrRevalidationRequired
	}

	now := s.timeSource.Now()
	nota := ""
	if t.Parsed != nil {
		nota = t.Parsed.Nota
	}
	t.Registration = &Registration{
		Codigo:             t.Codigo(),
		Nombre:             t.Nombre(),
		Nota:               nota,
		FechaProcesamiento: now.Format(dateLayout),
		HoraProcesamiento:  now.Format(timeLayout),
	}
	if err := t.Advance(StageRegistered, now); err != nil {
		return nil, err
	}

	if err := s.artifacts.Generate(t, now); err != nil {
		slog.Error("Failed to generate artifacts", "ticket_id", t.ID, "error", err)
		return nil, err
	}

	var rows []extraction.Field
	if t.Parsed != nil {
		rows = t.Parsed.TableData
	}
	err = s.webhooks.Register(ctx, RegistrationPayload{
		TicketID:           t.ID,
		Codigo:             t.Registration.Codigo,
		Nombre:             t.Registration.Nombre,
		FechaProcesamiento: t.Registration.FechaProcesamiento,
		HoraProcesamiento:  t.Registration.HoraProcesamiento,
		Nota:               nota,
		TableData:          rows,
		PDFURL:             s.artifacts.PublicURL(t.Artifacts.PDF),
		QRURL:              s.artifacts.PublicURL(t.Artifacts.QR),
		GuideURL:           s.artifacts.PublicURL(t.Artifacts.Guide),
	})
	if err != nil {
		slog.Error("Registration webhook failed", "ticket_id", t.ID, "error", err)
		return nil, fmt.Errorf("registering ticket: %w", err)
	}

	s.recordRegistration(ctx, t)

	if err := s.db.SaveTicket(sessionID, t); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}

	slog.Info("Ticket registered", "ticket_id", t.ID, "codigo", t.Registration.Codigo, "pdf", t.Artifacts.PDF)
	return t, nil
}

// recordRegistration appends to the ledger and uploads the PDF. Failures
// are logged and never undo the registration.
func (s *Service) recordRegistration(ctx context.Context, t *Ticket) {
	if s.ledger != nil {
		entry := ledger.Entry{
			TicketID:      t.ID,
			Fecha:         t.Registration.FechaProcesamiento,
			Hora:          t.Registration.HoraProcesamiento,
			Codigo:        t.Registration.Codigo,
			Nombre:        t.Registration.Nombre,
			Placa:         t.Parsed.Value(extraction.FieldPlaca),
			Racimos:       t.Parsed.Value(extraction.FieldCantidadRacimos),
			Kilos:         t.Parsed.Value(extraction.FieldTotalKilos),
			Transportador: t.Parsed.Value(extraction.FieldTransportador),
			Revalidado:    t.Revalidation != nil,
			PDF:           t.Artifacts.PDF,
		}
		if err := s.ledger.Append(entry); err != nil {
			slog.Error("Failed to append ledger row", "ticket_id", t.ID, "error", err)
		}
	}

	if s.uploader != nil {
		data, err := s.storage.Get(t.Artifacts.PDF)
		if err != nil {
			slog.Error("Failed to read PDF for upload", "ticket_id", t.ID, "pdf", t.Artifacts.PDF, "error", err)
			return
		}
		fileID, err := s.uploader.Upload(ctx, path.Base(t.Artifacts.PDF), data, "application/pdf")
		if err != nil {
			slog.Error("Failed to upload PDF", "ticket_id", t.ID, "pdf", t.Artifacts.PDF, "error", err)
			return
		}
		t.Registration.DriveFileID = fileID
	}
}

// randomCode returns a six digit code
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// RequestAuthorization issues a one-time code for a manual weighing and
// sends it to the administrator. The code is never returned to the caller.
func (s *Service) RequestAuthorization(ctx context.Context, sessionID, motivo string) (time.Time, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if err := t.require("authorize", StageRegistered); err != nil {
		return time.Time{}, err
	}

	code, err := randomCode()
	if err != nil {
		return time.Time{}, fmt.Errorf("generating authorization code: %w", err)
	}
	now := s.timeSource.Now()
	ac := &AuthCode{Code: code, SessionID: sessionID, TicketID: t.ID, IssuedAt: now}
	if err := s.db.SaveAuthCode(ac); err != nil {
		return time.Time{}, fmt.Errorf("saving authorization code: %w", err)
	}

	expires := now.Add(s.authCodeTTL)
	err = s.webhooks.NotifyAdmin(ctx, AuthorizationPayload{
		TicketID:  t.ID,
		Codigo:    t.Codigo(),
		Nombre:    t.Nombre(),
		Code:      code,
		Motivo:    motivo,
		ExpiresAt: expires,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("notifying administrator: %w", err)
	}

	slog.Info("Authorization code issued", "ticket_id", t.ID, "expires_at", expires)
	return expires, nil
}

// WeighRequest is a weighing submitted by the operator. Kilos and
// AuthorizationCode are only used for manual weighings.
type WeighRequest struct {
	Manual            bool    `json:"manual"`
	Kilos             float64 `json:"kilos" validate:"required_if=Manual true,gte=0"`
	AuthorizationCode string  `json:"codigo_autorizacion" validate:"required_if=Manual true"`
}

// Weigh records the weight from the scale webhook, or a manual weight
// authorized by an administrator code, and moves the ticket to weighing.
func (s *Service) Weigh(ctx context.Context, sessionID string, req WeighRequest) (*Ticket, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.require("weigh", StageRegistered); err != nil {
		return nil, err
	}

	if req.Manual {
		if req.Kilos <= 0 {
			return nil, ErrInvalidWeight
		}
		// the code is spent even if the webhook then fails
		ac, err := s.db.ConsumeAuthCode(strings.TrimSpace(req.AuthorizationCode), sessionID)
		if err != nil {
			return nil, err
		}
		if ac.TicketID != t.ID {
			return nil, ErrInvalidAuthorization
		}
	}

	kilos, err := s.webhooks.Weigh(ctx, WeighingPayload{
		TicketID: t.ID,
		Codigo:   t.Codigo(),
		Nombre:   t.Nombre(),
		Kilos:    req.Kilos,
		Manual:   req.Manual,
	})
	if err != nil {
		return nil, fmt.Errorf("weighing ticket: %w", err)
	}

	now := s.timeSource.Now()
	t.Weighing = &Weighing{Kilos: kilos, Manual: req.Manual, WeighedAt: now}
	if err := t.Advance(StageWeighing, now); err != nil {
		return nil, err
	}
	return s.saveWithGuide(sessionID, t, now)
}

// ClassifyRequest is the quality split of a weighed load
type ClassifyRequest struct {
	Categorias  map[string]float64 `json:"categorias" validate:"required,min=1,dive,keys,required,endkeys,gte=0,lte=100"`
	Observacion string             `json:"observacion"`
}

// Classify records the classification and moves the ticket to classified
func (s *Service) Classify(ctx context.Context, sessionID string, req ClassifyRequest) (*Ticket, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.require("classify", StageWeighing); err != nil {
		return nil, err
	}

	total := 0.0
	for _, pct := range req.Categorias {
		if pct < 0 || math.IsNaN(pct) {
			return nil, ErrInvalidClassification
		}
		total += pct
	}
	if len(req.Categorias) == 0 || total > 100.0001 {
		return nil, ErrInvalidClassification
	}

	kilos := 0.0
	if t.Weighing != nil {
		kilos = t.Weighing.Kilos
	}
	err = s.webhooks.Classify(ctx, ClassificationPayload{
		TicketID:    t.ID,
		Codigo:      t.Codigo(),
		Kilos:       kilos,
		Categorias:  req.Categorias,
		Observacion: req.Observacion,
	})
	if err != nil {
		return nil, fmt.Errorf("classifying ticket: %w", err)
	}

	now := s.timeSource.Now()
	t.Classification = &Classification{
		Categorias:   req.Categorias,
		Observacion:  strings.TrimSpace(req.Observacion),
		ClassifiedAt: now,
	}
	if err := t.Advance(StageClassified, now); err != nil {
		return nil, err
	}
	return s.saveWithGuide(sessionID, t, now)
}

// Close ends the workflow of a classified ticket
func (s *Service) Close(sessionID string) (*Ticket, error) {
	t, err := s.Current(sessionID)
	if err != nil {
		return nil, err
	}
	now := s.timeSource.Now()
	if err := t.Advance(StageClosed, now); err != nil {
		return nil, err
	}
	return s.saveWithGuide(sessionID, t, now)
}

// saveWithGuide refreshes the guide page and stores the ticket. A guide
// that cannot be rewritten keeps its previous content.
func (s *Service) saveWithGuide(sessionID string, t *Ticket, now time.Time) (*Ticket, error) {
	if err := s.artifacts.WriteGuide(t, now); err != nil {
		slog.Warn("Failed to refresh guide page", "ticket_id", t.ID, "error", err)
	}
	if err := s.db.SaveTicket(sessionID, t); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}
	slog.Info("Ticket stage changed", "ticket_id", t.ID, "stage", t.Stage)
	return t, nil
}

// File returns a stored upload or artifact by directory and base name
func (s *Service) File(dir, name string) ([]byte, string, error) {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return nil, "", ErrInvalidPath
	}
	data, err := s.storage.Get(path.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("getting file: %w", err)
	}
	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// IsNotFound reports whether err means the requested file does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvalidPath) || errors.Is(err, fs.ErrNotExist)
}
