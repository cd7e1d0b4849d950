package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/tiquetes/internal/extraction"
	"github.com/zombor/tiquetes/internal/webhook"
)

// maxUploadSize bounds the multipart form of an upload
const maxUploadSize = int64(50 << 20)

var validate = validator.New()

// RequestError reports an invalid request body, field -> problem
type RequestError struct {
	Details map[string]string
}

func (e *RequestError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for field, problem := range e.Details {
		parts = append(parts, field+": "+problem)
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// validateRequest runs the validate tags of v
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	details := make(map[string]string)
	for _, e := range validationErrors {
		details[e.Namespace()] = formatValidationError(e)
	}
	return &RequestError{Details: details}
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "campo obligatorio"
	case "min":
		return "debe tener al menos " + e.Param() + " elemento(s)"
	case "gte":
		return "debe ser mayor o igual a " + e.Param()
	case "lte":
		return "debe ser menor o igual a " + e.Param()
	default:
		return "valor inválido"
	}
}

// apiError is the JSON body of every failed API call
type apiError struct {
	Status  string            `json:"status"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// classifyError maps a service error to a status code, a kind and the
// message shown to the operator
func classifyError(err error) (int, apiError) {
	var (
		stageErr    *StageError
		webhookErr  *webhook.Error
		parseErr    *extraction.ParseError
		artifactErr *ArtifactError
		requestErr  *RequestError
	)
	e := apiError{Status: "error"}

	switch {
	case errors.Is(err, ErrMissingTicket):
		e.Kind, e.Message = "missing_ticket", "No hay un tiquete activo en la sesión. Cargue una imagen para comenzar."
		return http.StatusNotFound, e
	case errors.As(err, &stageErr):
		e.Kind, e.Message = "invalid_stage", fmt.Sprintf("El tiquete está en la etapa «%s» y no admite esta operación.", stageErr.Current.Label())
		return http.StatusConflict, e
	case errors.Is(err, ErrRevalidationRequired):
		e.Kind, e.Message = "revalidation_required", "Se modificaron campos críticos. Guarde los cambios para revalidarlos antes de registrar."
		return http.StatusConflict, e
	case errors.As(err, &parseErr):
		e.Kind, e.Message = "parse_error", "No se pudo interpretar la imagen del tiquete. Intente con una foto más clara."
		return http.StatusUnprocessableEntity, e
	case errors.As(err, &webhookErr):
		e.Kind = "service_unavailable"
		if webhookErr.Unreachable() {
			e.Message = "No fue posible comunicarse con el servicio externo. Intente de nuevo en unos minutos."
		} else {
			e.Message = fmt.Sprintf("El servicio externo rechazó la solicitud (código %d).", webhookErr.StatusCode)
		}
		return http.StatusBadGateway, e
	case errors.Is(err, ErrInvalidAuthorization):
		e.Kind, e.Message = "invalid_authorization", "El código de autorización es inválido o está vencido."
		return http.StatusForbidden, e
	case errors.Is(err, ErrFileType):
		e.Kind, e.Message = "file_type", "Tipo de archivo no permitido. Use PNG, JPG, GIF, BMP, TIFF, HEIC o PDF."
		return http.StatusBadRequest, e
	case errors.Is(err, ErrEmptyFile):
		e.Kind, e.Message = "invalid_request", "El archivo está vacío."
		return http.StatusBadRequest, e
	case errors.Is(err, ErrInvalidWeight):
		e.Kind, e.Message = "invalid_request", "El peso debe ser mayor que cero."
		return http.StatusBadRequest, e
	case errors.Is(err, ErrInvalidClassification):
		e.Kind, e.Message = "invalid_request", "Los porcentajes de clasificación deben estar entre 0 y 100 y sumar como máximo 100."
		return http.StatusBadRequest, e
	case errors.Is(err, ErrNoWeight):
		e.Kind, e.Message = "service_unavailable", "La báscula no devolvió un peso."
		return http.StatusBadGateway, e
	case errors.As(err, &requestErr):
		e.Kind, e.Message, e.Details = "invalid_request", "La solicitud tiene datos inválidos.", requestErr.Details
		return http.StatusBadRequest, e
	case errors.As(err, &artifactErr):
		e.Kind, e.Message = "artifact_error", "No se pudieron generar los documentos del tiquete."
		return http.StatusInternalServerError, e
	}
	e.Kind, e.Message = "internal", "Error interno del servidor."
	return http.StatusInternalServerError, e
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError logs err and writes its JSON form
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "kind", body.Kind, "error", err)
	} else {
		slog.Warn("Request rejected", "path", r.URL.Path, "kind", body.Kind, "error", err)
	}
	writeJSON(w, status, body)
}

// renderError shows the error page for HTML routes
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	slog.Warn("Page failed", "path", r.URL.Path, "kind", body.Kind, "error", err)
	renderPage(w, status, "error.html", body)
}

// decodeJSON decodes and validates a request body
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &RequestError{Details: map[string]string{"body": "JSON inválido"}}
	}
	return validateRequest(v)
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleIndex serves the upload form
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "index.html", struct{ Error string }{})
}

// contentTypeOf picks the upload's MIME type, falling back to its extension
func contentTypeOf(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// handleUpload stores the photo and sends the browser to the processing page
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		renderPage(w, http.StatusBadRequest, "index.html", struct{ Error string }{
			Error: "El archivo es demasiado grande o el formulario es inválido (máximo 50MB).",
		})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		renderPage(w, http.StatusBadRequest, "index.html", struct{ Error string }{
			Error: "No se seleccionó ningún archivo.",
		})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		renderPage(w, http.StatusInternalServerError, "index.html", struct{ Error string }{
			Error: "Error leyendo el archivo. Intente de nuevo.",
		})
		return
	}

	contentType := contentTypeOf(header.Header.Get("Content-Type"), header.Filename)
	if _, err := s.service.Upload(sessionID(r), header.Filename, data, contentType); err != nil {
		status, body := classifyError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Upload failed", "filename", header.Filename, "error", err)
		} else {
			slog.Warn("Upload rejected", "filename", header.Filename, "error", err)
		}
		renderPage(w, status, "index.html", struct{ Error string }{Error: body.Message})
		return
	}

	http.Redirect(w, r, "/processing", http.StatusSeeOther)
}

// handleProcessing shows the waiting page that triggers OCR
func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Current(sessionID(r))
	if err != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	renderPage(w, http.StatusOK, "processing.html", t)
}

// handleProcessImage runs OCR on the session's ticket
func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Process(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"redirect": "/review",
		"ticket":   t,
	})
}

// reviewData feeds the review page
type reviewData struct {
	Ticket   *Ticket
	ImageURL string
}

// handleReview shows the editable field table
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Current(sessionID(r))
	if err != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	switch {
	case t.Stage == StageUploaded || t.Parsed == nil:
		http.Redirect(w, r, "/processing", http.StatusSeeOther)
		return
	case t.Stage != StageReviewed:
		http.Redirect(w, r, "/review_pdf", http.StatusSeeOther)
		return
	}
	renderPage(w, http.StatusOK, "review.html", reviewData{
		Ticket:   t,
		ImageURL: "/" + t.ImageFilename,
	})
}

// updateRequest is the review table as posted by the page
type updateRequest struct {
	TableData []EditedRow `json:"table_data" validate:"required,dive"`
}

// handleUpdateData stores edits and revalidates changed critical fields
func (s *Server) handleUpdateData(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.service.UpdateData(r.Context(), sessionID(r), req.TableData)
	if err != nil {
		writeError(w, r, err)
		return
	}

	deltas := result.Deltas
	if deltas == nil {
		deltas = []Delta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"modificaciones": deltas,
		"revalidacion":   result.Revalidation,
		"ticket":         result.Ticket,
	})
}

// handleRegister generates the artifacts and registers the ticket
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Register(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"redirect": "/review_pdf",
		"pdf":      "/" + t.Artifacts.PDF,
		"qr":       "/" + t.Artifacts.QR,
		"guia":     "/" + t.Artifacts.Guide,
		"ticket":   t,
	})
}

// handleReviewPDF shows the generated PDF and QR
func (s *Server) handleReviewPDF(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Current(sessionID(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if t.Registration == nil || t.Artifacts.PDF == "" {
		http.Redirect(w, r, "/review", http.StatusSeeOther)
		return
	}
	renderPage(w, http.StatusOK, "review_pdf.html", struct {
		Ticket   *Ticket
		PDFURL   string
		QRURL    string
		GuideURL string
	}{
		Ticket:   t,
		PDFURL:   "/" + t.Artifacts.PDF,
		QRURL:    "/" + t.Artifacts.QR,
		GuideURL: "/" + t.Artifacts.Guide,
	})
}

// handleAuthorization asks the administrator for a manual weighing code
func (s *Server) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Motivo string `json:"motivo" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	expires, err := s.service.RequestAuthorization(r.Context(), sessionID(r), req.Motivo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"expira": expires,
	})
}

// handleWeighing records the weight
func (s *Server) handleWeighing(w http.ResponseWriter, r *http.Request) {
	var req WeighRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondTicket(w, r)(s.service.Weigh(r.Context(), sessionID(r), req))
}

// handleClassification records the quality split
func (s *Server) handleClassification(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondTicket(w, r)(s.service.Classify(r.Context(), sessionID(r), req))
}

// handleClose ends the workflow
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.respondTicket(w, r)(s.service.Close(sessionID(r)))
}

// handleGetTicket returns the session's ticket
func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	s.respondTicket(w, r)(s.service.Current(sessionID(r)))
}

// respondTicket writes the outcome of a ticket operation
func (s *Server) respondTicket(w http.ResponseWriter, r *http.Request) func(*Ticket, error) {
	return func(t *Ticket, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"ticket": t,
		})
	}
}

// handleFile serves a stored upload or artifact from dir
func (s *Server) handleFile(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, contentType, err := s.service.File(dir, r.PathValue("name"))
		if err != nil {
			if IsNotFound(err) {
				corsError(w, "File not found", http.StatusNotFound)
				return
			}
			slog.Error("Error reading file", "dir", dir, "name", r.PathValue("name"), "error", err)
			corsError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		setCORSHeaders(w)
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}
