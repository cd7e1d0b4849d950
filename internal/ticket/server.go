package ticket

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionCookie names the cookie carrying the session ID
const SessionCookie = "tiquetes_session"

type sessionKey struct{}

// Server handles HTTP requests for the receiving workflow
type Server struct {
	service    *Service
	basicAuth  BasicAuth
	sessionTTL time.Duration
	mux        *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, sessionTTL time.Duration) *Server {
	return NewServerWithMux(service, basicAuth, sessionTTL, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, sessionTTL time.Duration, mux *http.ServeMux) *Server {
	s := &Server{
		service:    service,
		basicAuth:  basicAuth,
		sessionTTL: sessionTTL,
		mux:        mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Tiquetes"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// withSession makes sure the request carries a session cookie and stores
// its ID in the request context
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		// refreshed on every request, like the ticket record
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   int(s.sessionTTL.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	}
}

// sessionID returns the session of a request passed through withSession
func sessionID(r *http.Request) string {
	id, _ := r.Context().Value(sessionKey{}).(string)
	return id
}

// page wraps handlers that need auth and a session
func (s *Server) page(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(s.withSession(next))
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	// Stored files
	s.mux.HandleFunc("GET /uploads/{name}", s.requireAuth(s.handleFile(UploadsDir)))
	s.mux.HandleFunc("GET /pdfs/{name}", s.requireAuth(s.handleFile(PDFDir)))
	s.mux.HandleFunc("GET /qr/{name}", s.requireAuth(s.handleFile(QRDir)))
	// Guide pages are opened from the QR code, without credentials
	s.mux.HandleFunc("GET /guias/{name}", s.handleFile(GuideDir))

	// Workflow
	s.mux.HandleFunc("POST /upload", s.page(s.handleUpload))
	s.mux.HandleFunc("GET /processing", s.page(s.handleProcessing))
	s.mux.HandleFunc("POST /process_image", s.page(s.handleProcessImage))
	s.mux.HandleFunc("GET /review", s.page(s.handleReview))
	s.mux.HandleFunc("POST /update_data", s.page(s.handleUpdateData))
	s.mux.HandleFunc("POST /register", s.page(s.handleRegister))
	s.mux.HandleFunc("GET /review_pdf", s.page(s.handleReviewPDF))
	s.mux.HandleFunc("POST /authorization", s.page(s.handleAuthorization))
	s.mux.HandleFunc("POST /weighing", s.page(s.handleWeighing))
	s.mux.HandleFunc("POST /classification", s.page(s.handleClassification))
	s.mux.HandleFunc("POST /close", s.page(s.handleClose))
	s.mux.HandleFunc("GET /api/ticket", s.page(s.handleGetTicket))

	// Upload form (register last as it's the catch-all)
	s.mux.HandleFunc("GET /{$}", s.page(s.handleIndex))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	// Wrap the mux with CORS middleware to handle all requests including OPTIONS
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
