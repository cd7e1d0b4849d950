package ticket

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/tiquetes/internal/webhook"
)

var errWebhookDown = &webhook.Error{URL: "http://revalidar", StatusCode: http.StatusServiceUnavailable, Body: "down"}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		scanner     *mockScanner
		storage     *mockStorage
		webhooks    *mockWebhooks
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	BeforeEach(func() {
		db = newMockDB()
		scanner = newMockScanner()
		storage = newMockStorage()
		webhooks = newMockWebhooks()
		auth = BasicAuth{}

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})

	JustBeforeEach(func() {
		artifacts := NewArtifactGenerator(storage, &stubQR{}, &stubPDF{}, "https://tiquetes.example.com")
		timeSrc := &mockTimeSource{now: time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, scanner, storage, artifacts, webhooks, &mockIDGenerator{id: "ticket-1"}, timeSrc)
		server = NewServerWithMux(service, auth, 8*time.Hour, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	get := func(path string) *http.Response {
		resp, err := client.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	postJSON := func(path string, body string) *http.Response {
		resp, err := client.Post(ghttpServer.URL()+path, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename string, data []byte) *http.Response {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := client.Post(ghttpServer.URL()+"/upload", writer.FormDataContentType(), &body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	readBody := func(resp *http.Response) string {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(body)
	}

	decode := func(resp *http.Response) map[string]any {
		defer resp.Body.Close()
		var out map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		return out
	}

	Describe("GET /", func() {
		It("serves the upload form with a session cookie", func() {
			resp := get("/")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html; charset=utf-8"))

			var session *http.Cookie
			for _, c := range resp.Cookies() {
				if c.Name == SessionCookie {
					session = c
				}
			}
			Expect(session).NotTo(BeNil())
			Expect(session.HttpOnly).To(BeTrue())
			Expect(readBody(resp)).To(ContainSubstring("Recepción de fruta"))
		})

		It("keeps the same session across requests", func() {
			first := get("/")
			first.Body.Close()
			second := get("/")
			second.Body.Close()

			Expect(second.Cookies()[0].Value).To(Equal(first.Cookies()[0].Value))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "bascula", Password: "secreto"}
		})

		It("rejects requests without credentials", func() {
			resp := get("/")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("bascula:secreto")))

			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves guide pages public", func() {
			storage.files["guias/guia_A1_1.html"] = []byte("<html>guia</html>")
			resp := get("/guias/guia_A1_1.html")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("<html>guia</html>"))
		})
	})

	Describe("POST /upload", func() {
		It("stores the photo and redirects to processing", func() {
			resp := upload("foto tiquete.jpg", []byte("fake image data"))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
			Expect(resp.Header.Get("Location")).To(Equal("/processing"))
			Expect(storage.files).To(HaveKey("uploads/ticket-1_foto_tiquete.jpg"))
		})

		It("shows the form again for a disallowed file", func() {
			resp := upload("tiquete.exe", []byte("MZ"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(ContainSubstring("Tipo de archivo no permitido"))
		})

		It("reports a storage failure as a server error", func() {
			storage.saveErr = errors.New("disk full")
			resp := upload("foto.jpg", []byte("fake image data"))
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(readBody(resp)).To(ContainSubstring("Error interno del servidor"))
		})

		It("complains when no file was sent", func() {
			resp, err := client.Post(ghttpServer.URL()+"/upload", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("GET /processing", func() {
		It("sends sessions without a ticket back to the form", func() {
			resp := get("/processing")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
			Expect(resp.Header.Get("Location")).To(Equal("/"))
		})
	})

	Describe("the workflow", func() {
		JustBeforeEach(func() {
			upload("foto.jpg", []byte("fake image data")).Body.Close()
		})

		It("processes, reviews and registers the ticket", func() {
			resp := postJSON("/process_image", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)).To(HaveKeyWithValue("redirect", "/review"))

			resp = get("/review")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(ContainSubstring("Juan Pérez"))

			resp = postJSON("/update_data", `{"table_data":[{"campo":"Código","original":"A1","sugerido":"A2"}]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			updated := decode(resp)
			Expect(updated["modificaciones"]).To(HaveLen(1))
			Expect(webhooks.revalidated).To(HaveLen(1))

			resp = postJSON("/register", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			registered := decode(resp)
			Expect(registered).To(HaveKeyWithValue("redirect", "/review_pdf"))
			Expect(registered).To(HaveKeyWithValue("pdf", "/pdfs/tiquete_A2_2024-02-01.pdf"))

			resp = get("/review_pdf")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(ContainSubstring("Tiquete A2 registrado"))

			resp = get("/pdfs/tiquete_A2_2024-02-01.pdf")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			Expect(readBody(resp)).To(HavePrefix("%PDF"))

			resp = get("/review")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
			Expect(resp.Header.Get("Location")).To(Equal("/review_pdf"))
		})

		It("weighs, classifies and closes a registered ticket", func() {
			postJSON("/process_image", "").Body.Close()
			postJSON("/register", "").Body.Close()

			resp := postJSON("/weighing", `{"manual":false}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["ticket"]).To(HaveKeyWithValue("stage", "weighing"))

			resp = postJSON("/classification", `{"categorias":{"madura":90,"verde":10},"observacion":"ok"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = postJSON("/close", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["ticket"]).To(HaveKeyWithValue("stage", "closed"))
		})

		It("issues an authorization code without revealing it", func() {
			postJSON("/process_image", "").Body.Close()
			postJSON("/register", "").Body.Close()

			resp := postJSON("/authorization", `{"motivo":"báscula dañada"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := readBody(resp)
			Expect(body).To(ContainSubstring("expira"))
			Expect(body).NotTo(ContainSubstring(webhooks.notifications[0].Code))
		})
	})

	Describe("errors", func() {
		It("reports a missing ticket", func() {
			resp := postJSON("/register", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "missing_ticket"))
		})

		It("reports a stage conflict", func() {
			upload("foto.jpg", []byte("fake image data")).Body.Close()
			resp := postJSON("/close", "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "invalid_stage"))
		})

		It("has nothing to register before the photo is read", func() {
			upload("foto.jpg", []byte("fake image data")).Body.Close()
			resp := postJSON("/register", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "missing_ticket"))
		})

		It("reports webhook failures as bad gateway", func() {
			upload("foto.jpg", []byte("fake image data")).Body.Close()
			postJSON("/process_image", "").Body.Close()
			webhooks.revalidateErr = errWebhookDown

			resp := postJSON("/update_data", `{"table_data":[{"campo":"Código","sugerido":"A9"}]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "service_unavailable"))
		})

		It("reports an unreachable OCR backend", func() {
			scanner.err = fmt.Errorf("calling ollama API: %w", &webhook.Error{URL: "http://ollama/api/chat", Err: errors.New("connection refused")})
			upload("foto.jpg", []byte("fake image data")).Body.Close()
			resp := postJSON("/process_image", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("kind", "service_unavailable"))
			Expect(body["message"]).To(ContainSubstring("No fue posible comunicarse"))
		})

		It("reports unparseable OCR answers", func() {
			scanner.response = "sin datos"
			upload("foto.jpg", []byte("fake image data")).Body.Close()
			resp := postJSON("/process_image", "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "parse_error"))
		})

		It("validates request bodies", func() {
			resp := postJSON("/classification", `{"categorias":{"madura":150}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			body := decode(resp)
			Expect(body).To(HaveKeyWithValue("kind", "invalid_request"))
			Expect(body["details"]).NotTo(BeEmpty())
		})

		It("rejects malformed JSON", func() {
			resp := postJSON("/update_data", `{`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode(resp)).To(HaveKeyWithValue("kind", "invalid_request"))
		})

		It("returns 404 for unknown files", func() {
			resp := get("/qr/nope.png")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("static assets", func() {
		It("serves the script", func() {
			resp := get("/static/app.js")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("javascript"))
			resp.Body.Close()
		})
	})
})

var _ = Describe("contentTypeOf", func() {
	DescribeTable("picks a MIME type",
		func(header, filename, expected string) {
			Expect(contentTypeOf(header, filename)).To(Equal(expected))
		},
		Entry("browser header", "image/png", "a.png", "image/png"),
		Entry("generic header", "application/octet-stream", "a.jpg", "image/jpeg"),
		Entry("heic", "", "a.HEIC", "image/heic"),
		Entry("tiff", "", "a.tif", "image/tiff"),
		Entry("unknown", "", "a.xyz123", "application/octet-stream"),
	)
})
