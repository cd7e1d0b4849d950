package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/tiquetes/internal/drive"
	"github.com/zombor/tiquetes/internal/extraction"
	"github.com/zombor/tiquetes/internal/ledger"
	"github.com/zombor/tiquetes/internal/ticket"
	"github.com/zombor/tiquetes/internal/webhook"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("tiquetes")
	var (
		port              = fs.IntLong("port", 8080, "HTTP server port")
		dbPath            = fs.StringLong("db", "tiquetes.db", "Database file path")
		storagePath       = fs.StringLong("storage", "./data", "Directory for uploads, PDFs, QR codes and guide pages")
		publicURL         = fs.StringLong("public-url", "http://localhost:8080", "Public base URL encoded in QR codes")
		scannerType       = fs.StringLong("scanner", "webhook", "OCR backend: 'webhook', 'gemini' or 'ollama'")
		ocrURL            = fs.StringLong("ocr-webhook", "", "OCR webhook URL (scanner=webhook)")
		registrationURL   = fs.StringLong("registration-webhook", "", "Registration webhook URL")
		revalidationURL   = fs.StringLong("revalidation-webhook", "", "Revalidation webhook URL")
		adminURL          = fs.StringLong("admin-webhook", "", "Administrator notification webhook URL")
		weighingURL       = fs.StringLong("weighing-webhook", "", "Weighing webhook URL")
		classificationURL = fs.StringLong("classification-webhook", "", "Classification webhook URL")
		webhookTimeout    = fs.DurationLong("webhook-timeout", ticket.RevalidationTimeout*2, "Timeout for outbound webhook calls")
		sessionTTL        = fs.DurationLong("session-ttl", 8*time.Hour, "How long an idle session keeps its ticket")
		authCodeTTL       = fs.DurationLong("auth-code-ttl", time.Hour, "Validity of administrator authorization codes")
		geminiKey         = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL         = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel       = fs.StringLong("ollama-model", "llava", "Ollama model name")
		authUser          = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass          = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		driveCredentials  = fs.StringLong("drive-credentials", "", "Google service account file for Drive uploads (optional)")
		driveFolder       = fs.StringLong("drive-folder", "", "Drive folder ID for generated PDFs")
		ledgerPath        = fs.StringLong("ledger", "", "Excel ledger of registrations, e.g. registros.xlsx (optional)")
		_                 = fs.StringLong("config", "", "Config file (plain 'flag value' lines)")
		showVersion       = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TIQUETES"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := ticket.NewBoltDB(*dbPath, *sessionTTL, *authCodeTTL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if removed, err := db.PurgeExpired(); err != nil {
		slog.Warn("Failed to purge expired records", "error", err)
	} else if removed > 0 {
		slog.Info("Purged expired records", "count", removed)
	}

	client := webhook.NewClient(*webhookTimeout)

	// Initialize scanner based on type
	var scanner extraction.Scanner
	switch *scannerType {
	case "webhook":
		slog.Info("Initializing OCR webhook scanner...", "url", *ocrURL)
		scanner, err = extraction.NewWebhook(*ocrURL, client)
		if err != nil {
			slog.Error("Failed to initialize OCR webhook", "error", err)
			os.Exit(1)
		}
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = extraction.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "webhook, gemini or ollama")
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := ticket.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	artifacts := ticket.NewArtifactGenerator(store, ticket.NewPNGQREncoder(256), ticket.NewFPDFRenderer(), *publicURL)
	webhooks := ticket.NewHTTPWebhooks(client, ticket.WebhookURLs{
		Registration:   *registrationURL,
		Revalidation:   *revalidationURL,
		Admin:          *adminURL,
		Weighing:       *weighingURL,
		Classification: *classificationURL,
	})

	// Initialize service
	ticketService := ticket.NewService(db, scanner, store, artifacts, webhooks).WithAuthCodeTTL(*authCodeTTL)

	if *ledgerPath != "" {
		slog.Info("Recording registrations in ledger", "path", *ledgerPath)
		ticketService.WithLedger(ledger.NewWorkbook(*ledgerPath))
	}
	if *driveCredentials != "" {
		uploader, err := drive.NewUploader(context.Background(), *driveCredentials, *driveFolder)
		if err != nil {
			slog.Error("Failed to initialize Drive uploader", "error", err)
			os.Exit(1)
		}
		slog.Info("Uploading PDFs to Drive", "folder", *driveFolder)
		ticketService.WithUploader(uploader)
	}

	// Initialize server
	basicAuth := ticket.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := ticket.NewServer(ticketService, basicAuth, *sessionTTL)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
