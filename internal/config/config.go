// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes gateway settings
// such as server timeouts, logging, database paths, backend credentials,
// rate limiting, retention thresholds, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend identifiers accepted by FAX_BACKEND.
const (
	BackendSIP    = "sip"
	BackendPhaxio = "phaxio"
	BackendSinch  = "sinch"
	BackendDocumo = "documo"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "faxgw")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// PhaxioConfig holds Phaxio backend credentials and webhook settings.
type PhaxioConfig struct {
	APIKey          string // PHAXIO_API_KEY
	APISecret       string // PHAXIO_API_SECRET
	CallbackURL     string // PHAXIO_STATUS_CALLBACK_URL
	VerifySignature bool   // PHAXIO_VERIFY_SIGNATURE (default true)
}

// SinchConfig holds Sinch Fax API v3 credentials.
type SinchConfig struct {
	ProjectID       string // SINCH_PROJECT_ID
	APIKey          string // SINCH_API_KEY
	APISecret       string // SINCH_API_SECRET
	BaseURL         string // SINCH_BASE_URL (optional region override)
	WebhookSecret   string // SINCH_WEBHOOK_SECRET
	VerifySignature bool   // SINCH_VERIFY_SIGNATURE
}

// DocumoConfig holds Documo (mFax) credentials.
type DocumoConfig struct {
	APIKey          string // DOCUMO_API_KEY
	BaseURL         string // DOCUMO_BASE_URL
	Sandbox         bool   // DOCUMO_USE_SANDBOX
	WebhookSecret   string // DOCUMO_WEBHOOK_SECRET
	VerifySignature bool   // DOCUMO_VERIFY_SIGNATURE
}

// SIPConfig holds the telephony gateway (Asterisk AMI dialect) settings.
type SIPConfig struct {
	AMIHost     string // ASTERISK_AMI_HOST
	AMIPort     int    // ASTERISK_AMI_PORT
	AMIUsername string // ASTERISK_AMI_USERNAME
	AMIPassword string // ASTERISK_AMI_PASSWORD
	StationID   string // FAX_LOCAL_STATION_ID
	Header      string // FAX_HEADER
}

// Config holds all configuration values for the gateway. Treat a Config as an
// immutable snapshot; hot reload swaps whole snapshots via Provider.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// App
	DBPath        string // SQLite path
	FaxDataDir    string // artifact directory
	MaxFileSizeMB int    // upload cap
	FaxDisabled   bool   // queue jobs as "disabled", never dispatch
	Backend       string // sip|phaxio|sinch|documo
	PublicURL     string // external base URL used for tokenized artifact links

	// Auth
	APIKey        string // bootstrap credential; grants all scopes
	RequireAPIKey bool   // reject anonymous access when true

	// Rate limiting (fixed per-minute window, keyed by api key + route)
	MaxRequestsPerMinute int            // global default; 0 = unlimited
	RateOverrides        map[string]int // per-route overrides, e.g. "POST /fax" -> 10

	// Webhook edge limiter (per-IP token bucket, unauthenticated endpoints)
	WebhookRPS   float64
	WebhookBurst int

	// Tokens and retention
	PdfTokenTTLMinutes   int // outbound/inbound artifact token lifetime
	ArtifactTTLDays      int // terminal-job artifact retention; 0 disables sweep
	InboundRetentionDays int // inbound artifact retention
	CleanupInterval      time.Duration

	// Inbound (telephony-side ingestion)
	InboundEnabled        bool
	AsteriskInboundSecret string

	// Backends
	Phaxio PhaxioConfig
	Sinch  SinchConfig
	Documo DocumoConfig
	SIP    SIPConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:        getenv("DB_PATH", "faxgw.db"),
		FaxDataDir:    getenv("FAX_DATA_DIR", "./faxdata"),
		MaxFileSizeMB: getint("MAX_FILE_SIZE_MB", 10),
		FaxDisabled:   getbool("FAX_DISABLED", false),
		Backend:       strings.ToLower(getenv("FAX_BACKEND", BackendSIP)),
		PublicURL:     strings.TrimRight(getenv("PUBLIC_API_URL", "http://localhost:8080"), "/"),

		// Auth
		APIKey:        getenv("API_KEY", ""),
		RequireAPIKey: getbool("REQUIRE_API_KEY", false),

		// Rate limiting
		MaxRequestsPerMinute: getint("MAX_REQUESTS_PER_MINUTE", 0),
		RateOverrides:        parseRateOverrides(getenv("RATE_LIMIT_OVERRIDES", "")),
		WebhookRPS:           getfloat("WEBHOOK_RPS", 10.0),
		WebhookBurst:         getint("WEBHOOK_BURST", 20),

		// Tokens and retention
		PdfTokenTTLMinutes:   getint("PDF_TOKEN_TTL_MINUTES", 60),
		ArtifactTTLDays:      getint("ARTIFACT_TTL_DAYS", 0),
		InboundRetentionDays: getint("INBOUND_RETENTION_DAYS", 30),
		CleanupInterval:      getdur("CLEANUP_INTERVAL", time.Hour),

		// Inbound
		InboundEnabled:        getbool("INBOUND_ENABLED", false),
		AsteriskInboundSecret: getenv("ASTERISK_INBOUND_SECRET", ""),

		// Backends
		Phaxio: PhaxioConfig{
			APIKey:          getenv("PHAXIO_API_KEY", ""),
			APISecret:       getenv("PHAXIO_API_SECRET", ""),
			CallbackURL:     getenv("PHAXIO_STATUS_CALLBACK_URL", ""),
			VerifySignature: getbool("PHAXIO_VERIFY_SIGNATURE", true),
		},
		Sinch: SinchConfig{
			ProjectID:       getenv("SINCH_PROJECT_ID", ""),
			APIKey:          getenv("SINCH_API_KEY", ""),
			APISecret:       getenv("SINCH_API_SECRET", ""),
			BaseURL:         getenv("SINCH_BASE_URL", ""),
			WebhookSecret:   getenv("SINCH_WEBHOOK_SECRET", ""),
			VerifySignature: getbool("SINCH_VERIFY_SIGNATURE", false),
		},
		Documo: DocumoConfig{
			APIKey:          getenv("DOCUMO_API_KEY", ""),
			BaseURL:         getenv("DOCUMO_BASE_URL", "https://api.documo.com"),
			Sandbox:         getbool("DOCUMO_USE_SANDBOX", false),
			WebhookSecret:   getenv("DOCUMO_WEBHOOK_SECRET", ""),
			VerifySignature: getbool("DOCUMO_VERIFY_SIGNATURE", false),
		},
		SIP: SIPConfig{
			AMIHost:     getenv("ASTERISK_AMI_HOST", "asterisk"),
			AMIPort:     getint("ASTERISK_AMI_PORT", 5038),
			AMIUsername: getenv("ASTERISK_AMI_USERNAME", "api"),
			AMIPassword: getenv("ASTERISK_AMI_PASSWORD", "changeme"),
			StationID:   getenv("FAX_LOCAL_STATION_ID", "+10000000000"),
			Header:      getenv("FAX_HEADER", "FaxGW"),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "faxgw"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.FaxDataDir) == "" {
		return cfg, errors.New("FAX_DATA_DIR must not be empty")
	}
	if cfg.MaxFileSizeMB <= 0 {
		return cfg, errors.New("MAX_FILE_SIZE_MB must be > 0")
	}
	switch cfg.Backend {
	case BackendSIP, BackendPhaxio, BackendSinch, BackendDocumo:
	default:
		return cfg, fmt.Errorf("FAX_BACKEND must be one of: sip, phaxio, sinch, documo (got %q)", cfg.Backend)
	}
	if cfg.MaxRequestsPerMinute < 0 {
		return cfg, errors.New("MAX_REQUESTS_PER_MINUTE must be >= 0")
	}
	if cfg.WebhookRPS < 0 {
		return cfg, errors.New("WEBHOOK_RPS must be >= 0")
	}
	if cfg.PdfTokenTTLMinutes <= 0 {
		return cfg, errors.New("PDF_TOKEN_TTL_MINUTES must be > 0")
	}
	if cfg.ArtifactTTLDays < 0 || cfg.InboundRetentionDays < 0 {
		return cfg, errors.New("retention day thresholds must be >= 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("CLEANUP_INTERVAL must be > 0")
	}
	if cfg.InboundEnabled && strings.TrimSpace(cfg.AsteriskInboundSecret) == "" && cfg.Backend == BackendSIP {
		return cfg, errors.New("ASTERISK_INBOUND_SECRET must be set when INBOUND_ENABLED=true with the sip backend")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseRateOverrides parses "METHOD /route=limit" pairs separated by commas,
// e.g. "POST /fax=10,GET /fax/:id=120". Malformed entries are skipped.
func parseRateOverrides(s string) map[string]int {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || k == "" || n < 0 {
			continue
		}
		out[k] = n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
