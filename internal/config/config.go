package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	BackendGemini = "gemini"
	BackendClaude = "claude"
	BackendOllama = "ollama"
	BackendStub   = "stub"
)

var defaultModels = map[string]string{
	BackendGemini: "gemini-2.0-flash-exp",
	BackendClaude: "claude-sonnet-4-5",
	BackendOllama: "moondream",
	BackendStub:   "stub",
}

// Secrets holds the credentials handed to the analysis client and the
// web-search tool. They are read once at startup and passed explicitly.
type Secrets struct {
	ModelAPIKey  string
	SearchAPIKey string
}

type Config struct {
	ListenAddr      string
	Backend         string
	ModelName       string
	OllamaHost      string
	SearchEnabled   bool
	SearchMaxResult int
	PromptsFile     string
	DisplayWidth    int
	ArtifactDir     string
	MaxImageBytes   int64
	MaxImagePixels  int
	FetchTimeout    time.Duration
	AnalysisTimeout time.Duration
	LogLevel        string
	LogFormat       string
	LogFile         string
	Secrets         Secrets
}

// Load reads the configuration from the environment and validates it. Every
// problem found is returned at once so a misconfigured deployment fails at
// startup rather than on the first request.
func Load() (*Config, error) {
	backend := strings.ToLower(getEnv("ANALYSIS_BACKEND", BackendGemini))

	var errs []error
	cfg := &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		Backend:       backend,
		ModelName:     getEnv("MODEL_NAME", defaultModels[backend]),
		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		PromptsFile:   getEnv("PROMPTS_FILE", ""),
		ArtifactDir:   getEnv("ARTIFACT_DIR", filepath.Join(os.TempDir(), "prodlens")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		LogFile:       getEnv("LOG_FILE", ""),
		SearchEnabled: parseBool("SEARCH_ENABLED", true, &errs),
		Secrets: Secrets{
			ModelAPIKey:  modelKey(backend),
			SearchAPIKey: firstEnv("SEARCH_API_KEY", "TAVILY_API_KEY"),
		},
	}
	cfg.SearchMaxResult = parseInt("SEARCH_MAX_RESULTS", 5, &errs)
	cfg.DisplayWidth = parseInt("DISPLAY_WIDTH", 300, &errs)
	cfg.MaxImageBytes = int64(parseInt("MAX_IMAGE_BYTES", 20<<20, &errs))
	cfg.MaxImagePixels = parseInt("MAX_IMAGE_PIXELS", 40_000_000, &errs)
	cfg.FetchTimeout = parseDuration("FETCH_TIMEOUT", 10*time.Second, &errs)
	cfg.AnalysisTimeout = parseDuration("ANALYSIS_TIMEOUT", 120*time.Second, &errs)

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// SearchActive reports whether the web-search tool should be wired into the
// analysis client. Only the Gemini backend drives tool calls.
func (c *Config) SearchActive() bool {
	return c.SearchEnabled && c.Backend == BackendGemini
}

func (c *Config) validate() []error {
	var errs []error
	if _, ok := defaultModels[c.Backend]; !ok {
		errs = append(errs, fmt.Errorf("ANALYSIS_BACKEND %q is not one of gemini, claude, ollama, stub", c.Backend))
	}
	if (c.Backend == BackendGemini || c.Backend == BackendClaude) && c.Secrets.ModelAPIKey == "" {
		errs = append(errs, fmt.Errorf("MODEL_API_KEY is required when ANALYSIS_BACKEND=%s", c.Backend))
	}
	if c.SearchActive() && c.Secrets.SearchAPIKey == "" {
		errs = append(errs, errors.New("SEARCH_API_KEY is required when SEARCH_ENABLED=true"))
	}
	if c.DisplayWidth <= 0 {
		errs = append(errs, fmt.Errorf("DISPLAY_WIDTH must be > 0 (got %d)", c.DisplayWidth))
	}
	if c.SearchMaxResult <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_MAX_RESULTS must be > 0 (got %d)", c.SearchMaxResult))
	}
	if c.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_IMAGE_BYTES must be > 0 (got %d)", c.MaxImageBytes))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("MAX_IMAGE_PIXELS must be > 0 (got %d)", c.MaxImagePixels))
	}
	if c.FetchTimeout <= 0 || c.AnalysisTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be > 0 (got fetch=%s, analysis=%s)", c.FetchTimeout, c.AnalysisTimeout))
	}
	return errs
}

// modelKey resolves the model credential. MODEL_API_KEY wins; the
// provider-specific names are accepted for existing deployments.
func modelKey(backend string) string {
	switch backend {
	case BackendGemini:
		return firstEnv("MODEL_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY")
	case BackendClaude:
		return firstEnv("MODEL_API_KEY", "CLAUDE_API_KEY")
	default:
		return firstEnv("MODEL_API_KEY")
	}
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func parseInt(key string, defaultVal int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultVal
	}
	return v
}

func parseDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return defaultVal
	}
	return d
}

func parseBool(key string, defaultVal bool, errs *[]error) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return defaultVal
	}
	return b
}
