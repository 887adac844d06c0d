package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port                int
	Environment         string
	DatabaseURL         string
	DatabaseMaxConns    int
	GCPProject          string
	GCPRegion           string
	VertexAILocation    string
	VertexAIModel       string
	EmbeddingLocation   string
	EmbeddingModel      string
	EmbeddingDimensions int
	GCSBucketName       string
	GCSSignedURLExpiry  string
	DocAIProcessorID    string
	DocAILocation       string
	BigQueryDataset     string
	BigQueryTable       string
	FirebaseProjectID   string
	FrontendURL         string
	ConfidenceThreshold float64
	SelfRAGMaxIter      int
	ChunkSizeTokens     int
	ChunkOverlapPercent int
	PromptsDir          string
	DefaultPersona      string
	KMSKeyRing          string
	KMSKeyName          string
	InternalAuthSecret     string
	DeepgramAPIKey         string

	// Conversational platform (§4.3, §4.5, §4.6, §4.8)
	RedisURL                string
	PubSubProjectID         string
	PubSubResearchTopic     string
	TabularCredentialKeyB64 string
	ResearchProviderURLs    []string
	DefaultMonthlyBudgetMinor int64
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, GOOGLE_CLOUD_PROJECT, TABULAR_CREDENTIAL_KEY_B64,
// and INTERNAL_AUTH_SECRET outside development) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:                envInt("PORT", 8080),
		Environment:         envStr("ENVIRONMENT", "development"),
		DatabaseURL:         dbURL,
		DatabaseMaxConns:    envInt("DATABASE_MAX_CONNS", 25),
		GCPProject:          gcpProject,
		GCPRegion:           envStr("GCP_REGION", "us-east4"),
		VertexAILocation:    envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:       envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation:   envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:      envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),
		GCSBucketName:       envStr("GCS_BUCKET_NAME", ""),
		GCSSignedURLExpiry:  envStr("GCS_SIGNED_URL_EXPIRY", "15m"),
		DocAIProcessorID:    envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:       envStr("DOCUMENT_AI_LOCATION", "us"),
		BigQueryDataset:     envStr("BIGQUERY_DATASET", "ragbox_audit"),
		BigQueryTable:       envStr("BIGQUERY_TABLE", "audit_events"),
		FirebaseProjectID:   envStr("FIREBASE_PROJECT_ID", ""),
		FrontendURL:         envStr("FRONTEND_URL", "http://localhost:3000"),
		ConfidenceThreshold: envFloat("SILENCE_THRESHOLD", 0.60),
		SelfRAGMaxIter:      envInt("SELF_RAG_MAX_ITERATIONS", 1),
		ChunkSizeTokens:     envInt("CHUNK_SIZE_TOKENS", 768),
		ChunkOverlapPercent: envInt("CHUNK_OVERLAP_PERCENT", 20),
		PromptsDir:          envStr("PROMPTS_DIR", "./internal/service/prompts"),
		DefaultPersona:      envStr("DEFAULT_PERSONA", "persona_cfo"),
		KMSKeyRing:          envStr("KMS_KEY_RING", "ragbox-keys"),
		KMSKeyName:          envStr("KMS_KEY_NAME", "document-key"),
		InternalAuthSecret:       envStr("INTERNAL_AUTH_SECRET", ""),
		DeepgramAPIKey:           envStr("DEEPGRAM_API_KEY", ""),

		RedisURL:                  envStr("REDIS_URL", ""),
		PubSubProjectID:           envStr("PUBSUB_PROJECT_ID", gcpProject),
		PubSubResearchTopic:       envStr("PUBSUB_RESEARCH_TOPIC", "research-subtopics"),
		ResearchProviderURLs:      envStrList("RESEARCH_PROVIDER_URLS"),
		DefaultMonthlyBudgetMinor: int64(envInt("DEFAULT_MONTHLY_BUDGET_MINOR", 10000_00)),
	}

	// Internal auth secret is required in non-development environments
	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	// The tabular binding cipher key guards every externally-stored
	// database credential (§3, §6); there is no safe default.
	keyB64 := os.Getenv("TABULAR_CREDENTIAL_KEY_B64")
	if keyB64 == "" {
		return nil, fmt.Errorf("config.Load: TABULAR_CREDENTIAL_KEY_B64 is required")
	}
	if _, err := base64.StdEncoding.DecodeString(keyB64); err != nil {
		return nil, fmt.Errorf("config.Load: TABULAR_CREDENTIAL_KEY_B64 is not valid base64: %w", err)
	}
	cfg.TabularCredentialKeyB64 = keyB64

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envStrList reads a comma-separated environment variable into a slice,
// dropping empty entries. Returns nil if unset.
func envStrList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
