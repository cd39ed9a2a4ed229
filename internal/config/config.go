// Package config loads caseflow's environment configuration, following the
// fail-fast-on-required-vars posture the pipeline needs: a missing
// database or LLM credential should stop startup, not surface as a
// runtime 500 on the first case.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	Env             string
	LogLevel        string
	GracefulTimeout time.Duration

	OrdersDatabaseURL string
	RedisURL          string // optional; step cache & Redis cursor backend disabled if empty

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	GeminiAPIKey     string
	AnthropicAPIKey  string // optional secondary backend
	AdjudicatorModel string
	OntologyModel    string
	ExtractionModel  string
	CriticModel      string
	LLMMaxConcurrent int

	BlobBucket string

	TaskQueueProject   string
	TaskQueueRegion    string
	TaskQueueName      string
	TaskProcessorURL   string
	TaskQueueSAEmail   string

	GmailOAuthTokenSecret string

	LlamaCloudAPIKey string // optional, policy ingestion PDF parsing

	MaxBodyBytes int64
}

// Load reads configuration from the environment (and an optional .env
// file) and validates that every variable required for the online
// pipeline is present. The offline policy compiler only needs a subset;
// callers that don't touch ingress/worker paths may ignore specific
// missing-var errors they don't care about.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GracefulTimeout: time.Duration(getEnvInt("GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,

		OrdersDatabaseURL: getEnv("ORDERS_DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),

		Neo4jURI:      getEnv("NEO4J_URI", ""),
		Neo4jUser:     getEnv("NEO4J_USER", ""),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AdjudicatorModel: getEnv("ADJUDICATOR_MODEL", "gemini-2.0-flash"),
		OntologyModel:    getEnv("ONTOLOGY_MODEL", "gemini-2.0-flash"),
		ExtractionModel:  getEnv("EXTRACTION_MODEL", "gemini-2.0-flash"),
		CriticModel:      getEnv("CRITIC_MODEL", "gemini-2.0-flash"),
		LLMMaxConcurrent: getEnvInt("LLM_MAX_CONCURRENT", 5),

		BlobBucket: getEnv("BLOB_BUCKET", ""),

		TaskQueueProject: getEnv("TASK_QUEUE_PROJECT", ""),
		TaskQueueRegion:  getEnv("TASK_QUEUE_REGION", ""),
		TaskQueueName:    getEnv("TASK_QUEUE_NAME", ""),
		TaskProcessorURL: getEnv("TASK_PROCESSOR_URL", ""),
		TaskQueueSAEmail: getEnv("TASK_QUEUE_SA_EMAIL", ""),

		GmailOAuthTokenSecret: getEnv("GMAIL_OAUTH_TOKEN_SECRET", ""),

		LlamaCloudAPIKey: getEnv("LLAMA_CLOUD_API_KEY", ""),

		MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 1*1024*1024)),
	}

	return cfg, cfg.validateOnlineRequirements()
}

// validateOnlineRequirements checks the variables the always-on HTTP
// server and case worker need. The offline policy compiler constructs its
// own Config and skips this by calling LoadSkipValidation instead.
func (c *Config) validateOnlineRequirements() error {
	required := map[string]string{
		"GEMINI_API_KEY":       c.GeminiAPIKey,
		"ORDERS_DATABASE_URL":  c.OrdersDatabaseURL,
		"NEO4J_URI":            c.Neo4jURI,
		"NEO4J_USER":           c.Neo4jUser,
		"NEO4J_PASSWORD":       c.Neo4jPassword,
		"BLOB_BUCKET":          c.BlobBucket,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("config: required environment variable %s is not set", name)
		}
	}
	return nil
}

// LoadSkipValidation is used by the offline policy compiler, which needs
// Gemini and Neo4j credentials but none of the ingress/queue variables.
func LoadSkipValidation() *Config {
	cfg, err := Load()
	if cfg == nil {
		cfg = &Config{}
	}
	_ = err
	return cfg
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
