package config

import "os"

// Config holds runner configuration.
type Config struct {
	LogLevel     string
	DatabasePath string
	DatabaseURL  string // postgres; empty means sqlite only
	RedisAddr    string // empty means snapshots live in sqlite
	OTLPEndpoint string
	PipelinePath string
	ProfilesDir  string
	Profile      string
	TicketURL    string
	TicketSecret string
	ChatHookURL  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("CASCADE_DB")
	if dbPath == "" {
		dbPath = "cascade.db"
	}

	pipelinePath := os.Getenv("CASCADE_PIPELINE")
	if pipelinePath == "" {
		pipelinePath = "pipeline.json"
	}

	profilesDir := os.Getenv("CASCADE_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		LogLevel:     logLevel,
		DatabasePath: dbPath,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PipelinePath: pipelinePath,
		ProfilesDir:  profilesDir,
		Profile:      os.Getenv("CASCADE_PROFILE"),
		TicketURL:    os.Getenv("TICKET_URL"),
		TicketSecret: os.Getenv("TICKET_SECRET"),
		ChatHookURL:  os.Getenv("CHAT_WEBHOOK_URL"),
	}
}
