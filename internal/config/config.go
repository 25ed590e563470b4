package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	SelfUserID  string `env:"SELF_USER_ID,required"`

	LLMAPIKey  string `env:"LLM_API_KEY"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"gpt-5.1"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisChannel  string `env:"REDIS_CHANNEL" envDefault:"chat:conversations"`

	JWTSecret string `env:"JWT_SECRET"`

	RealtimeURL        string        `env:"REALTIME_URL"`
	RealtimeToken      string        `env:"REALTIME_TOKEN"`
	ReconnectBaseDelay time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay  time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	IngestWorkers      int           `env:"INGEST_WORKERS" envDefault:"4"`

	BackendURL    string        `env:"BACKEND_URL"`
	BackendToken  string        `env:"BACKEND_TOKEN"`
	SyncInterval  time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	ProbeInterval time.Duration `env:"NETWORK_PROBE_INTERVAL" envDefault:"15s"`

	// Politica de IA: timeout de la generacion en red y si las respuestas cuentan como no leidas.
	AINetworkTimeout time.Duration `env:"AI_NETWORK_TIMEOUT" envDefault:"8s"`
	AIRepliesUnread  bool          `env:"AI_REPLIES_UNREAD" envDefault:"false"`
	AIRateLimit      int           `env:"AI_RATE_LIMIT" envDefault:"20"`
	AIRateWindow     time.Duration `env:"AI_RATE_WINDOW" envDefault:"1h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat.conversations"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
