package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBPath            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// GatewayMode selects the payment gateway implementation at
	// construction time: "daraja" or "sandbox".
	GatewayMode string
	Daraja      DarajaConfig

	Firebase FirebaseConfig

	// HeartbeatThreshold is the single canonical liveness window for the
	// verification device. Every consumer of the connected signal uses it.
	HeartbeatThreshold time.Duration

	Engine EngineConfig
}

// DarajaConfig configures the STK push gateway.
type DarajaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// FirebaseConfig identifies the remote durable store. An empty ProjectID
// disables remote sync; the local store keeps operating on its own.
type FirebaseConfig struct {
	ProjectID             string
	CredentialsFile       string
	CredentialsJSONBase64 string
}

// EngineConfig controls background loop cadences and batch sizes.
type EngineConfig struct {
	DrainInterval       time.Duration
	DrainBatchSize      int
	SweepInterval       time.Duration
	VerificationTimeout time.Duration
	ReconnectInterval   time.Duration
	ArchiveInterval     time.Duration
	RetentionDays       int
	JobTimeout          time.Duration
}

// Module provides Config to the fx graph.
var Module = fx.Provide(Load)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "campuspay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBPath:            getenv("DATABASE_PATH", "campuspay.db"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "campuspay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		GatewayMode: normalizeGatewayMode(getenv("GATEWAY_MODE", GatewaySandbox)),
		Daraja: DarajaConfig{
			BaseURL:        getenv("DARAJA_BASE_URL", "https://api.safaricom.co.ke"),
			ConsumerKey:    getenv("DARAJA_CONSUMER_KEY", ""),
			ConsumerSecret: getenv("DARAJA_CONSUMER_SECRET", ""),
			ShortCode:      getenv("DARAJA_SHORTCODE", ""),
			Passkey:        getenv("DARAJA_PASSKEY", ""),
			CallbackURL:    getenv("DARAJA_CALLBACK_URL", ""),
		},

		Firebase: FirebaseConfig{
			ProjectID:             getenv("FIREBASE_PROJECT_ID", ""),
			CredentialsFile:       getenv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			CredentialsJSONBase64: getenv("FIREBASE_CREDENTIALS_JSON_BASE64", ""),
		},

		HeartbeatThreshold: getenvDuration("HEARTBEAT_THRESHOLD", 30*time.Second),

		Engine: EngineConfig{
			DrainInterval:       getenvDuration("SYNC_DRAIN_INTERVAL", 5*time.Second),
			DrainBatchSize:      getenvInt("SYNC_DRAIN_BATCH", 50),
			SweepInterval:       getenvDuration("SWEEP_INTERVAL", 10*time.Second),
			VerificationTimeout: getenvDuration("VERIFICATION_TIMEOUT", 5*time.Minute),
			ReconnectInterval:   getenvDuration("RECONNECT_CHECK_INTERVAL", 5*time.Second),
			ArchiveInterval:     getenvDuration("ARCHIVE_INTERVAL", 24*time.Hour),
			RetentionDays:       getenvInt("RETENTION_DAYS", 90),
			JobTimeout:          getenvDuration("ENGINE_JOB_TIMEOUT", 30*time.Second),
		},
	}
}

const (
	GatewayDaraja  = "daraja"
	GatewaySandbox = "sandbox"
)

// RemoteSyncEnabled reports whether a remote durable store is configured.
func (c Config) RemoteSyncEnabled() bool {
	return strings.TrimSpace(c.Firebase.ProjectID) != ""
}

func normalizeGatewayMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case GatewayDaraja:
		return GatewayDaraja
	default:
		return GatewaySandbox
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
