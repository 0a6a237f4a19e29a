// Package config loads service and agent configuration from environment
// variables with working local defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds detection-core server configuration.
type Config struct {
	Port     string
	LogLevel string

	ServerCertPath string
	ServerKeyPath  string
	ClientCAPath   string

	DatabaseURL string
	RedisAddr   string

	DedupWindow time.Duration

	PolicyDir string

	OrchSignKeyPath    string
	OrchVerifyKeyPath  string
	ReceiptSignKeyPath string
	JWTVerifyKeyPath   string

	QueueLeaseTTL   time.Duration
	BundleChunkSize int64
	Compression     string
	BundleDir       string

	ScorerURL string
}

// Load reads server configuration from the environment.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		ServerCertPath: os.Getenv("SERVER_CERT_PATH"),
		ServerKeyPath:  os.Getenv("SERVER_KEY_PATH"),
		ClientCAPath:   os.Getenv("CLIENT_CA_PATH"),

		DatabaseURL: envStr("DATABASE_URL",
			"postgres://ransomeye@localhost:5432/ransomeye?sslmode=disable"),
		RedisAddr: envStr("REDIS_ADDR", ""),

		DedupWindow: envSeconds("DEDUP_WINDOW_SEC", 60),

		PolicyDir: envStr("POLICY_DIR", "policies"),

		OrchSignKeyPath:    os.Getenv("ORCH_SIGN_KEY_PATH"),
		OrchVerifyKeyPath:  os.Getenv("ORCH_VERIFY_KEY_PATH"),
		ReceiptSignKeyPath: os.Getenv("RECEIPT_SIGN_KEY_PATH"),
		JWTVerifyKeyPath:   os.Getenv("JWT_VERIFY_KEY_PATH"),

		QueueLeaseTTL:   envSeconds("QUEUE_LEASE_TTL_SEC", 60),
		BundleChunkSize: envInt64("BUNDLE_CHUNK_SIZE_MB", 256) << 20,
		Compression:     envStr("COMPRESSION", "auto"),
		BundleDir:       envStr("BUNDLE_DIR", "bundles"),

		ScorerURL: envStr("SCORER_URL", ""),
	}
}

// AgentConfig holds endpoint agent configuration.
type AgentConfig struct {
	CoreAPIURL string

	CertPath string
	KeyPath  string
	CAPath   string

	BufferDir         string
	MaxBufferBytes    int64
	HeartbeatInterval time.Duration
	UploadBatchSize   int

	ReceiptPubkeyPath string
	JournalPath       string

	UpdatePubkeyPath string
	SelfTestCmd      string

	AgentID string
}

// LoadAgent reads agent configuration from the environment.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		CoreAPIURL: envStr("CORE_API_URL", "https://localhost:8080"),

		CertPath: os.Getenv("AGENT_CERT_PATH"),
		KeyPath:  os.Getenv("AGENT_KEY_PATH"),
		CAPath:   os.Getenv("CA_CERT_PATH"),

		BufferDir:         envStr("BUFFER_DIR", "/var/lib/ransomeye/buffer"),
		MaxBufferBytes:    envInt64("MAX_BUFFER_MB", 512) << 20,
		HeartbeatInterval: envSeconds("HEARTBEAT_INTERVAL_SEC", 60),
		UploadBatchSize:   int(envInt64("UPLOAD_BATCH_SIZE", 64)),

		ReceiptPubkeyPath: os.Getenv("RECEIPT_PUBKEY_PATH"),
		JournalPath:       envStr("JOURNAL_PATH", "/var/lib/ransomeye/journal.db"),

		UpdatePubkeyPath: os.Getenv("UPDATE_PUBKEY_PATH"),
		SelfTestCmd:      os.Getenv("SELF_TEST_CMD"),

		AgentID: envStr("AGENT_ID", hostID()),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int64) time.Duration {
	return time.Duration(envInt64(key, fallback)) * time.Second
}

func hostID() string {
	name, err := os.Hostname()
	if err != nil {
		return "agent-unknown"
	}
	return name
}
