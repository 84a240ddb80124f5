package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for every tabhub command.
type Config struct {
	// Local command socket
	SocketPath string
	TokenFile  string

	// Status API and channel endpoint
	HTTPAddr           string
	HTTPAddrCandidates []string
	PortAutoFallback   bool
	HostURL            string

	// Coordination limits
	RequestTimeout   time.Duration
	ReadinessMaxWait time.Duration
	PolicyFile       string

	// Logging and storage
	LogLevel    string
	LogFile     string
	SnapshotDir string
	AuditDir    string
	NotifyURL   string

	// Browser
	CDPAddress    string
	CDPPort       int
	LaunchBrowser bool
	ProfileDir    string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	runDir := defaultRunDir()
	cfg := &Config{
		SocketPath:         getEnvOrDefault("TABHUB_SOCKET_PATH", filepath.Join(runDir, "tabhub.sock")),
		TokenFile:          getEnvOrDefault("TABHUB_TOKEN_FILE", ""),
		HTTPAddr:           getEnvOrDefault("TABHUB_HTTP_ADDR", "127.0.0.1:8290"),
		HTTPAddrCandidates: splitList(getEnvOrDefault("TABHUB_HTTP_ADDR_CANDIDATES", "127.0.0.1:8291,127.0.0.1:8292,127.0.0.1:8293")),
		PortAutoFallback:   getEnvBoolOrDefault("TABHUB_PORT_AUTO_FALLBACK", true),
		HostURL:            getEnvOrDefault("TABHUB_HOST_URL", ""),
		RequestTimeout:     time.Duration(getEnvIntOrDefault("TABHUB_REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		ReadinessMaxWait:   time.Duration(getEnvIntOrDefault("TABHUB_READINESS_MAX_WAIT_MS", 10000)) * time.Millisecond,
		PolicyFile:         getEnvOrDefault("TABHUB_POLICY_FILE", ""),
		LogLevel:           strings.ToLower(getEnvOrDefault("TABHUB_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("TABHUB_LOG_FILE", "logs/tabhub.log"),
		SnapshotDir:        getEnvOrDefault("TABHUB_SNAPSHOT_DIR", ""),
		AuditDir:           getEnvOrDefault("TABHUB_AUDIT_DIR", ""),
		NotifyURL:          getEnvOrDefault("TABHUB_NOTIFY_URL", ""),
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LaunchBrowser:      getEnvBoolOrDefault("CHROMIUM_LAUNCH", false),
		ProfileDir:         getEnvOrDefault("CHROMIUM_PROFILE_DIR", filepath.Join(runDir, "chromium-profile")),
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = filepath.Join(filepath.Dir(cfg.SocketPath), "tabhub.token")
	}
	if cfg.HostURL == "" {
		cfg.HostURL = "ws://" + cfg.HTTPAddr + "/channel"
	}
	if cfg.RequestTimeout < time.Second {
		cfg.RequestTimeout = time.Second
	}
	if cfg.ReadinessMaxWait <= 0 {
		cfg.ReadinessMaxWait = 10 * time.Second
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid TABHUB_LOG_LEVEL %q", c.LogLevel)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("invalid CHROMIUM_CDP_PORT %d", c.CDPPort)
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func defaultRunDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tabhub")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("tabhub-%d", os.Getuid()))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
