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
	defaultPort                 = "3000"
	defaultMaxChunkSizeBytes    = 10 * 1024 * 1024        // 10MB
	defaultMaxUploadBytes int64 = 4 * 1024 * 1024 * 1024 // 4GB
	defaultUploadDir            = "uploads"
	defaultSpeedWindow          = 3
	defaultIngestMode           = IngestBoth
	defaultTransferAgent        = AgentRsync
	defaultRsyncBinary          = "rsync"
	defaultSSHPort              = "22"
	defaultSSHKeyPath           = "/app/ssh/kkey"
	defaultRemotePath           = "transcribe/audio/"
	defaultReleaseTag           = "audio-inbox"
	defaultLogLevel             = "INFO"
)

// Ingestion modes select which front-door protocols are exposed.
const (
	IngestChunked = "chunked"
	IngestStream  = "stream"
	IngestBoth    = "both"
)

// Transfer agents supported for the hand-off stage.
const (
	AgentRsync  = "rsync"
	AgentGitHub = "github"
)

// Config captures server runtime configuration.
type Config struct {
	Port               string
	DatabaseURL        string
	AllowedOrigins     []string
	AllowedOwners      []string
	LogLevel           string
	IngestMode         string
	UploadDir          string
	MaxChunkSizeBytes  int64
	MaxUploadBytes     int64
	SpeedWindow        int
	PipelineTimeout    time.Duration
	IdleSessionTimeout time.Duration
	SweepInterval      time.Duration
	KeepAliveTimeout   time.Duration

	TransferAgent string
	RsyncBinary   string
	SSHHost       string
	SSHPort       string
	SSHUser       string
	SSHKeyPath    string
	RemotePath    string

	GitHubToken string
	GitHubOwner string
	GitHubRepo  string
	ReleaseTag  string
}

// Load reads environment variables into a Config structure.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", defaultPort),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AllowedOrigins:     parseList("ALLOWED_ORIGINS", []string{"*"}),
		AllowedOwners:      parseList("ALLOWED_OWNERS", nil),
		LogLevel:           getEnv("LOG_LEVEL", defaultLogLevel),
		IngestMode:         strings.ToLower(getEnv("INGEST_MODE", defaultIngestMode)),
		UploadDir:          getEnv("UPLOAD_DIR", defaultUploadDir),
		MaxChunkSizeBytes:  parseInt64("UPLOAD_MAX_CHUNK_SIZE", defaultMaxChunkSizeBytes),
		MaxUploadBytes:     parseInt64("UPLOAD_MAX_SIZE", defaultMaxUploadBytes),
		SpeedWindow:        int(parseInt64("UPLOAD_SPEED_WINDOW", defaultSpeedWindow)),
		PipelineTimeout:    parseDuration("PIPELINE_TIMEOUT", time.Hour),
		IdleSessionTimeout: parseDuration("UPLOAD_IDLE_SESSION_TIMEOUT", 30*time.Minute),
		SweepInterval:      parseDuration("SWEEP_INTERVAL", time.Minute),
		KeepAliveTimeout:   parseDuration("KEEP_ALIVE_TIMEOUT", 2*time.Minute),

		TransferAgent: strings.ToLower(getEnv("TRANSFER_AGENT", defaultTransferAgent)),
		RsyncBinary:   getEnv("RSYNC_BINARY", defaultRsyncBinary),
		SSHHost:       os.Getenv("SSH_HOST"),
		SSHPort:       getEnv("SSH_PORT", defaultSSHPort),
		SSHUser:       os.Getenv("SSH_USER"),
		SSHKeyPath:    getEnv("SSH_KEY_PATH", defaultSSHKeyPath),
		RemotePath:    getEnv("SSH_REMOTE_PATH", defaultRemotePath),

		GitHubToken: os.Getenv("GITHUB_ACCESS_TOKEN"),
		GitHubOwner: os.Getenv("GITHUB_STORAGE_OWNER"),
		GitHubRepo:  os.Getenv("GITHUB_STORAGE_REPO"),
		ReleaseTag:  getEnv("GITHUB_RELEASE_TAG", defaultReleaseTag),
	}

	switch cfg.IngestMode {
	case IngestChunked, IngestStream, IngestBoth:
	default:
		return nil, fmt.Errorf("unsupported INGEST_MODE %q", cfg.IngestMode)
	}

	switch cfg.TransferAgent {
	case AgentRsync:
		if cfg.SSHHost == "" {
			return nil, errors.New("SSH_HOST is required")
		}
		if cfg.SSHUser == "" {
			return nil, errors.New("SSH_USER is required")
		}
	case AgentGitHub:
		if cfg.GitHubToken == "" {
			return nil, errors.New("GITHUB_ACCESS_TOKEN is required")
		}
		if cfg.GitHubOwner == "" {
			return nil, errors.New("GITHUB_STORAGE_OWNER is required")
		}
		if cfg.GitHubRepo == "" {
			return nil, errors.New("GITHUB_STORAGE_REPO is required")
		}
	default:
		return nil, fmt.Errorf("unsupported TRANSFER_AGENT %q", cfg.TransferAgent)
	}

	if cfg.DatabaseURL == "" && len(cfg.AllowedOwners) == 0 {
		return nil, errors.New("either DATABASE_URL or ALLOWED_OWNERS is required")
	}

	if cfg.MaxChunkSizeBytes <= 0 {
		cfg.MaxChunkSizeBytes = defaultMaxChunkSizeBytes
	}
	if cfg.MaxUploadBytes < cfg.MaxChunkSizeBytes {
		cfg.MaxUploadBytes = cfg.MaxChunkSizeBytes
	}
	if cfg.SpeedWindow < 1 {
		cfg.SpeedWindow = defaultSpeedWindow
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = defaultUploadDir
	}
	if !filepath.IsAbs(cfg.UploadDir) {
		cfg.UploadDir = filepath.Join(os.TempDir(), cfg.UploadDir)
	}

	return cfg, nil
}

// ChunkedEnabled reports whether the per-chunk POST protocol is exposed.
func (c *Config) ChunkedEnabled() bool {
	return c.IngestMode == IngestChunked || c.IngestMode == IngestBoth
}

// StreamEnabled reports whether the whole-file streaming protocol is exposed.
func (c *Config) StreamEnabled() bool {
	return c.IngestMode == IngestStream || c.IngestMode == IngestBoth
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt64(key string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return dur
}

func parseList(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
