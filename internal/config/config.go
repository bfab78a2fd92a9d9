package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither -config nor VOICEBOT_CONFIG is set
const DefaultPath = "config/config.yaml"

// Path returns the config file location from VOICEBOT_CONFIG or DefaultPath
func Path() string {
	return getEnv("VOICEBOT_CONFIG", DefaultPath)
}

// Config represents the application configuration shared by the bot and
// OAuth processes
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Codec     CodecConfig     `yaml:"codec"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Speech    SpeechConfig    `yaml:"speech"`
	Reply     ReplyConfig     `yaml:"reply"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig is the bot HTTP listener
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OAuthConfig locates the persisted OAuth artifacts and tunes the broker
type OAuthConfig struct {
	ClientSecretFile string        `yaml:"client_secret_file"`
	TokenFile        string        `yaml:"token_file"`
	RedirectURL      string        `yaml:"redirect_url"`
	Scopes           []string      `yaml:"scopes"`
	RefreshMargin    time.Duration `yaml:"refresh_margin"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
}

// PipelineConfig bounds the orchestrator
type PipelineConfig struct {
	MaxCodecJobs       int           `yaml:"max_codec_jobs"`
	MaxRemoteJobs      int           `yaml:"max_remote_jobs"`
	QueueDepth         int           `yaml:"queue_depth"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	AuthAlertThreshold int           `yaml:"auth_alert_threshold"`
	AuthAlertWindow    time.Duration `yaml:"auth_alert_window"`
	OutputFormat       string        `yaml:"output_format"`
	AllowedUsers       []string      `yaml:"allowed_users"`
}

// CodecConfig points at the external transcoder
type CodecConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// WorkspaceConfig controls per-job temp directories
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// SpeechConfig configures the STT/TTS vendor
type SpeechConfig struct {
	STTEndpoint  string        `yaml:"stt_endpoint"`
	TTSEndpoint  string        `yaml:"tts_endpoint"`
	LanguageCode string        `yaml:"language_code"`
	Voice        string        `yaml:"voice"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	MaxChars     int           `yaml:"max_chars"`

	// TTSFallback names a second synthesizer tried when Google fails:
	// "none" or "openai"
	TTSFallback   string `yaml:"tts_fallback"`
	FallbackModel string `yaml:"fallback_model"`
	FallbackVoice string `yaml:"fallback_voice"`
}

// ReplyConfig selects the reply generator
type ReplyConfig struct {
	Provider     string `yaml:"provider"`
	OpenAIKey    string `yaml:"openai_key"`
	OpenAIURL    string `yaml:"openai_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// StorageConfig locates the job journal
type StorageConfig struct {
	Database string `yaml:"database"`
}

// LoggingConfig selects log level and encoding
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LimitsConfig caps inbound payloads
type LimitsConfig struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.OAuth.ClientSecretFile == "" {
		c.OAuth.ClientSecretFile = "client_secret.json"
	}
	if c.OAuth.TokenFile == "" {
		c.OAuth.TokenFile = "google_token.json"
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
	}
	if c.OAuth.RefreshMargin == 0 {
		c.OAuth.RefreshMargin = 2 * time.Minute
	}
	if c.OAuth.RefreshTimeout == 0 {
		c.OAuth.RefreshTimeout = 20 * time.Second
	}
	if c.OAuth.Host == "" {
		c.OAuth.Host = "0.0.0.0"
	}
	if c.OAuth.Port == 0 {
		c.OAuth.Port = 8090
	}

	if c.Pipeline.MaxCodecJobs == 0 {
		c.Pipeline.MaxCodecJobs = 2
	}
	if c.Pipeline.MaxRemoteJobs == 0 {
		c.Pipeline.MaxRemoteJobs = 8
	}
	if c.Pipeline.QueueDepth == 0 {
		c.Pipeline.QueueDepth = 32
	}
	if c.Pipeline.JobTimeout == 0 {
		c.Pipeline.JobTimeout = 90 * time.Second
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.BackoffBase == 0 {
		c.Pipeline.BackoffBase = 500 * time.Millisecond
	}
	if c.Pipeline.BackoffMax == 0 {
		c.Pipeline.BackoffMax = 8 * time.Second
	}
	if c.Pipeline.AuthAlertThreshold == 0 {
		c.Pipeline.AuthAlertThreshold = 3
	}
	if c.Pipeline.AuthAlertWindow == 0 {
		c.Pipeline.AuthAlertWindow = 10 * time.Minute
	}
	if c.Pipeline.OutputFormat == "" {
		c.Pipeline.OutputFormat = "ogg"
	}

	if c.Codec.FFmpegPath == "" {
		c.Codec.FFmpegPath = "ffmpeg"
	}
	if c.Codec.Timeout == 0 {
		c.Codec.Timeout = 30 * time.Second
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = "temp"
	}
	if c.Workspace.SweepInterval == 0 {
		c.Workspace.SweepInterval = 15 * time.Minute
	}
	if c.Workspace.StaleAfter == 0 {
		c.Workspace.StaleAfter = time.Hour
	}

	if c.Speech.LanguageCode == "" {
		c.Speech.LanguageCode = "ru-RU"
	}
	if c.Speech.CallTimeout == 0 {
		c.Speech.CallTimeout = 30 * time.Second
	}
	if c.Speech.MaxChars == 0 {
		c.Speech.MaxChars = 800
	}
	if c.Speech.TTSFallback == "" {
		c.Speech.TTSFallback = "none"
	}

	if c.Reply.Provider == "" {
		c.Reply.Provider = "echo"
	}
	if c.Reply.Model == "" {
		c.Reply.Model = "gpt-4o-mini"
	}

	if c.Storage.Database == "" {
		c.Storage.Database = "voicebot.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Limits.MaxFileSizeMB == 0 {
		c.Limits.MaxFileSizeMB = 20
	}
}

// applyEnv lets secrets and deployment knobs come from the environment
func (c *Config) applyEnv() {
	c.Reply.OpenAIKey = getEnv("OPENAI_API_KEY", c.Reply.OpenAIKey)
	c.OAuth.RedirectURL = getEnv("GOOGLE_REDIRECT_URI", c.OAuth.RedirectURL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	if users := os.Getenv("VOICEBOT_ALLOWED_USERS"); users != "" {
		c.Pipeline.AllowedUsers = splitList(users)
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
		c.Server.Port = port
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Pipeline.MaxCodecJobs < 1 || c.Pipeline.MaxRemoteJobs < 1 {
		return fmt.Errorf("pipeline concurrency bounds must be positive")
	}
	if c.Pipeline.QueueDepth < 0 {
		return fmt.Errorf("pipeline.queue_depth must not be negative")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.BackoffMax < c.Pipeline.BackoffBase {
		return fmt.Errorf("pipeline.backoff_max must be >= backoff_base")
	}
	switch c.Pipeline.OutputFormat {
	case "ogg", "wav", "mp3":
	default:
		return fmt.Errorf("unsupported pipeline.output_format %q", c.Pipeline.OutputFormat)
	}
	if c.OAuth.RefreshMargin < 0 {
		return fmt.Errorf("oauth.refresh_margin must not be negative")
	}
	switch c.Reply.Provider {
	case "echo":
	case "openai":
		if c.Reply.OpenAIKey == "" {
			return fmt.Errorf("reply.provider openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown reply.provider %q", c.Reply.Provider)
	}
	switch c.Speech.TTSFallback {
	case "none":
	case "openai":
		if c.Reply.OpenAIKey == "" {
			return fmt.Errorf("speech.tts_fallback openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown speech.tts_fallback %q", c.Speech.TTSFallback)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// Addr returns the bot listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// OAuthAddr returns the consent server listen address
func (c *Config) OAuthAddr() string {
	return fmt.Sprintf("%s:%d", c.OAuth.Host, c.OAuth.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
