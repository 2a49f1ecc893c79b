// Package config loads talkie's settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/talkie-voice-lab/internal/module"
)

// Module names used as keys under `modules:` and in TALKIE_<NAME>_URL.
const (
	ModuleSpeech  = "speech"
	ModuleLLM     = "llm"
	ModuleRAG     = "rag"
	ModuleBrowser = "browser"
)

// ModuleNames lists every capability backend talkie configures.
var ModuleNames = []string{ModuleSpeech, ModuleLLM, ModuleRAG, ModuleBrowser}

type Config struct {
	LogLevel  string `yaml:"log_level"`
	SessionID string `yaml:"session_id"`
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`
	KVDir     string `yaml:"kv_dir"`

	Capture   CaptureConfig           `yaml:"capture"`
	Pipeline  PipelineConfig          `yaml:"pipeline"`
	Modules   map[string]ModuleConfig `yaml:"modules"`
	Discovery DiscoveryConfig         `yaml:"discovery"`
	Speech    SpeechConfig            `yaml:"speech"`
	LLM       LLMConfig               `yaml:"llm"`
	Browser   BrowserConfig           `yaml:"browser"`
	Server    ServerConfig            `yaml:"server"`

	// CalibrationPath is the overlay file; empty uses calibration.yaml next
	// to the config file.
	CalibrationPath string `yaml:"calibration_path"`

	// Sources lists the files that contributed, for diagnostics.
	Sources []string `yaml:"-"`
}

type CaptureConfig struct {
	// Source is "stdin" (raw s16le mono) or "discord".
	Source           string        `yaml:"source"`
	SampleRate       int           `yaml:"sample_rate"`
	ChunkDurationSec float64       `yaml:"chunk_duration_sec"`
	Discord          DiscordConfig `yaml:"discord"`
}

type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
	UserID    string `yaml:"user_id"`
}

// ChunkDuration converts ChunkDurationSec.
func (c CaptureConfig) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkDurationSec * float64(time.Second))
}

type GenerationParams struct {
	NumPredict  int     `yaml:"num_predict"`
	Temperature float64 `yaml:"temperature"`
}

type RegenerationConfig struct {
	Enabled          bool `yaml:"enabled"`
	GenerationParams `yaml:",inline"`
}

type PipelineConfig struct {
	MinTranscriptionLength int                `yaml:"min_transcription_length"`
	FuzzyThreshold         float64            `yaml:"fuzzy_threshold"`
	CertaintyThreshold     float64            `yaml:"certainty_threshold"`
	RecentN                int                `yaml:"recent_n"`
	TopK                   int                `yaml:"top_k"`
	OutputBuffer           int                `yaml:"output_buffer"`
	SystemPrompt           string             `yaml:"system_prompt"`
	Regeneration           RegenerationConfig `yaml:"regeneration"`
	Answer                 GenerationParams   `yaml:"answer"`
	TrainingMode           bool               `yaml:"training_mode"`
	BrowseMode             bool               `yaml:"browse_mode"`
	DocQAMode              bool               `yaml:"doc_qa_mode"`
	StopTimeout            time.Duration      `yaml:"stop_timeout"`
}

// ModuleConfig is the file form of module.Endpoint.
type ModuleConfig struct {
	Mode                string        `yaml:"mode"`
	BaseURL             string        `yaml:"base_url"`
	BaseURLs            []string      `yaml:"base_urls"`
	LoadBalancing       string        `yaml:"load_balancing"`
	APIKey              string        `yaml:"api_key"`
	Timeout             time.Duration `yaml:"timeout"`
	RetryMax            *int          `yaml:"retry_max"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UseServiceDiscovery bool          `yaml:"use_service_discovery"`
	ServiceName         string        `yaml:"service_name"`
}

type DiscoveryConfig struct {
	// Domain enables DNS SRV lookups under it.
	Domain string `yaml:"domain"`
	Scheme string `yaml:"scheme"`
	// Static maps service names to base URLs and wins over DNS.
	Static map[string]string `yaml:"static"`
}

type SpeechConfig struct {
	WhisperURL       string `yaml:"whisper_url"`
	TTSURL           string `yaml:"tts_url"`
	TTSPlayer        string `yaml:"tts_player"`
	VoiceProfilePath string `yaml:"voice_profile"`
	SaveAudioDir     string `yaml:"save_audio_dir"`
}

type LLMConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	MaxTokens     int    `yaml:"max_tokens"`
}

type BrowserConfig struct {
	// MCPServer names an entry of the merged MCP manifest.
	MCPServer string `yaml:"mcp_server"`
	Tool      string `yaml:"tool"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
	Events bool   `yaml:"events"`
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := Config{
		LogLevel: "info",
		DataDir:  defaultDataDir(),
		Capture: CaptureConfig{
			Source:           "stdin",
			SampleRate:       16000,
			ChunkDurationSec: 5,
		},
		Pipeline: PipelineConfig{
			MinTranscriptionLength: 3,
			FuzzyThreshold:         0.8,
			CertaintyThreshold:     0.7,
			RecentN:                10,
			TopK:                   5,
			OutputBuffer:           32,
			Regeneration:           RegenerationConfig{Enabled: true, GenerationParams: GenerationParams{NumPredict: 128, Temperature: 0.2}},
			Answer:                 GenerationParams{NumPredict: 256, Temperature: 0.7},
			StopTimeout:            10 * time.Second,
		},
		Modules:   map[string]ModuleConfig{},
		Discovery: DiscoveryConfig{Scheme: "http"},
		Server:    ServerConfig{Addr: ":8765", Events: true},
	}
	for _, name := range ModuleNames {
		cfg.Modules[name] = ModuleConfig{Mode: string(module.ModeLocal)}
	}
	return cfg
}

func defaultDataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "talkie")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "talkie")
	}
	return ".talkie"
}

// Load builds the configuration. path may be empty: TALKIE_CONFIG and then
// ./talkie.yaml are tried, and a missing file means defaults only. envFile
// is loaded into the process environment first when present.
func Load(path, envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	explicit := path != ""
	if path == "" {
		path = os.Getenv("TALKIE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "talkie.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Sources = append(cfg.Sources, path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	calPath := cfg.CalibrationPath
	if calPath == "" {
		calPath = filepath.Join(filepath.Dir(path), "calibration.yaml")
		cfg.CalibrationPath = calPath
	}
	cal, err := LoadCalibration(calPath)
	if err != nil {
		return Config{}, err
	}
	if cal != nil {
		cal.Apply(&cfg)
		cfg.Sources = append(cfg.Sources, calPath)
	}

	applyEnv(&cfg)
	cfg.fillDerived()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DBPath, "TALKIE_DB_PATH")
	setString(&cfg.DataDir, "TALKIE_DATA_DIR")
	setString(&cfg.SessionID, "TALKIE_SESSION_ID")
	setString(&cfg.Server.Addr, "TALKIE_SERVER_ADDR")
	setString(&cfg.Server.APIKey, "TALKIE_SERVER_API_KEY")

	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.Model, "OPENAI_MODEL")
	setString(&cfg.LLM.FallbackModel, "OPENAI_FALLBACK_MODEL")
	if v, err := strconv.Atoi(os.Getenv("LLM_MAX_TOKENS")); err == nil && v > 0 {
		cfg.LLM.MaxTokens = v
	}

	setString(&cfg.Speech.WhisperURL, "WHISPER_URL")
	setString(&cfg.Speech.TTSURL, "TTS_URL")
	setString(&cfg.Speech.TTSPlayer, "TTS_PLAYER")
	setString(&cfg.Speech.SaveAudioDir, "SAVE_AUDIO_DIR")

	setString(&cfg.Capture.Discord.Token, "DISCORD_BOT_TOKEN")
	setString(&cfg.Capture.Discord.GuildID, "DISCORD_GUILD_ID")
	setString(&cfg.Capture.Discord.ChannelID, "DISCORD_VOICE_CHANNEL_ID")

	for _, name := range ModuleNames {
		mc := cfg.Modules[name]
		prefix := "TALKIE_" + strings.ToUpper(name)
		// a comma separated list names several instances
		if v := os.Getenv(prefix + "_URL"); v != "" {
			urls := strings.Split(v, ",")
			mc.BaseURL = strings.TrimSpace(urls[0])
			mc.BaseURLs = nil
			for _, u := range urls[1:] {
				if u = strings.TrimSpace(u); u != "" {
					mc.BaseURLs = append(mc.BaseURLs, u)
				}
			}
			mc.Mode = string(module.ModeRemote)
		}
		setString(&mc.LoadBalancing, prefix+"_LOAD_BALANCING")
		setString(&mc.APIKey, prefix+"_API_KEY")
		setString(&mc.Mode, prefix+"_MODE")
		cfg.Modules[name] = mc
	}
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func (c *Config) fillDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "history.db")
	}
	if c.KVDir == "" {
		c.KVDir = filepath.Join(c.DataDir, "kv")
	}
	if c.Modules == nil {
		c.Modules = map[string]ModuleConfig{}
	}
	for _, name := range ModuleNames {
		if _, ok := c.Modules[name]; !ok {
			c.Modules[name] = ModuleConfig{Mode: string(module.ModeLocal)}
		}
	}
}

// Validate rejects configurations that cannot produce working endpoints.
func (c Config) Validate() error {
	var errs []error
	if c.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be positive, got %d", c.Capture.SampleRate))
	}
	if c.Capture.ChunkDurationSec <= 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_duration_sec must be positive"))
	}
	switch c.Capture.Source {
	case "stdin", "discord":
	default:
		errs = append(errs, fmt.Errorf("capture.source: unknown source %q", c.Capture.Source))
	}
	for name, mc := range c.Modules {
		switch module.Mode(mc.Mode) {
		case module.ModeLocal:
		case module.ModeRemote:
			if strings.TrimSpace(mc.BaseURL) == "" && len(mc.BaseURLs) == 0 && !mc.UseServiceDiscovery {
				errs = append(errs, fmt.Errorf("modules.%s: remote mode needs base_url, base_urls or use_service_discovery", name))
			}
			switch module.Strategy(mc.LoadBalancing) {
			case "", module.StrategyRoundRobin, module.StrategyRandom, module.StrategyHealthBased, module.StrategyLeastConnections:
			default:
				errs = append(errs, fmt.Errorf("modules.%s: unknown load_balancing %q", name, mc.LoadBalancing))
			}
		default:
			errs = append(errs, fmt.Errorf("modules.%s: unknown mode %q", name, mc.Mode))
		}
	}
	if t := c.Pipeline.FuzzyThreshold; t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.fuzzy_threshold must be at most 1, got %v", t))
	}
	return errors.Join(errs...)
}

// Endpoint converts a module's settings into a module.Endpoint. handlers is
// used when the module runs locally.
func (c Config) Endpoint(name string, handlers module.Handlers) module.Endpoint {
	mc := c.Modules[name]
	ep := module.DefaultEndpoint(name, mc.BaseURL)
	ep.Mode = module.Mode(mc.Mode)
	if ep.Mode == module.ModeLocal {
		ep.Handlers = handlers
	}
	ep.BaseURLs = mc.BaseURLs
	ep.Balancing = module.Strategy(mc.LoadBalancing)
	ep.APIKey = mc.APIKey
	if mc.Timeout > 0 {
		ep.Timeout = mc.Timeout
	}
	if mc.RetryMax != nil {
		ep.Retry.Max = *mc.RetryMax
	}
	if mc.RetryDelay > 0 {
		ep.Retry.Delay = mc.RetryDelay
	}
	if mc.RetryMaxDelay > 0 {
		ep.Retry.MaxDelay = mc.RetryMaxDelay
	}
	if mc.FailureThreshold > 0 {
		ep.Breaker.FailureThreshold = mc.FailureThreshold
	}
	if mc.RecoveryTimeout > 0 {
		ep.Breaker.RecoveryTimeout = mc.RecoveryTimeout
	}
	if mc.HealthCheckInterval > 0 {
		ep.HealthCheckInterval = mc.HealthCheckInterval
	}
	ep.UseServiceDiscovery = mc.UseServiceDiscovery
	ep.ServiceName = mc.ServiceName
	return ep
}

// Resolver builds the discovery resolver, or nil when nothing is configured.
func (c Config) Resolver() module.Resolver {
	if len(c.Discovery.Static) > 0 {
		return module.NewStaticResolver(c.Discovery.Static)
	}
	if c.Discovery.Domain != "" {
		return &module.DNSResolver{Domain: c.Discovery.Domain, Scheme: c.Discovery.Scheme}
	}
	return nil
}
