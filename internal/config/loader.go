// Package config loads layered configuration: defaults, then an
// optional studio.yaml, then STUDIO_* environment variables, then
// runtime overrides.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	gfconfig "github.com/fulmenhq/gofulmen/config"
)

const appName = "studio"

// Config is the fully resolved configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Ollama  OllamaConfig  `mapstructure:"ollama"`
	History HistoryConfig `mapstructure:"history"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type PathsConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	ScriptsDir  string `mapstructure:"scripts_dir"`
	ProjectsDir string `mapstructure:"projects_dir"`
}

type JobsConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	ExportTimeout   time.Duration `mapstructure:"export_timeout"`
	StderrTailLines int           `mapstructure:"stderr_tail_lines"`
}

type OllamaConfig struct {
	ModelsDir        string        `mapstructure:"models_dir"`
	DefaultModelsDir string        `mapstructure:"default_models_dir"`
	HFEndpoint       string        `mapstructure:"hf_endpoint"`
	RestartWait      time.Duration `mapstructure:"restart_wait"`
	LaunchWait       time.Duration `mapstructure:"launch_wait"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envSpec maps one environment variable onto a config key.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: "STUDIO_HOST", Path: "server.host"},
		{Name: "STUDIO_PORT", Path: "server.port"},
		{Name: "STUDIO_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "STUDIO_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "STUDIO_IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "STUDIO_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "STUDIO_LOG_LEVEL", Path: "logging.level"},
		{Name: "STUDIO_LOG_PROFILE", Path: "logging.profile"},
		{Name: "STUDIO_WORKERS", Path: "workers"},
		{Name: "STUDIO_DEBUG", Path: "debug.enabled"},
		{Name: "STUDIO_DATA_DIR", Path: "paths.data_dir"},
		{Name: "STUDIO_SCRIPTS_DIR", Path: "paths.scripts_dir"},
		{Name: "STUDIO_PROJECTS_DIR", Path: "paths.projects_dir"},
		{Name: "STUDIO_JOB_TIMEOUT", Path: "jobs.default_timeout"},
		{Name: "STUDIO_EXPORT_TIMEOUT", Path: "jobs.export_timeout"},
		{Name: "STUDIO_STDERR_TAIL_LINES", Path: "jobs.stderr_tail_lines"},
		{Name: "STUDIO_OLLAMA_MODELS_DIR", Path: "ollama.models_dir"},
		{Name: "STUDIO_HF_ENDPOINT", Path: "ollama.hf_endpoint"},
		{Name: "STUDIO_OLLAMA_RESTART_WAIT", Path: "ollama.restart_wait"},
		{Name: "STUDIO_OLLAMA_LAUNCH_WAIT", Path: "ollama.launch_wait"},
		{Name: "STUDIO_HISTORY_ENABLED", Path: "history.enabled"},
		{Name: "STUDIO_HISTORY_PATH", Path: "history.path"},
	}
}

func setDefaults(v *viper.Viper) {
	dataDir := gfconfig.GetAppDataDir(appName)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("workers", 4)
	v.SetDefault("debug.enabled", false)

	v.SetDefault("paths.data_dir", dataDir)
	v.SetDefault("paths.scripts_dir", filepath.Join(dataDir, "scripts"))
	v.SetDefault("paths.projects_dir", filepath.Join(dataDir, "projects"))

	v.SetDefault("jobs.default_timeout", "0")
	v.SetDefault("jobs.export_timeout", "1800s")
	v.SetDefault("jobs.stderr_tail_lines", 12)

	v.SetDefault("ollama.models_dir", "")
	v.SetDefault("ollama.default_models_dir", "")
	v.SetDefault("ollama.hf_endpoint", "")
	v.SetDefault("ollama.restart_wait", "15s")
	v.SetDefault("ollama.launch_wait", "20s")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", filepath.Join(dataDir, "history.db"))
}

// Load resolves configuration with precedence runtime overrides > env >
// config file > defaults, stores the result for GetConfig, and returns
// it.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(appName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(gfconfig.GetAppDataDir(appName))
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	// Set outranks env and file values in viper, which is exactly the
	// precedence runtime overrides need.
	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, nil before
// the first Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
