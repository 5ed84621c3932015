// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service configuration from an optional YAML file,
// environment overrides and defaults, in that order of precedence (env wins
// over the file, the file wins over defaults).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llmcouncil/council"
)

// Config is the whole service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Council     council.Config    `yaml:"council"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Storage     StorageConfig     `yaml:"storage"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Secrets     SecretsConfig     `yaml:"secrets"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// JWTSecret enables bearer-token client keys when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type DispatchConfig struct {
	StaggerInterval time.Duration `yaml:"stagger_interval"`
	// StaggerJitter < 0 disables jitter; 0 means the default.
	StaggerJitter time.Duration `yaml:"stagger_jitter"`
}

type GatewayConfig struct {
	GoogleAPIKey     string `yaml:"google_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	OpenRouterURL    string `yaml:"openrouter_url"`
	OpenRouterTitle  string `yaml:"openrouter_title"`
	BedrockRegion    string `yaml:"bedrock_region"`
	// Fallbacks maps a model to its substitute.
	Fallbacks       map[string]string `yaml:"fallbacks"`
	MaxFallbackHops int               `yaml:"max_fallback_hops"`
	RetryAttempts   int               `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration     `yaml:"retry_base_delay"`
	// FallthroughToGeneric is a pointer so an explicit false survives
	// default filling.
	FallthroughToGeneric *bool `yaml:"fallthrough_to_generic"`
}

// Fallthrough reports the effective fall-through setting.
func (g GatewayConfig) Fallthrough() bool {
	return g.FallthroughToGeneric == nil || *g.FallthroughToGeneric
}

// Rate-limit categories.
const (
	CategoryMessage      = "message"
	CategoryConversation = "conversation"
	CategoryUpload       = "upload"
)

type RateLimitConfig struct {
	Backend  string         `yaml:"backend"` // memory | redis
	RedisURL string         `yaml:"redis_url"`
	Window   time.Duration  `yaml:"window"`
	Limits   map[string]int `yaml:"limits"`
}

// Limit returns the per-window budget for a category.
func (r RateLimitConfig) Limit(category string) int {
	if n, ok := r.Limits[category]; ok && n > 0 {
		return n
	}
	return defaultLimits[category]
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // file | mongodb | postgres | mysql
	Dir      string `yaml:"dir"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type AttachmentsConfig struct {
	Backend          string `yaml:"backend"` // local | s3 | gcs | azblob
	Dir              string `yaml:"dir"`
	Bucket           string `yaml:"bucket"`
	Prefix           string `yaml:"prefix"`
	Region           string `yaml:"region"`
	Endpoint         string `yaml:"endpoint"`
	ForcePathStyle   bool   `yaml:"force_path_style"`
	CredentialsFile  string `yaml:"credentials_file"`
	Container        string `yaml:"container"`
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	ConnectionString string `yaml:"connection_string"`
}

type SecretsConfig struct {
	// AWSSecretARN names a JSON secret holding provider API keys.
	AWSSecretARN string `yaml:"aws_secret_arn"`
	Region       string `yaml:"region"`
}

// Defaults.
var (
	DefaultCouncilModels  = []string{"gemini-3-flash-preview", "gemini-2.5-flash", "gemini-2.5-flash-lite", "gemma-3-27b-it"}
	DefaultCritiqueModels = []string{"gemini-2.5-flash-lite"}
	DefaultChairmanModel  = "gemini-3-flash-preview"
	defaultLimits         = map[string]int{CategoryMessage: 10, CategoryConversation: 30, CategoryUpload: 20}
)

// Default returns the configuration used with no file and no environment.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

// Load reads path (optional), applies environment overrides and fills
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8001"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	if len(c.Council.ExploreModels) == 0 {
		c.Council.ExploreModels = append([]string(nil), DefaultCouncilModels...)
	}
	if len(c.Council.CritiqueModels) == 0 {
		c.Council.CritiqueModels = append([]string(nil), DefaultCritiqueModels...)
	}
	if c.Council.ChairmanModel == "" {
		c.Council.ChairmanModel = DefaultChairmanModel
	}
	if c.Council.ModelTimeout <= 0 {
		c.Council.ModelTimeout = 20 * time.Second
	}

	if c.Dispatch.StaggerInterval <= 0 {
		c.Dispatch.StaggerInterval = 1500 * time.Millisecond
	}
	if c.Dispatch.StaggerJitter < 0 {
		c.Dispatch.StaggerJitter = 0
	} else if c.Dispatch.StaggerJitter == 0 {
		c.Dispatch.StaggerJitter = 500 * time.Millisecond
	}

	if c.Gateway.OpenRouterURL == "" {
		c.Gateway.OpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	if c.Gateway.MaxFallbackHops <= 0 {
		c.Gateway.MaxFallbackHops = 1
	}
	if c.Gateway.RetryAttempts <= 0 {
		c.Gateway.RetryAttempts = 3
	}
	if c.Gateway.RetryBaseDelay <= 0 {
		c.Gateway.RetryBaseDelay = 2 * time.Second
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 60 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data/conversations"
	}

	if c.Attachments.Backend == "" {
		c.Attachments.Backend = "local"
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = "data/uploads"
	}
}

// applyEnv overlays environment variables onto values read from the file.
func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	if v := getEnvList("ALLOWED_ORIGINS"); v != nil {
		c.Server.AllowedOrigins = v
	}
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)

	if v := getEnvList("COUNCIL_MODELS"); v != nil {
		c.Council.ExploreModels = v
	}
	if v := getEnvList("CRITIQUE_MODELS"); v != nil {
		c.Council.CritiqueModels = v
	}
	c.Council.ChairmanModel = getEnv("CHAIRMAN_MODEL", c.Council.ChairmanModel)
	var err error
	if c.Council.ModelTimeout, err = getEnvDuration("MODEL_TIMEOUT", c.Council.ModelTimeout); err != nil {
		return err
	}

	c.Gateway.GoogleAPIKey = getEnv("GOOGLE_API_KEY", c.Gateway.GoogleAPIKey)
	c.Gateway.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", c.Gateway.OpenRouterAPIKey)
	c.Gateway.OpenRouterURL = getEnv("OPENROUTER_API_URL", c.Gateway.OpenRouterURL)
	c.Gateway.BedrockRegion = getEnv("BEDROCK_REGION", c.Gateway.BedrockRegion)
	if v := os.Getenv("FALLTHROUGH_TO_GENERIC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FALLTHROUGH_TO_GENERIC %q: %w", v, err)
		}
		c.Gateway.FallthroughToGeneric = &b
	}

	c.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.RedisURL = getEnv("REDIS_URL", c.RateLimit.RedisURL)
	for _, category := range []string{CategoryMessage, CategoryConversation, CategoryUpload} {
		key := "RATE_LIMIT_" + strings.ToUpper(category)
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", key, v)
		}
		if c.RateLimit.Limits == nil {
			c.RateLimit.Limits = map[string]int{}
		}
		c.RateLimit.Limits[category] = n
	}

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("DATA_DIR", c.Storage.Dir)
	c.Storage.URI = getEnv("DATABASE_URL", c.Storage.URI)
	c.Storage.Database = getEnv("DATABASE_NAME", c.Storage.Database)

	c.Attachments.Backend = getEnv("ATTACHMENTS_BACKEND", c.Attachments.Backend)
	c.Attachments.Dir = getEnv("UPLOAD_DIR", c.Attachments.Dir)
	c.Attachments.Bucket = getEnv("ATTACHMENTS_BUCKET", c.Attachments.Bucket)
	c.Attachments.Container = getEnv("ATTACHMENTS_CONTAINER", c.Attachments.Container)
	c.Attachments.ConnectionString = getEnv("AZURE_STORAGE_CONNECTION_STRING", c.Attachments.ConnectionString)

	c.Secrets.AWSSecretARN = getEnv("AWS_SECRET_ARN", c.Secrets.AWSSecretARN)
	c.Secrets.Region = getEnv("AWS_REGION", c.Secrets.Region)
	return nil
}

// Validate rejects unknown backends and incomplete backend settings.
func (c *Config) Validate() error {
	if len(c.Council.ExploreModels) == 0 {
		return fmt.Errorf("council.explore_models must not be empty")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("ratelimit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend)
	}
	switch c.Storage.Backend {
	case "file":
	case "mongodb", "postgres", "mysql":
		if c.Storage.URI == "" {
			return fmt.Errorf("storage.uri is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Attachments.Backend {
	case "local":
	case "s3", "gcs":
		if c.Attachments.Bucket == "" {
			return fmt.Errorf("attachments.bucket is required for the %s backend", c.Attachments.Backend)
		}
	case "azblob":
		if c.Attachments.Container == "" {
			return fmt.Errorf("attachments.container is required for the azblob backend")
		}
	default:
		return fmt.Errorf("unknown attachments backend %q", c.Attachments.Backend)
	}
	return nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} and $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars substitutes environment references; undefined variables
// without a default become empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// Bare numbers are seconds.
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
