package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Source        SourceConfig        `koanf:"source"`
	Build         BuildConfig         `koanf:"build"`
	Storage       StorageConfig       `koanf:"storage"`
	Artifacts     ArtifactsConfig     `koanf:"artifacts"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Rules         []RuleConfig        `koanf:"rules"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// PipelineConfig names the pipeline and the account/region it reports as.
type PipelineConfig struct {
	Name    string `koanf:"name"`
	Account string `koanf:"account"`
	Region  string `koanf:"region"`
}

// SourceConfig selects the source provider. Exactly one of the provider
// sections is used, according to Provider.
type SourceConfig struct {
	Provider   string           `koanf:"provider"` // codecommit, github
	CodeCommit CodeCommitConfig `koanf:"codecommit"`
	GitHub     GitHubConfig     `koanf:"github"`
}

// CodeCommitConfig configures the self-hosted managed repository provider.
type CodeCommitConfig struct {
	Repository string `koanf:"repository"`
	Branch     string `koanf:"branch"`
	Endpoint   string `koanf:"endpoint"` // managed repository service base URL
}

// GitHubConfig configures the hosted provider.
type GitHubConfig struct {
	Owner         string `koanf:"owner"`
	Repository    string `koanf:"repository"`
	Branch        string `koanf:"branch"`
	Token         string `koanf:"token"`
	WebhookSecret string `koanf:"webhook_secret"`
	APIURL        string `koanf:"api_url"` // default https://api.github.com
}

// BuildConfig configures the build subsystem endpoint and the projects the
// pipeline invokes.
type BuildConfig struct {
	Endpoint          string            `koanf:"endpoint"`
	Timeout           string            `koanf:"timeout"` // duration string like "30m"
	Retries           int               `koanf:"retries"`
	Headers           map[string]string `koanf:"headers"`
	ValidationProject string            `koanf:"validation_project"`
	TestProject       string            `koanf:"test_project"`
	ReleaseProject    string            `koanf:"release_project"`
	DeployProject     string            `koanf:"deploy_project"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, postgres, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// ArtifactsConfig selects the inter-stage artifact store.
type ArtifactsConfig struct {
	Type  string      `koanf:"type"` // minio, memory
	Minio MinioConfig `koanf:"minio"`
}

// MinioConfig configures an S3-compatible artifact bucket.
type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// NotificationsConfig configures the human-facing notification channel.
type NotificationsConfig struct {
	Transport   string   `koanf:"transport"` // webhook, log
	WebhookURL  string   `koanf:"webhook_url"`
	Timeout     string   `koanf:"timeout"`
	Subscribers []string `koanf:"subscribers"`
	// BlockPrivateNetworks refuses deliveries to loopback and private
	// addresses.
	BlockPrivateNetworks bool `koanf:"block_private_networks"`
}

// RuleConfig is one declarative event-pattern to target rule.
type RuleConfig struct {
	Name        string   `koanf:"name"`
	Source      string   `koanf:"source"` // pipelineLifecycle, buildLifecycle
	DetailTypes []string `koanf:"detail_types"`
	Statuses    []string `koanf:"statuses"`
	Resources   []string `koanf:"resources"`
	Targets     []string `koanf:"targets"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string `koanf:"exporter"` // stdout, none
	ServiceName string `koanf:"service_name"`
}

// Target names understood by the runtime.
const (
	TargetNotifications = "notifications"
	TargetFeedback      = "feedback"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath and environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the given YAML file (if it exists) and SITEPIPE_ environment
// overrides, applies defaults, and substitutes ${VAR} references in secrets.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("SITEPIPE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SITEPIPE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":              8080,
		"pipeline.name":            "site-pipeline",
		"pipeline.region":          "us-east-1",
		"source.provider":          "codecommit",
		"source.github.api_url":    "https://api.github.com",
		"build.timeout":            "30m",
		"build.validation_project": "site-pr-validation",
		"build.test_project":       "site-test",
		"build.release_project":    "site-build",
		"build.deploy_project":     "site-deploy",
		"storage.type":             "sqlite",
		"storage.sqlite.path":      "./data/sitepipe.db",
		"artifacts.type":           "memory",
		"notifications.transport":  "log",
		"notifications.timeout":    "10s",
		"telemetry.exporter":       "none",
		"telemetry.service_name":   "sitepipe",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Source.GitHub.Token = substituteEnvVars(cfg.Source.GitHub.Token)
	cfg.Source.GitHub.WebhookSecret = substituteEnvVars(cfg.Source.GitHub.WebhookSecret)
	cfg.Artifacts.Minio.AccessKey = substituteEnvVars(cfg.Artifacts.Minio.AccessKey)
	cfg.Artifacts.Minio.SecretKey = substituteEnvVars(cfg.Artifacts.Minio.SecretKey)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules(&cfg)
	}

	return &cfg, nil
}

// DefaultRules routes execution-level pipeline events to the notification
// channel and completed validation builds to the feedback service.
func DefaultRules(cfg *Config) []RuleConfig {
	return []RuleConfig{
		{
			Name:        "pipeline-notifications",
			Source:      "pipelineLifecycle",
			DetailTypes: []string{"Pipeline Execution State Change"},
			Statuses:    []string{"FAILED", "STARTED", "SUCCEEDED", "RESUMED", "CANCELED", "SUPERSEDED"},
			Resources:   []string{cfg.Pipeline.Name},
			Targets:     []string{TargetNotifications},
		},
		{
			Name:      "pull-request-feedback",
			Source:    "buildLifecycle",
			Statuses:  []string{"SUCCEEDED", "FAILED"},
			Resources: []string{cfg.Build.ValidationProject},
			Targets:   []string{TargetFeedback},
		},
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
