// Package config loads shipline configuration from a YAML file and
// SHIPLINE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete shipline configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Engine        EngineConfig        `koanf:"engine"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
	NATS          NATSConfig          `koanf:"nats"`
	Reasoning     ReasoningConfig     `koanf:"reasoning"`
	Tools         ToolsConfig         `koanf:"tools"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig bounds the agentic loop and its waits. Zero timeouts are
// unbounded.
type EngineConfig struct {
	MaxIterations    int      `koanf:"max_iterations"`
	ApprovalTimeout  Duration `koanf:"approval_timeout"`
	AdapterTimeout   Duration `koanf:"adapter_timeout"`
	SubscriberBuffer int      `koanf:"subscriber_buffer"`
}

// Store backends.
const (
	StoreMemory    = "memory"
	StoreJetStream = "jetstream"
)

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Backend string `koanf:"backend"`
	Bucket  string `koanf:"bucket"`
}

// Event backends.
const (
	EventsHub  = "hub"
	EventsNATS = "nats"
)

// EventsConfig selects the broadcaster backend.
type EventsConfig struct {
	Backend       string `koanf:"backend"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// RedactSecrets scrubs log and error messages with gitleaks rules.
	RedactSecrets bool   `koanf:"redact_secrets"`
	Allowlist     string `koanf:"allowlist"`
}

// NATSConfig locates the NATS server, or runs one in-process.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// ReasoningConfig configures the OpenAI-compatible completion endpoint.
type ReasoningConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	Token             Secret  `koanf:"token"`
	RequestsPerMinute int     `koanf:"requests_per_minute"`
	Burst             int     `koanf:"burst"`
	Temperature       float64 `koanf:"temperature"`
}

// ToolsConfig configures the capabilities available to the loop.
type ToolsConfig struct {
	WorkspaceRoot string       `koanf:"workspace_root"`
	PolicyFile    string       `koanf:"policy_file"`
	BranchPrefix  string       `koanf:"branch_prefix"`
	Git           GitConfig    `koanf:"git"`
	GitHub        GitHubConfig `koanf:"github"`
	MCP           []MCPServer  `koanf:"mcp"`
}

// GitConfig enables the git capability on the workspace repository.
type GitConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Remote      string `koanf:"remote"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// GitHubConfig enables pull request creation.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	Owner      string `koanf:"owner"`
	Repo       string `koanf:"repo"`
	BaseBranch string `koanf:"base_branch"`
}

// Enabled reports whether enough is set to open pull requests.
func (g GitHubConfig) Enabled() bool {
	return g.Token.IsSet() && g.Owner != "" && g.Repo != ""
}

// MCPServer is an MCP server launched as a subprocess.
type MCPServer struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// TemporalConfig enables the durable pipeline driver.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	LogLevel     string   `koanf:"log_level"`
	LogFormat    string   `koanf:"log_format"`
	ServiceName  string   `koanf:"service_name"`
	Telemetry    bool     `koanf:"enable_telemetry"`
	OTLPEndpoint string   `koanf:"otlp_endpoint"`
	OTLPProtocol string   `koanf:"otlp_protocol"`
	OTLPInsecure bool     `koanf:"otlp_insecure"`
	SampleRate   float64  `koanf:"sample_rate"`
	MetricsEvery Duration `koanf:"metrics_interval"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Engine.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be >= 1, got %d", c.Engine.MaxIterations))
	}
	if c.Engine.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("engine.subscriber_buffer must be >= 1, got %d", c.Engine.SubscriberBuffer))
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreJetStream:
		if !c.natsAvailable() {
			errs = append(errs, errors.New("store.backend jetstream requires nats.url or nats.embedded"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreJetStream, c.Store.Backend))
	}
	switch c.Events.Backend {
	case EventsHub:
	case EventsNATS:
		if !c.natsAvailable() {
			errs = append(errs, errors.New("events.backend nats requires nats.url or nats.embedded"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.backend must be %q or %q, got %q", EventsHub, EventsNATS, c.Events.Backend))
	}
	if c.Reasoning.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("reasoning.requests_per_minute cannot be negative"))
	}
	for i, s := range c.Tools.MCP {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("tools.mcp[%d] needs name and command", i))
		}
	}
	if c.Temporal.Enabled && c.Temporal.HostPort == "" {
		errs = append(errs, errors.New("temporal.host_port is required when temporal is enabled"))
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be within [0,1], got %v", r))
	}
	if p := c.Observability.OTLPProtocol; p != "grpc" && p != "http/protobuf" {
		errs = append(errs, fmt.Errorf("observability.otlp_protocol must be grpc or http/protobuf, got %q", p))
	}
	return errors.Join(errs...)
}

func (c *Config) natsAvailable() bool {
	return c.NATS.URL != "" || c.NATS.Embedded
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8088
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 10
	}
	if cfg.Engine.SubscriberBuffer == 0 {
		cfg.Engine.SubscriberBuffer = 64
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = "shipline_ledger"
	}
	if cfg.Events.Backend == "" {
		cfg.Events.Backend = EventsHub
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "tasks"
	}
	if cfg.Reasoning.Model == "" {
		cfg.Reasoning.Model = "gpt-4o-mini"
	}
	if cfg.Reasoning.RequestsPerMinute == 0 {
		cfg.Reasoning.RequestsPerMinute = 60
	}
	if cfg.Reasoning.Burst == 0 {
		cfg.Reasoning.Burst = 4
	}
	if cfg.Tools.WorkspaceRoot == "" {
		cfg.Tools.WorkspaceRoot = "."
	}
	if cfg.Tools.BranchPrefix == "" {
		cfg.Tools.BranchPrefix = "shipline/"
	}
	if cfg.Tools.Git.Remote == "" {
		cfg.Tools.Git.Remote = "origin"
	}
	if cfg.Tools.Git.AuthorName == "" {
		cfg.Tools.Git.AuthorName = "shipline"
	}
	if cfg.Tools.Git.AuthorEmail == "" {
		cfg.Tools.Git.AuthorEmail = "shipline@localhost"
	}
	if cfg.Tools.GitHub.BaseBranch == "" {
		cfg.Tools.GitHub.BaseBranch = "main"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "shipline-pipeline"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "shipline"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Observability.MetricsEvery == 0 {
		cfg.Observability.MetricsEvery = Duration(15 * time.Second)
	}
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
