package config

import (
	"time"

	"github.com/openfroyo/towerconf/pkg/agent"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// Command names a towerconf command; validation rules depend on it.
type Command string

const (
	CommandSetup Command = "setup"
	CommandClean Command = "clean"
	CommandPlan  Command = "plan"
)

// Method names the identity variant of a setup.
type Method string

const (
	MethodSSH   Method = "ssh"
	MethodAgent Method = "agent"
)

// Provider returns the credential provider the method creates.
func (m Method) Provider() tower.CredentialProvider {
	if m == MethodAgent {
		return tower.ProviderAgent
	}
	return tower.ProviderSSH
}

// Default values for settings not given anywhere.
const (
	DefaultServer       = "tower.nf"
	DefaultConfigFile   = "./nextflow.config"
	DefaultPrerunFile   = "./prerun.sh"
	DefaultDays         = 30
	DefaultConcurrency  = 20
	DefaultSpacing      = 50 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
	DefaultAgentTimeout = agent.DefaultTimeout

	// DetachedAgentTimeout replaces DefaultAgentTimeout when nobody is at
	// the terminal to watch the agent connect.
	DetachedAgentTimeout = agent.DetachedTimeout
)

// AgentTimeoutFor returns the handshake timeout used when none is configured.
func AgentTimeoutFor(attended bool) time.Duration {
	if attended {
		return DefaultAgentTimeout
	}
	return DetachedAgentTimeout
}

// Settings holds everything one invocation needs, merged from flags, the
// environment and the optional config file.
type Settings struct {
	Command Command `json:"command" mapstructure:"-" validate:"required,oneof=setup clean plan"`
	Method  Method  `json:"method,omitempty" mapstructure:"-" validate:"required_if=Command setup"`

	// Remote service
	Server      string        `json:"server" mapstructure:"server" validate:"required"`
	Token       string        `json:"-" mapstructure:"token" validate:"required"`
	WorkspaceID string        `json:"workspace_id,omitempty" mapstructure:"workspace-id" validate:"omitempty,numeric"`
	Workspace   string        `json:"workspace,omitempty" mapstructure:"workspace"`
	Concurrency int           `json:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=100"`
	Spacing     time.Duration `json:"spacing" mapstructure:"spacing" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	CatalogURL  string        `json:"catalog_url" mapstructure:"catalog-url" validate:"required,url"`

	// Machine
	Node      string `json:"node" mapstructure:"node" validate:"required"`
	Platform  string `json:"platform,omitempty" mapstructure:"platform" validate:"required_if=Command setup"`
	LaunchDir string `json:"launch_dir,omitempty" mapstructure:"launchdir" validate:"required_if=Command setup"`
	User      string `json:"user,omitempty" mapstructure:"user"`

	// Pipelines is nil when pipeline management is skipped and empty when
	// every managed pipeline should go.
	Pipelines    []string `json:"pipelines,omitempty" mapstructure:"-"`
	Profiles     []string `json:"profiles,omitempty" mapstructure:"profiles"`
	ConfigFile   string   `json:"config_file" mapstructure:"config"`
	PrerunFile   string   `json:"prerun_file" mapstructure:"prerun"`
	QueueOptions string   `json:"queue_options,omitempty" mapstructure:"queue-options"`
	Force        bool     `json:"force" mapstructure:"force"`

	// ssh
	Days int `json:"days" mapstructure:"days" validate:"gte=1,lte=3650"`

	// agent
	AgentBinary  string        `json:"agent_binary,omitempty" mapstructure:"agent-bin"`
	AgentTimeout time.Duration `json:"agent_timeout" mapstructure:"agent-timeout" validate:"gt=0"`
	LeaveAlive   bool          `json:"leave_alive" mapstructure:"leave-alive"`

	// Presentation and guards
	Yes         bool     `json:"yes" mapstructure:"yes"`
	Verbose     bool     `json:"verbose" mapstructure:"verbose"`
	PolicyFiles []string `json:"policy_files,omitempty" mapstructure:"policy"`

	// Observability
	MetricsFile   string `json:"metrics_file,omitempty" mapstructure:"metrics-file"`
	TraceExporter string `json:"trace_exporter" mapstructure:"trace-exporter"`
	TraceEndpoint string `json:"trace_endpoint,omitempty" mapstructure:"trace-endpoint"`
}

// Defaults returns Settings with every default filled in.
func Defaults() *Settings {
	return &Settings{
		Server:        DefaultServer,
		Concurrency:   DefaultConcurrency,
		Spacing:       DefaultSpacing,
		Timeout:       DefaultTimeout,
		CatalogURL:    tower.DefaultCatalogURL,
		ConfigFile:    DefaultConfigFile,
		PrerunFile:    DefaultPrerunFile,
		Days:          DefaultDays,
		AgentBinary:   agent.DefaultBinary,
		AgentTimeout:  DefaultAgentTimeout,
		TraceExporter: "none",
	}
}

// ManagesPipelines reports whether the pipeline list was given at all.
func (s *Settings) ManagesPipelines() bool {
	return s.Pipelines != nil
}
