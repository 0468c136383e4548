package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variables read besides the TOWERCONF_ prefixed ones.
const (
	TokenEnv     = "TOWER_ACCESS_TOKEN"
	WorkspaceEnv = "TOWER_WORKSPACE_ID"
	EnvPrefix    = "TOWERCONF"

	settingsFileName = ".towerconf"
)

var validate = validator.New()

// SetDefaults registers the defaults and environment bindings on v. Flags
// bound with BindPFlags take precedence over both. agent-timeout has no
// default here: an unset value is resolved from the terminal by the caller.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server", d.Server)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("spacing", d.Spacing)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("catalog-url", d.CatalogURL)
	v.SetDefault("config", d.ConfigFile)
	v.SetDefault("prerun", d.PrerunFile)
	v.SetDefault("days", d.Days)
	v.SetDefault("agent-bin", d.AgentBinary)
	v.SetDefault("trace-exporter", d.TraceExporter)
	for _, key := range []string{"node", "platform", "launchdir", "user", "workspace", "queue-options", "metrics-file", "trace-endpoint"} {
		v.SetDefault(key, "")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", TokenEnv)
	_ = v.BindEnv("workspace-id", WorkspaceEnv)
}

// ReadSettingsFile reads path into v. An empty path looks for
// ~/.towerconf.yaml and ignores its absence; an explicit path must exist.
func ReadSettingsFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigName(settingsFileName)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	return nil
}

// Load builds Settings for command from v.
func Load(v *viper.Viper, command Command, method Method) (*Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.Command = command
	s.Method = method

	if v.IsSet("pipelines") {
		s.Pipelines = cleanList(v.GetStringSlice("pipelines"))
	}
	s.Profiles = cleanList(s.Profiles)
	if s.User == "" {
		s.User = CurrentUser()
	}
	return s, nil
}

// cleanList trims entries and drops empty ones. The result is never nil.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks s with its struct tags, then against the settings schema,
// then the launch directory on disk.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid settings: %s", describe(verrs[0]))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}

	if err := DefaultSchemas().ValidateSettings(s); err != nil {
		return err
	}

	if s.Command == CommandSetup {
		info, err := os.Stat(s.LaunchDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("launch directory %q does not exist", s.LaunchDir)
		}
		abs, err := filepath.Abs(s.LaunchDir)
		if err == nil {
			s.LaunchDir = abs
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", flagName(fe.Field()))
	case "gte", "lte", "gt":
		return fmt.Sprintf("%s must be %s %s", flagName(fe.Field()), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", flagName(fe.Field()), fe.Tag())
	}
}

var flagNames = map[string]string{
	"Token":        TokenEnv,
	"LaunchDir":    "--launchdir",
	"Node":         "--node",
	"Platform":     "--platform",
	"Days":         "--days",
	"AgentTimeout": "--agent-timeout",
	"Concurrency":  "--concurrency",
	"WorkspaceID":  WorkspaceEnv,
}

func flagName(field string) string {
	if name, ok := flagNames[field]; ok {
		return name
	}
	return strings.ToLower(field)
}
