package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/agent"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/identity"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// Intent returns the desired state the planner diffs against. Clean wants
// no managed pipeline left.
func (s *Settings) Intent() engine.Intent {
	n := s.Names()
	pipelines := s.Pipelines
	if s.Command == CommandClean {
		pipelines = []string{}
	}
	return engine.Intent{
		ComputeName:    n.Compute,
		CredentialName: n.Credential,
		Pipelines:      pipelines,
		Suffix:         n.Suffix,
		Force:          s.Force,
	}
}

// TowerConfig returns the remote client configuration.
func (s *Settings) TowerConfig(logger zerolog.Logger, observer tower.RequestObserver) tower.Config {
	cfg := tower.DefaultConfig()
	cfg.Endpoint = Endpoint(s.Server)
	cfg.Token = s.Token
	cfg.WorkspaceID = s.WorkspaceID
	cfg.MaxInFlight = int64(s.Concurrency)
	cfg.MinSpacing = s.Spacing
	cfg.Timeout = s.Timeout
	cfg.Logger = logger
	cfg.Observer = observer
	return cfg
}

// LaunchTexts reads the nextflow config and pre-run script. A missing config
// file is logged as a warning; a missing pre-run script is simply empty.
func (s *Settings) LaunchTexts(logger zerolog.Logger) (configText, prerunText string, err error) {
	configText, err = readOptional(s.ConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("file", s.ConfigFile).Msg("Nextflow config does not exist")
	} else if err != nil {
		return "", "", err
	}

	prerunText, err = readOptional(s.PrerunFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", "", err
	}
	return configText, prerunText, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// SetupRequest assembles what the executor needs beyond the plan. now sets
// the key expiry date.
func (s *Settings) SetupRequest(configText, prerunText string, now time.Time, logger zerolog.Logger) engine.SetupRequest {
	n := s.Names()
	req := engine.SetupRequest{
		Method: s.Method.Provider(),
		Compute: engine.ComputeSettings{
			Platform:     s.Platform,
			Host:         s.Node,
			User:         s.User,
			WorkDir:      s.LaunchDir,
			QueueOptions: s.QueueOptions,
		},
		Launch: engine.LaunchSettings{
			WorkDir:    s.LaunchDir,
			ConfigText: configText,
			PreRunText: prerunText,
			Profiles:   s.Profiles,
		},
	}

	switch s.Method {
	case MethodAgent:
		req.Agent = agent.Config{
			Binary:       s.AgentBinary,
			ConnectionID: n.ConnectionID,
			WorkDir:      s.LaunchDir,
			Endpoint:     n.Endpoint,
			Token:        s.Token,
			Timeout:      s.AgentTimeout,
			LeaveAlive:   s.LeaveAlive,
			Logger:       logger,
		}
	default:
		req.KeyTag = n.KeyTag
		req.KeyRestriction = identity.ExpiryRestriction(s.Days, now)
	}
	return req
}
