package engine

import (
	"context"
	"time"

	"github.com/openfroyo/towerconf/pkg/agent"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// Directory is the remote API as the engine uses it. *tower.Client
// implements it.
type Directory interface {
	UserName(ctx context.Context) (string, error)

	ListComputeEnvs(ctx context.Context) ([]tower.ComputeEnv, error)
	GetComputeEnv(ctx context.Context, id string) (*tower.ComputeEnv, error)
	CreateComputeEnv(ctx context.Context, spec tower.ComputeEnvSpec) (string, error)
	UpdateComputeEnv(ctx context.Context, id string, spec tower.ComputeEnvSpec) error
	DeleteComputeEnv(ctx context.Context, id string) error
	MakeComputeEnvPrimary(ctx context.Context, id string) error

	ListCredentials(ctx context.Context) ([]tower.Credential, error)
	CreateCredential(ctx context.Context, spec tower.CredentialSpec) (string, error)
	UpdateCredential(ctx context.Context, id string, spec tower.CredentialSpec) error
	DeleteCredential(ctx context.Context, id string) error

	ListPipelines(ctx context.Context) ([]tower.Pipeline, error)
	CreatePipeline(ctx context.Context, spec tower.PipelineSpec) (string, error)
	UpdatePipeline(ctx context.Context, id string, spec tower.PipelineSpec) error
	DeletePipeline(ctx context.Context, id string) error

	ListLabels(ctx context.Context) ([]tower.Label, error)
	CreateLabel(ctx context.Context, name string) (string, error)
	DeleteLabel(ctx context.Context, id string) error
}

// CatalogSource provides the public pipeline catalog. *tower.CatalogClient
// implements it.
type CatalogSource interface {
	Fetch(ctx context.Context) (*tower.Catalog, error)
}

// KeyStore holds the local authorized key entry. *identity.Store implements it.
type KeyStore interface {
	Upsert(tag, restriction, publicKey string) error
	Remove(tag string) error
	Lookup(tag string) (string, bool, error)
}

// AgentProcess is a connected agent.
type AgentProcess interface {
	// Stop ends the agent unless it was asked to stay alive.
	Stop() error

	// Terminate ends the agent unconditionally.
	Terminate() error
}

// AgentLauncher starts an agent and waits for its handshake.
type AgentLauncher interface {
	Launch(ctx context.Context, cfg agent.Config) (AgentProcess, error)
}

// ProcessLauncher launches the real agent binary.
type ProcessLauncher struct{}

// Launch implements AgentLauncher.
func (ProcessLauncher) Launch(ctx context.Context, cfg agent.Config) (AgentProcess, error) {
	p, err := agent.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// EventPublisher receives execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// UnitObserver records one observation per finished plan unit.
type UnitObserver interface {
	ObserveUnit(operation string, status string, duration time.Duration)
}
