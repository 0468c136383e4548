package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/agent"
	"github.com/openfroyo/towerconf/pkg/identity"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// IdentityState is a state of the credential and compute setup.
type IdentityState string

const (
	StateNoKey              IdentityState = "no_key"
	StateKeyGenerated       IdentityState = "key_generated"
	StateNoAgent            IdentityState = "no_agent"
	StateAgentConnected     IdentityState = "agent_connected"
	StateCredentialUpserted IdentityState = "credential_upserted"
	StateComputeUpserted    IdentityState = "compute_upserted"
)

// ComputeFailureRemediation is shown when the compute environment could not be
// created after the credential was.
const ComputeFailureRemediation = "Failed to create compute environment - this usually means this machine isn't open to the internet. " +
	"Try specifying --node to the main login node, or use the agent method."

// identitySetup drives one of the two identity state machines:
//
//	ssh:   no_key -> key_generated -> credential_upserted -> compute_upserted
//	agent: no_agent -> agent_connected -> credential_upserted -> compute_upserted
//
// When an existing credential is reused the key or handshake step is skipped
// and the machine moves straight to credential_upserted.
type identitySetup struct {
	dir    Directory
	keys   KeyStore
	keygen identity.Generator
	agents AgentLauncher
	events EventPublisher
	logger zerolog.Logger

	plan  *Plan
	req   *SetupRequest
	runID string

	mu              sync.Mutex
	state           IdentityState
	history         []IdentityState
	credentialID    string
	computeID       string
	freshCredential bool
	keyInstalled    bool
	compensations   []string
}

func newIdentitySetup(e *Executor, plan *Plan, req *SetupRequest, runID string) *identitySetup {
	start := StateNoKey
	if req.Method == tower.ProviderAgent {
		start = StateNoAgent
	}
	return &identitySetup{
		dir:          e.dir,
		keys:         e.keys,
		keygen:       e.keygen,
		agents:       e.agents,
		events:       e.events,
		logger:       e.logger.With().Str("component", "identity").Str("method", string(req.Method)).Logger(),
		plan:         plan,
		req:          req,
		runID:        runID,
		state:        start,
		history:      []IdentityState{start},
		credentialID: plan.CredentialID,
		computeID:    plan.ComputeID,
	}
}

func (s *identitySetup) transition(ctx context.Context, next IdentityState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.history = append(s.history, next)
	s.mu.Unlock()

	s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("Identity state changed")
	publish(ctx, s.events, s.logger, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeIdentityState,
		Timestamp: time.Now(),
		RunID:     s.runID,
		Message:   fmt.Sprintf("Identity %s -> %s", prev, next),
		Level:     "info",
		Details:   map[string]interface{}{"from": string(prev), "to": string(next)},
	})
}

func (s *identitySetup) compensated(ctx context.Context, action string) {
	s.mu.Lock()
	s.compensations = append(s.compensations, action)
	s.mu.Unlock()

	s.logger.Warn().Str("action", action).Msg("Compensation")
	publish(ctx, s.events, s.logger, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeCompensation,
		Timestamp: time.Now(),
		RunID:     s.runID,
		Message:   action,
		Level:     "warning",
	})
}

// States returns the states reached so far.
func (s *identitySetup) States() []IdentityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IdentityState(nil), s.history...)
}

// Compensations returns the cleanup actions that ran.
func (s *identitySetup) Compensations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.compensations...)
}

// Run executes the state machine for the requested method.
func (s *identitySetup) Run(ctx context.Context) error {
	switch s.req.Method {
	case tower.ProviderSSH:
		return s.runSSH(ctx)
	case tower.ProviderAgent:
		return s.runAgent(ctx)
	default:
		return NewPermanentError(fmt.Sprintf("unknown identity method %q", s.req.Method), nil).
			WithCode(ErrCodeValidation)
	}
}

func (s *identitySetup) runSSH(ctx context.Context) error {
	if s.plan.NeedsCredential() {
		if s.keys == nil || s.keygen == nil {
			return NewPermanentError("ssh setup needs a key store and generator", nil).WithCode(ErrCodeLocalIdentity)
		}

		key, err := s.keygen.Generate(s.req.KeyTag)
		if err != nil {
			return NewPermanentError("failed to generate key pair", err).WithCode(ErrCodeLocalIdentity)
		}
		defer key.Destroy()

		if err := s.keys.Upsert(s.req.KeyTag, s.req.KeyRestriction, key.PublicKey); err != nil {
			return NewPermanentError("failed to install public key", err).
				WithCode(ErrCodeLocalIdentity).
				WithResource(s.req.KeyTag)
		}
		s.keyInstalled = true
		s.transition(ctx, StateKeyGenerated)

		spec := tower.NewSSHCredential(s.plan.CredentialName, s.req.CredentialDescription, key.PrivateKeyPEM())
		if err := s.upsertCredential(ctx, spec); err != nil {
			engErr := asEngineError(err)
			s.removeLocalKey(ctx, engErr)
			return engErr
		}
	}
	s.transition(ctx, StateCredentialUpserted)

	if err := s.upsertCompute(ctx); err != nil {
		engErr := NewPermanentError("compute environment setup failed", err).
			WithCode(ErrCodePartialSetup).
			WithResource(s.plan.ComputeName).
			WithRemediation(ComputeFailureRemediation)
		s.removeLocalKey(ctx, engErr)
		s.deleteFreshCredential(ctx, engErr)
		return engErr
	}
	s.transition(ctx, StateComputeUpserted)
	return nil
}

func (s *identitySetup) runAgent(ctx context.Context) error {
	if s.agents == nil {
		return NewPermanentError("agent setup needs an agent launcher", nil).WithCode(ErrCodeAgentFailed)
	}

	proc, err := s.agents.Launch(ctx, s.req.Agent)
	if err != nil {
		if errors.Is(err, agent.ErrHandshakeTimeout) {
			return NewTransientError("agent did not connect", err).
				WithCode(ErrCodeAgentTimeout).
				WithResource(s.req.Agent.ConnectionID)
		}
		return NewPermanentError("agent could not be started", err).
			WithCode(ErrCodeAgentFailed).
			WithResource(s.req.Agent.ConnectionID)
	}
	s.transition(ctx, StateAgentConnected)
	publish(ctx, s.events, s.logger, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeAgentConnected,
		Timestamp: time.Now(),
		RunID:     s.runID,
		Message:   fmt.Sprintf("Agent %s connected", s.req.Agent.ConnectionID),
		Level:     "info",
	})

	failed := true
	defer func() {
		var stopErr error
		if failed {
			stopErr = proc.Terminate()
		} else {
			stopErr = proc.Stop()
		}
		if stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Failed to stop agent")
		}
	}()

	if s.plan.NeedsCredential() {
		spec := tower.NewAgentCredential(s.plan.CredentialName, s.req.CredentialDescription,
			s.req.Agent.ConnectionID, s.req.Agent.WorkDir)
		if err := s.upsertCredential(ctx, spec); err != nil {
			return err
		}
	}
	s.transition(ctx, StateCredentialUpserted)

	if err := s.upsertCompute(ctx); err != nil {
		if !s.freshCredential {
			return err
		}
		engErr := NewPermanentError("compute environment setup failed", err).
			WithCode(ErrCodePartialSetup).
			WithResource(s.plan.ComputeName)
		s.deleteFreshCredential(ctx, engErr)
		return engErr
	}
	s.transition(ctx, StateComputeUpserted)
	failed = false
	return nil
}

// upsertCredential creates the credential, or re-submits it in place.
func (s *identitySetup) upsertCredential(ctx context.Context, spec tower.CredentialSpec) error {
	if s.credentialID != "" {
		spec.ID = s.credentialID
		if err := s.dir.UpdateCredential(ctx, s.credentialID, spec); err != nil {
			return RemoteError("update credential", s.plan.CredentialName, err)
		}
		s.logger.Info().Str("credential", s.plan.CredentialName).Str("id", s.credentialID).Msg("Credential updated")
		return nil
	}

	id, err := s.dir.CreateCredential(ctx, spec)
	if err != nil {
		return RemoteError("create credential", s.plan.CredentialName, err)
	}
	s.credentialID = id
	s.freshCredential = true
	s.logger.Info().Str("credential", s.plan.CredentialName).Str("id", id).Msg("Credential created")
	return nil
}

// upsertCompute creates the compute environment, or re-submits it in place.
func (s *identitySetup) upsertCompute(ctx context.Context) error {
	c := s.req.Compute
	spec := tower.ComputeEnvSpec{
		Name:          s.plan.ComputeName,
		Description:   c.Description,
		CredentialsID: s.credentialID,
		Platform:      c.Platform,
		Config: tower.ComputeConfig{
			WorkDir:   c.WorkDir,
			UserName:  c.User,
			HostName:  c.Host,
			HeadQueue: c.QueueOptions,
		},
	}

	if s.computeID != "" {
		spec.ID = s.computeID
		if err := s.dir.UpdateComputeEnv(ctx, s.computeID, spec); err != nil {
			return RemoteError("update compute environment", s.plan.ComputeName, err)
		}
		s.logger.Info().Str("compute", s.plan.ComputeName).Str("id", s.computeID).Msg("Compute environment updated")
		return nil
	}

	id, err := s.dir.CreateComputeEnv(ctx, spec)
	if err != nil {
		return RemoteError("create compute environment", s.plan.ComputeName, err)
	}
	s.computeID = id
	s.logger.Info().Str("compute", s.plan.ComputeName).Str("id", id).Msg("Compute environment created")
	return nil
}

// removeLocalKey undoes the authorized key entry written by this run.
func (s *identitySetup) removeLocalKey(ctx context.Context, engErr *EngineError) {
	if !s.keyInstalled {
		return
	}
	if err := s.keys.Remove(s.req.KeyTag); err != nil {
		action := fmt.Sprintf("failed to remove local key entry %q: %v", s.req.KeyTag, err)
		s.compensated(ctx, action)
		engErr.WithCompensation(action)
		return
	}
	s.keyInstalled = false
	action := fmt.Sprintf("removed local key entry %q", s.req.KeyTag)
	s.compensated(ctx, action)
	engErr.WithCompensation(action)
}

// deleteFreshCredential deletes the credential only if this run created it.
func (s *identitySetup) deleteFreshCredential(ctx context.Context, engErr *EngineError) {
	if !s.freshCredential {
		return
	}
	if err := s.dir.DeleteCredential(ctx, s.credentialID); err != nil {
		action := fmt.Sprintf("failed to delete credential %q (%s): %v", s.plan.CredentialName, s.credentialID, err)
		s.compensated(ctx, action)
		engErr.WithCompensation(action)
		return
	}
	action := fmt.Sprintf("deleted credential %q (%s)", s.plan.CredentialName, s.credentialID)
	s.compensated(ctx, action)
	engErr.WithCompensation(action)
	s.credentialID = ""
	s.freshCredential = false
}

// asEngineError returns err as an *EngineError, wrapping it when needed.
func asEngineError(err error) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return NewPermanentError(err.Error(), err)
}
