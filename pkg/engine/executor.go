package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/identity"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// Unit ids.
const (
	unitIdentity = "identity"
	unitPromote  = "compute:promote"
	unitLocalKey = "local-key:delete"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Keys        KeyStore
	KeyGen      identity.Generator
	Agents      AgentLauncher
	Events      EventPublisher
	Observer    UnitObserver
	MaxParallel int
	Logger      zerolog.Logger
}

// Executor applies plans against a Directory.
type Executor struct {
	dir         Directory
	keys        KeyStore
	keygen      identity.Generator
	agents      AgentLauncher
	events      EventPublisher
	observer    UnitObserver
	maxParallel int
	logger      zerolog.Logger
}

// NewExecutor creates an executor. KeyGen defaults to ed25519 and Agents to
// the real agent binary.
func NewExecutor(dir Directory, opts ExecutorOptions) *Executor {
	if opts.KeyGen == nil {
		opts.KeyGen = identity.Ed25519Generator{}
	}
	if opts.Agents == nil {
		opts.Agents = ProcessLauncher{}
	}
	return &Executor{
		dir:         dir,
		keys:        opts.Keys,
		keygen:      opts.KeyGen,
		agents:      opts.Agents,
		events:      opts.Events,
		observer:    opts.Observer,
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger.With().Str("component", "executor").Logger(),
	}
}

// setupState is shared by the units of one Setup run. Ids produced by an
// earlier phase are read by later ones.
type setupState struct {
	mu           sync.RWMutex
	computeID    string
	credentialID string
	labelIDs     map[string]string
}

func newSetupState(plan *Plan) *setupState {
	labels := make(map[string]string, len(plan.LabelNameToID))
	for name, id := range plan.LabelNameToID {
		labels[name] = id
	}
	return &setupState{
		computeID:    plan.ComputeID,
		credentialID: plan.CredentialID,
		labelIDs:     labels,
	}
}

func (s *setupState) setIdentity(computeID, credentialID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.computeID = computeID
	s.credentialID = credentialID
}

func (s *setupState) compute() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computeID
}

func (s *setupState) credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentialID
}

func (s *setupState) setLabel(name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labelIDs[name] = id
}

func (s *setupState) labels(names []string) tower.IDList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := tower.IDList{}
	for _, name := range names {
		if id := s.labelIDs[name]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetupUnits returns the units Setup would run for plan, with their
// dependencies. Phases are:
//
//  1. identity (credential then compute), when needed
//  2. label creates, label deletes, pipeline deletes and the primary switch
//  3. pipeline creates and updates
func (e *Executor) SetupUnits(plan *Plan, req *SetupRequest) []PlanUnit {
	setup := newIdentitySetup(e, plan, req, "")
	return e.setupUnits(plan, req, newSetupState(plan), setup)
}

func (e *Executor) setupUnits(plan *Plan, req *SetupRequest, st *setupState, setup *identitySetup) []PlanUnit {
	var units []PlanUnit
	var identityDeps []Dependency

	if plan.NeedsIdentity() {
		units = append(units, PlanUnit{
			ID:         unitIdentity,
			Kind:       KindIdentity,
			Operation:  upsertOperation(plan.ComputeID),
			ResourceID: plan.ComputeName,
			Action: func(ctx context.Context) error {
				err := setup.Run(ctx)
				st.setIdentity(setup.computeID, setup.credentialID)
				return err
			},
		})
		identityDeps = []Dependency{{TargetID: unitIdentity, Type: DependencyRequire}}
	}

	var middle []string
	var labelCreates []string

	for _, name := range plan.LabelsToAdd {
		name := name
		id := "label:create:" + name
		units = append(units, PlanUnit{
			ID:           id,
			Kind:         KindLabel,
			Operation:    OperationCreate,
			ResourceID:   name,
			Dependencies: identityDeps,
			Action: func(ctx context.Context) error {
				labelID, err := e.dir.CreateLabel(ctx, name)
				if err != nil {
					return RemoteError("create label", name, err)
				}
				st.setLabel(name, labelID)
				return nil
			},
		})
		middle = append(middle, id)
		labelCreates = append(labelCreates, id)
	}

	for _, ref := range plan.LabelsToRemove {
		ref := ref
		id := "label:delete:" + ref.Name
		units = append(units, PlanUnit{
			ID:           id,
			Kind:         KindLabel,
			Operation:    OperationDelete,
			ResourceID:   ref.Name,
			Dependencies: identityDeps,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeleteLabel(ctx, ref.ID); err != nil {
					return RemoteError("delete label", ref.Name, err)
				}
				return nil
			},
		})
		middle = append(middle, id)
	}

	for _, ref := range plan.PipelinesToRemove {
		ref := ref
		id := "pipeline:delete:" + ref.FullName
		units = append(units, PlanUnit{
			ID:           id,
			Kind:         KindPipeline,
			Operation:    OperationDelete,
			ResourceID:   ref.Name,
			Dependencies: identityDeps,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeletePipeline(ctx, ref.ID); err != nil {
					return RemoteError("delete pipeline", ref.Name, err)
				}
				return nil
			},
		})
		middle = append(middle, id)
	}

	if plan.NeedsPrimary() {
		units = append(units, PlanUnit{
			ID:           unitPromote,
			Kind:         KindCompute,
			Operation:    OperationPromote,
			ResourceID:   plan.ComputeName,
			Dependencies: identityDeps,
			Action: func(ctx context.Context) error {
				computeID := st.compute()
				if computeID == "" {
					return NewPermanentError("compute environment has no id", nil).
						WithCode(ErrCodeValidation).
						WithResource(plan.ComputeName)
				}
				if err := e.dir.MakeComputeEnvPrimary(ctx, computeID); err != nil {
					return RemoteError("make compute environment primary", plan.ComputeName, err)
				}
				return nil
			},
		})
		middle = append(middle, unitPromote)
	}

	isLabelCreate := make(map[string]bool, len(labelCreates))
	for _, id := range labelCreates {
		isLabelCreate[id] = true
	}
	pipelineDeps := append([]Dependency(nil), identityDeps...)
	for _, id := range middle {
		depType := DependencyOrder
		if isLabelCreate[id] {
			depType = DependencyRequire
		}
		pipelineDeps = append(pipelineDeps, Dependency{TargetID: id, Type: depType})
	}

	for _, change := range plan.PipelinesToAdd {
		change := change
		op := change.Operation()
		units = append(units, PlanUnit{
			ID:           fmt.Sprintf("pipeline:%s:%s", op, change.FullName),
			Kind:         KindPipeline,
			Operation:    op,
			ResourceID:   change.RemoteName(plan.Suffix),
			Dependencies: pipelineDeps,
			Action: func(ctx context.Context) error {
				return e.upsertPipeline(ctx, plan, req, st, change)
			},
		})
	}

	return units
}

// upsertPipeline creates the pipeline, or updates it in place when it exists.
func (e *Executor) upsertPipeline(ctx context.Context, plan *Plan, req *SetupRequest, st *setupState, change PipelineChange) error {
	name := change.RemoteName(plan.Suffix)
	profiles := req.Launch.Profiles
	if profiles == nil {
		profiles = []string{}
	}

	spec := tower.PipelineSpec{
		Name:        name,
		Description: change.Description + DescriptionSuffix,
		Icon:        change.Icon(),
		Launch: tower.LaunchSpec{
			ComputeEnvID:   st.compute(),
			Pipeline:       change.RepositoryURL(),
			Revision:       change.Revision,
			WorkDir:        req.Launch.WorkDir,
			PullLatest:     true,
			ConfigText:     req.Launch.ConfigText,
			ConfigProfiles: profiles,
			PreRunScript:   req.Launch.PreRunText,
		},
		LabelIDs: st.labels(change.Topics),
	}

	if change.ExistingID != "" {
		if err := e.dir.UpdatePipeline(ctx, change.ExistingID, spec); err != nil {
			return RemoteError("update pipeline", name, err)
		}
		e.logger.Info().Str("pipeline", name).Str("id", change.ExistingID).Msg("Pipeline updated")
		return nil
	}

	id, err := e.dir.CreatePipeline(ctx, spec)
	if err != nil {
		return RemoteError("create pipeline", name, err)
	}
	e.logger.Info().Str("pipeline", name).Str("id", id).Msg("Pipeline created")
	return nil
}

// Setup applies plan: identity, labels, pipeline removals, the primary switch
// and pipeline additions, in that phase order. The returned Run is never nil.
func (e *Executor) Setup(ctx context.Context, plan *Plan, req *SetupRequest) (*Run, error) {
	run := e.newRun("setup " + string(req.Method))
	if err := validateSetup(plan, req); err != nil {
		e.finishRun(ctx, run, err)
		return run, err
	}

	st := newSetupState(plan)
	setup := newIdentitySetup(e, plan, req, run.ID)
	units := e.setupUnits(plan, req, st, setup)

	err := e.execute(ctx, run, units)

	run.ComputeID = st.compute()
	run.CredentialID = st.credential()
	if plan.NeedsIdentity() {
		run.IdentityStates = setup.States()
		run.Compensations = setup.Compensations()
	}
	if req.Method == tower.ProviderAgent && err == nil {
		run.RelaunchTip = req.Agent.RelaunchTip()
	}

	e.finishRun(ctx, run, err)
	return run, err
}

// CleanUnits returns the units Clean would run. Every remote delete runs in
// one phase; the local key entry is removed only after all of them
// succeeded.
func (e *Executor) CleanUnits(plan *Plan, keyTag string) []PlanUnit {
	var units []PlanUnit
	var deps []Dependency

	add := func(u PlanUnit) {
		units = append(units, u)
		deps = append(deps, Dependency{TargetID: u.ID, Type: DependencyRequire})
	}

	if plan.CredentialID != "" {
		add(PlanUnit{
			ID:         "credential:delete",
			Kind:       KindCredential,
			Operation:  OperationDelete,
			ResourceID: plan.CredentialName,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeleteCredential(ctx, plan.CredentialID); err != nil {
					return RemoteError("delete credential", plan.CredentialName, err)
				}
				return nil
			},
		})
	}
	if plan.ComputeID != "" {
		add(PlanUnit{
			ID:         "compute:delete",
			Kind:       KindCompute,
			Operation:  OperationDelete,
			ResourceID: plan.ComputeName,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeleteComputeEnv(ctx, plan.ComputeID); err != nil {
					return RemoteError("delete compute environment", plan.ComputeName, err)
				}
				return nil
			},
		})
	}
	for _, ref := range plan.PipelinesToRemove {
		ref := ref
		add(PlanUnit{
			ID:         "pipeline:delete:" + ref.FullName,
			Kind:       KindPipeline,
			Operation:  OperationDelete,
			ResourceID: ref.Name,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeletePipeline(ctx, ref.ID); err != nil {
					return RemoteError("delete pipeline", ref.Name, err)
				}
				return nil
			},
		})
	}
	for _, ref := range plan.LabelsToRemove {
		ref := ref
		add(PlanUnit{
			ID:         "label:delete:" + ref.Name,
			Kind:       KindLabel,
			Operation:  OperationDelete,
			ResourceID: ref.Name,
			Action: func(ctx context.Context) error {
				if err := e.dir.DeleteLabel(ctx, ref.ID); err != nil {
					return RemoteError("delete label", ref.Name, err)
				}
				return nil
			},
		})
	}

	if e.keys != nil && keyTag != "" {
		units = append(units, PlanUnit{
			ID:           unitLocalKey,
			Kind:         KindLocalKey,
			Operation:    OperationDelete,
			ResourceID:   keyTag,
			Dependencies: deps,
			Action: func(ctx context.Context) error {
				if err := e.keys.Remove(keyTag); err != nil {
					return NewPermanentError("failed to remove local key entry", err).
						WithCode(ErrCodeLocalIdentity).
						WithResource(keyTag)
				}
				return nil
			},
		})
	}

	return units
}

// Clean deletes everything this machine manages remotely, then its local key
// entry. The returned Run is never nil.
func (e *Executor) Clean(ctx context.Context, plan *Plan, keyTag string) (*Run, error) {
	run := e.newRun("clean")
	err := e.execute(ctx, run, e.CleanUnits(plan, keyTag))
	e.finishRun(ctx, run, err)
	return run, err
}

func (e *Executor) execute(ctx context.Context, run *Run, units []PlanUnit) error {
	sched := NewPhaseScheduler(SchedulerOptions{
		MaxParallel: e.maxParallel,
		Events:      e.events,
		Observer:    e.observer,
		Logger:      e.logger,
	})

	run.Status = RunStatusRunning
	publish(ctx, e.events, e.logger, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeRunStarted,
		Timestamp: time.Now(),
		RunID:     run.ID,
		Message:   fmt.Sprintf("Run %s started with %d operations", run.Command, len(units)),
		Level:     "info",
	})
	e.logger.Info().Str("run_id", run.ID).Str("command", run.Command).Int("units", len(units)).Msg("Run started")

	return sched.Execute(ctx, run, units)
}

func (e *Executor) newRun(command string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Command:   command,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
		Results:   make(map[string]*UnitResult),
	}
}

func (e *Executor) finishRun(ctx context.Context, run *Run, err error) {
	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)

	eventType := EventTypeRunCompleted
	level := "info"
	message := fmt.Sprintf("Run %s succeeded", run.Command)
	switch {
	case err == nil:
		run.Status = RunStatusSucceeded
	case hasCode(err, ErrCodeCancelled):
		run.Status = RunStatusCancelled
		eventType = EventTypeRunFailed
		level = "warning"
		message = fmt.Sprintf("Run %s cancelled", run.Command)
	default:
		run.Status = RunStatusFailed
		eventType = EventTypeRunFailed
		level = "error"
		message = fmt.Sprintf("Run %s failed: %v", run.Command, err)
	}

	publish(ctx, e.events, e.logger, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: run.CompletedAt,
		RunID:     run.ID,
		Message:   message,
		Level:     level,
	})

	logEvent := e.logger.Info()
	if err != nil {
		logEvent = e.logger.Error().Err(err)
	}
	logEvent.
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("succeeded", run.Summary.Succeeded).
		Int("failed", run.Summary.Failed).
		Int("skipped", run.Summary.Skipped).
		Dur("duration", run.Duration).
		Msg("Run finished")
}

func validateSetup(plan *Plan, req *SetupRequest) error {
	if plan == nil || req == nil {
		return NewPermanentError("plan and setup request are required", nil).WithCode(ErrCodeValidation)
	}
	switch req.Method {
	case tower.ProviderSSH:
		if plan.NeedsCredential() && req.KeyTag == "" {
			return NewPermanentError("ssh setup needs a key tag", nil).WithCode(ErrCodeValidation)
		}
	case tower.ProviderAgent:
		if plan.NeedsIdentity() && req.Agent.ConnectionID == "" {
			return NewPermanentError("agent setup needs a connection id", nil).WithCode(ErrCodeValidation)
		}
	default:
		return NewPermanentError(fmt.Sprintf("unknown identity method %q", req.Method), nil).
			WithCode(ErrCodeValidation)
	}
	if len(plan.PipelinesToAdd) > 0 && req.Launch.WorkDir == "" {
		return NewPermanentError("pipelines need a launch work directory", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// UnitIDs returns the ids of units, sorted.
func UnitIDs(units []PlanUnit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	sort.Strings(ids)
	return ids
}
