package engine

import (
	"context"
	"strings"
	"time"

	"github.com/openfroyo/towerconf/pkg/agent"
	"github.com/openfroyo/towerconf/pkg/tower"
)

const (
	// CanonicalOrg is prefixed to a managed pipeline's short name to recover
	// its catalog full name.
	CanonicalOrg = "nf-core/"

	// DescriptionSuffix is appended to every managed pipeline description.
	DescriptionSuffix = " (NOTE: if you rename this, towerconf cannot clean it)"

	// NFCoreIcon is the icon used for nf-core pipelines.
	NFCoreIcon = "https://avatars.githubusercontent.com/u/35520196?s=40&v=4"

	// RepositoryBase prefixes a full name to form the pipeline repository URL.
	RepositoryBase = "https://github.com/"
)

// Inventory is the remote state read once, up front, before planning.
// Pipelines, Labels and Catalog are nil when pipeline management is skipped.
type Inventory struct {
	User        string             `json:"user"`
	ComputeEnvs []tower.ComputeEnv `json:"compute_envs"`
	Credentials []tower.Credential `json:"credentials"`
	Pipelines   []tower.Pipeline   `json:"pipelines,omitempty"`
	Labels      []tower.Label      `json:"labels,omitempty"`
	Catalog     *tower.Catalog     `json:"-"`

	// Compute is the full record of the managed compute environment, when it
	// exists and was asked for.
	Compute *tower.ComputeEnv `json:"compute,omitempty"`
}

// Intent is the desired state of one machine.
type Intent struct {
	ComputeName    string
	CredentialName string

	// Pipelines lists "org/repo" or "org/repo@revision" specs. Nil skips
	// pipeline management entirely; empty removes every managed pipeline.
	Pipelines []string

	// Suffix marks the pipelines this machine manages.
	Suffix string

	// Force re-submits existing objects in place.
	Force bool
}

// PipelineChange is a pipeline to create, or to update in place when
// ExistingID is set.
type PipelineChange struct {
	FullName    string   `json:"full_name" yaml:"full_name"`
	Revision    string   `json:"revision,omitempty" yaml:"revision,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Topics      []string `json:"topics,omitempty" yaml:"topics,omitempty"`
	ExistingID  string   `json:"existing_id,omitempty" yaml:"existing_id,omitempty"`
}

// Operation returns create or update.
func (c PipelineChange) Operation() OperationType {
	return upsertOperation(c.ExistingID)
}

// RemoteName returns the managed pipeline name: repository part plus suffix.
func (c PipelineChange) RemoteName(suffix string) string {
	short := c.FullName
	if i := strings.Index(short, "/"); i >= 0 {
		short = short[i+1:]
	}
	return short + suffix
}

// Icon returns the pipeline icon URL, empty outside nf-core.
func (c PipelineChange) Icon() string {
	if strings.HasPrefix(c.FullName, CanonicalOrg) {
		return NFCoreIcon
	}
	return ""
}

// RepositoryURL returns the source repository of the pipeline.
func (c PipelineChange) RepositoryURL() string {
	return RepositoryBase + c.FullName
}

// PipelineRef identifies an existing managed pipeline.
type PipelineRef struct {
	FullName string `json:"full_name" yaml:"full_name"`
	Name     string `json:"name" yaml:"name"`
	ID       string `json:"id" yaml:"id"`
}

// LabelRef identifies an existing label.
type LabelRef struct {
	Name string `json:"name" yaml:"name"`
	ID   string `json:"id" yaml:"id"`
}

// Plan is the diff between an Inventory and an Intent. It is a pure value:
// the same inputs always produce an equal Plan.
type Plan struct {
	ComputeName     string `json:"compute_name" yaml:"compute_name"`
	CredentialName  string `json:"credential_name" yaml:"credential_name"`
	Suffix          string `json:"suffix" yaml:"suffix"`
	Force           bool   `json:"force" yaml:"force"`
	ManagePipelines bool   `json:"manage_pipelines" yaml:"manage_pipelines"`

	ComputeID          string                   `json:"compute_id,omitempty" yaml:"compute_id,omitempty"`
	ComputePrimaryID   string                   `json:"compute_primary_id,omitempty" yaml:"compute_primary_id,omitempty"`
	CredentialID       string                   `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
	CredentialProvider tower.CredentialProvider `json:"credential_provider,omitempty" yaml:"credential_provider,omitempty"`

	// ComputeCredentialID is the credential the existing compute environment
	// points at.
	ComputeCredentialID string `json:"compute_credential_id,omitempty" yaml:"compute_credential_id,omitempty"`

	// LocalKeyEntry is set by clean when authorized_keys still holds this
	// machine's entry.
	LocalKeyEntry bool `json:"local_key_entry,omitempty" yaml:"local_key_entry,omitempty"`

	PipelinesToAdd     []PipelineChange `json:"pipelines_to_add" yaml:"pipelines_to_add"`
	PipelinesToRemove  []PipelineRef    `json:"pipelines_to_remove" yaml:"pipelines_to_remove"`
	PipelinesUnchanged []string         `json:"pipelines_unchanged" yaml:"pipelines_unchanged"`
	LabelsToAdd        []string         `json:"labels_to_add" yaml:"labels_to_add"`
	LabelsToRemove     []LabelRef       `json:"labels_to_remove" yaml:"labels_to_remove"`

	// Skipped lists requested specs absent from the catalog.
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`

	PipelineNameToID map[string]string `json:"pipeline_name_to_id" yaml:"pipeline_name_to_id"`
	LabelNameToID    map[string]string `json:"label_name_to_id" yaml:"label_name_to_id"`
}

// NeedsIdentity reports whether the credential and compute phase runs.
func (p *Plan) NeedsIdentity() bool {
	return p.ComputeID == "" || p.NeedsCredential() || p.ComputeDetached()
}

// ComputeDetached reports an existing compute environment that points at
// another credential than the managed one.
func (p *Plan) ComputeDetached() bool {
	return p.ComputeID != "" && p.ComputeCredentialID != "" && p.ComputeCredentialID != p.CredentialID
}

// NeedsCredential reports whether a credential is created or re-submitted.
func (p *Plan) NeedsCredential() bool {
	return p.CredentialID == "" || p.Force
}

// NeedsPrimary reports whether the compute environment must be promoted. A
// compute environment created by this run always is.
func (p *Plan) NeedsPrimary() bool {
	return p.ComputeID == "" || p.ComputeID != p.ComputePrimaryID
}

// UpToDate reports a setup with nothing to do.
func (p *Plan) UpToDate() bool {
	return !p.NeedsIdentity() && !p.NeedsPrimary() &&
		len(p.PipelinesToAdd) == 0 && len(p.PipelinesToRemove) == 0
}

// HasCleanWork reports whether clean would delete anything.
func (p *Plan) HasCleanWork() bool {
	return p.ComputeID != "" || p.CredentialID != "" || p.LocalKeyEntry ||
		len(p.PipelinesToRemove) > 0 || len(p.LabelsToRemove) > 0
}

// Dependency represents an edge in the execution DAG.
type Dependency struct {
	// TargetID is the unit that must finish first.
	TargetID string         `json:"target_id" yaml:"target_id"`
	Type     DependencyType `json:"type" yaml:"type"`
}

// PlanUnit is one schedulable remote or local mutation.
type PlanUnit struct {
	ID           string        `json:"id" yaml:"id"`
	Kind         ResourceKind  `json:"kind" yaml:"kind"`
	Operation    OperationType `json:"operation" yaml:"operation"`
	ResourceID   string        `json:"resource_id" yaml:"resource_id"`
	Dependencies []Dependency  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// ExecutionOrder is the phase the unit runs in, set by the DAG builder.
	ExecutionOrder int `json:"execution_order" yaml:"execution_order"`

	Action func(ctx context.Context) error `json:"-" yaml:"-"`
}

// MetricName is the operation label used for metrics and spans.
func (u *PlanUnit) MetricName() string {
	return string(u.Operation) + "_" + string(u.Kind)
}

// UnitResult is the outcome of one plan unit.
type UnitResult struct {
	UnitID      string        `json:"unit_id"`
	Status      UnitStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       error         `json:"-"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// GraphEdge represents an edge in the execution graph.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// ExecutionGraph is the leveled DAG of plan units.
type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	Roots []string              `json:"roots"`
	Depth int                   `json:"depth"`
}

// RunSummary counts unit outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Run records one execution of a plan.
type Run struct {
	ID          string                 `json:"id"`
	Command     string                 `json:"command"`
	Status      RunStatus              `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
	Summary     RunSummary             `json:"summary"`
	Levels      [][]string             `json:"levels"`
	Results     map[string]*UnitResult `json:"results"`

	ComputeID    string `json:"compute_id,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`

	// IdentityStates is the sequence of states the identity setup reached.
	IdentityStates []IdentityState `json:"identity_states,omitempty"`

	// Compensations lists cleanup actions that ran after a failure.
	Compensations []string `json:"compensations,omitempty"`

	// RelaunchTip is the command that restarts the agent later.
	RelaunchTip string `json:"relaunch_tip,omitempty"`
}

// Event is emitted while a run executes.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	PlanUnitID string                 `json:"plan_unit_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ComputeSettings describes the compute environment to create or update.
type ComputeSettings struct {
	Description  string
	Platform     string
	Host         string
	User         string
	WorkDir      string
	QueueOptions string
}

// LaunchSettings are the launch defaults saved with new or updated pipelines.
type LaunchSettings struct {
	WorkDir    string
	ConfigText string
	PreRunText string
	Profiles   []string
}

// SetupRequest carries everything Setup needs beyond the plan.
type SetupRequest struct {
	// Method selects the identity variant: ProviderSSH or ProviderAgent.
	Method tower.CredentialProvider

	Compute               ComputeSettings
	CredentialDescription string
	Launch                LaunchSettings

	// KeyTag and KeyRestriction shape the authorized_keys entry (ssh only).
	KeyTag         string
	KeyRestriction string

	// Agent launches the connectivity agent (agent only).
	Agent agent.Config
}
