package engine

import "fmt"

// RunStatus represents the overall status of an execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a unit failed and later phases were skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the context was cancelled between phases.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// UnitStatus represents the status of a single plan unit.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal returns true if the unit will not change status again.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitStatusSucceeded, UnitStatusFailed, UnitStatusSkipped, UnitStatusCancelled:
		return true
	}
	return false
}

// OperationType is the kind of mutation a plan unit performs.
type OperationType string

const (
	// OperationCreate creates a new remote object.
	OperationCreate OperationType = "create"

	// OperationUpdate re-submits an existing object in place, keeping its id.
	OperationUpdate OperationType = "update"

	// OperationDelete removes an object.
	OperationDelete OperationType = "delete"

	// OperationPromote makes a compute environment the workspace primary.
	OperationPromote OperationType = "promote"
)

// IsDestructive returns true if the operation removes something.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationPromote:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// upsertOperation returns update when an id already exists.
func upsertOperation(existingID string) OperationType {
	if existingID != "" {
		return OperationUpdate
	}
	return OperationCreate
}

// ResourceKind names the object a plan unit acts on.
type ResourceKind string

const (
	// KindIdentity covers the credential and compute environment pair, which
	// is set up sequentially with compensation.
	KindIdentity   ResourceKind = "identity"
	KindCredential ResourceKind = "credential"
	KindCompute    ResourceKind = "compute"
	KindPipeline   ResourceKind = "pipeline"
	KindLabel      ResourceKind = "label"
	KindLocalKey   ResourceKind = "local-key"
)

// DependencyType represents the type of dependency between plan units.
type DependencyType string

const (
	// DependencyRequire means the dependent runs only if the target succeeded.
	DependencyRequire DependencyType = "require"

	// DependencyOrder means the dependent runs after the target finished,
	// whatever its outcome.
	DependencyOrder DependencyType = "order"
)

// EventType represents the type of execution event.
type EventType string

const (
	EventTypeRunStarted     EventType = "run.started"
	EventTypeRunCompleted   EventType = "run.completed"
	EventTypeRunFailed      EventType = "run.failed"
	EventTypePhaseStarted   EventType = "phase.started"
	EventTypeUnitStarted    EventType = "unit.started"
	EventTypeUnitCompleted  EventType = "unit.completed"
	EventTypeUnitFailed     EventType = "unit.failed"
	EventTypeUnitSkipped    EventType = "unit.skipped"
	EventTypeIdentityState  EventType = "identity.state"
	EventTypeCompensation   EventType = "compensation"
	EventTypeAgentConnected EventType = "agent.connected"
	EventTypeWarning        EventType = "warning"
)
