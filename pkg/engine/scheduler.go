package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds concurrently running units within a phase. The
// remote client applies its own cap on top.
const DefaultMaxParallel = 20

// SchedulerOptions configures a PhaseScheduler.
type SchedulerOptions struct {
	MaxParallel int
	Events      EventPublisher
	Observer    UnitObserver
	Logger      zerolog.Logger
}

// PhaseScheduler executes plan units phase by phase. Units of a phase run
// concurrently. When any unit of a phase fails the units already dispatched
// are allowed to finish, and no later phase starts.
type PhaseScheduler struct {
	maxParallel int
	events      EventPublisher
	observer    UnitObserver
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewPhaseScheduler creates a scheduler.
func NewPhaseScheduler(opts SchedulerOptions) *PhaseScheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &PhaseScheduler{
		maxParallel: opts.MaxParallel,
		events:      opts.Events,
		observer:    opts.Observer,
		tracer:      otel.Tracer("github.com/openfroyo/towerconf/pkg/engine"),
		logger:      opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// execution is the mutable state of one Execute call.
type execution struct {
	mu      sync.RWMutex
	status  map[string]UnitStatus
	results map[string]*UnitResult
}

func (e *execution) setStatus(id string, status UnitStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[id] = status
}

func (e *execution) getStatus(id string) UnitStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status[id]
}

func (e *execution) store(result *UnitResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[result.UnitID] = result.Status
	e.results[result.UnitID] = result
}

// Graph builds and validates the phase graph without running anything.
func Graph(units []PlanUnit) (*DAGBuilder, *ExecutionGraph, error) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(units)
	if err != nil {
		return nil, nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, nil, err
	}
	return builder, graph, nil
}

// Execute runs units and records levels, results and the summary in run. It
// returns the error of the first failed unit, in phase order.
func (s *PhaseScheduler) Execute(ctx context.Context, run *Run, units []PlanUnit) error {
	builder, _, err := Graph(units)
	if err != nil {
		return err
	}

	levels := builder.GetLevels()
	run.Levels = levels
	if run.Results == nil {
		run.Results = make(map[string]*UnitResult, len(units))
	}

	state := &execution{
		status:  make(map[string]UnitStatus, len(units)),
		results: run.Results,
	}
	for _, id := range builder.order {
		state.setStatus(id, UnitStatusPending)
	}
	defer func() {
		run.Summary = summarize(builder.order, state)
	}()

	for phase, ids := range levels {
		if ctx.Err() != nil {
			s.finishRemaining(ctx, run, state, levels[phase:], UnitStatusCancelled, ctx.Err())
			return NewPermanentError("execution cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		}

		s.publishEvent(ctx, run.ID, "", EventTypePhaseStarted,
			fmt.Sprintf("Phase %d/%d started with %d operations", phase+1, len(levels), len(ids)), "info")

		if err := s.executePhase(ctx, run, state, builder, ids); err != nil {
			s.finishRemaining(ctx, run, state, levels[phase+1:], UnitStatusSkipped, err)
			return err
		}
	}

	return nil
}

// executePhase runs the units of one phase concurrently and waits for all of
// them. No context is derived from the group, so a failure never cancels a
// sibling call in flight.
func (s *PhaseScheduler) executePhase(ctx context.Context, run *Run, state *execution, builder *DAGBuilder, ids []string) error {
	var g errgroup.Group
	g.SetLimit(s.maxParallel)

	for _, id := range ids {
		unit := builder.Unit(id)
		if !s.checkDependencies(state, unit) {
			s.markUnitFinished(ctx, run, state, unit, UnitStatusSkipped, nil)
			continue
		}
		g.Go(func() error {
			return s.executeUnit(ctx, run, state, unit)
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}

	// Report the first failure in phase order so the outcome is stable.
	state.mu.RLock()
	defer state.mu.RUnlock()
	for _, id := range ids {
		if res := state.results[id]; res != nil && res.Status == UnitStatusFailed {
			return res.Error
		}
	}
	return err
}

// executeUnit runs a single unit's action and records its result.
func (s *PhaseScheduler) executeUnit(ctx context.Context, run *Run, state *execution, unit *PlanUnit) error {
	state.setStatus(unit.ID, UnitStatusRunning)
	s.publishEvent(ctx, run.ID, unit.ID, EventTypeUnitStarted,
		fmt.Sprintf("Started %s %s %s", unit.Operation, unit.Kind, unit.ResourceID), "info")

	spanCtx, span := s.tracer.Start(ctx, "unit."+unit.MetricName(),
		trace.WithAttributes(
			attribute.String("unit.id", unit.ID),
			attribute.String("unit.resource", unit.ResourceID),
			attribute.Int("unit.phase", unit.ExecutionOrder),
		))
	defer span.End()

	startTime := time.Now()
	var err error
	if unit.Action == nil {
		err = NewPermanentError("plan unit has no action", nil).WithCode(ErrCodeValidation).WithResource(unit.ID)
	} else {
		err = unit.Action(spanCtx)
	}
	completedAt := time.Now()

	result := &UnitResult{
		UnitID:      unit.ID,
		Status:      UnitStatusSucceeded,
		StartedAt:   startTime,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startTime),
	}
	if err != nil {
		result.Status = UnitStatusFailed
		result.Error = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	state.store(result)

	if s.observer != nil {
		s.observer.ObserveUnit(unit.MetricName(), string(result.Status), result.Duration)
	}

	if err != nil {
		s.logger.Error().Err(err).Str("unit", unit.ID).Dur("duration", result.Duration).Msg("Operation failed")
		s.publishEvent(ctx, run.ID, unit.ID, EventTypeUnitFailed,
			fmt.Sprintf("Failed %s %s %s: %v", unit.Operation, unit.Kind, unit.ResourceID, err), "error")
		return err
	}

	s.logger.Debug().Str("unit", unit.ID).Dur("duration", result.Duration).Msg("Operation completed")
	s.publishEvent(ctx, run.ID, unit.ID, EventTypeUnitCompleted,
		fmt.Sprintf("Completed %s %s %s", unit.Operation, unit.Kind, unit.ResourceID), "info")
	return nil
}

// checkDependencies verifies that the unit's dependencies allow it to run.
func (s *PhaseScheduler) checkDependencies(state *execution, unit *PlanUnit) bool {
	for _, dep := range unit.Dependencies {
		status := state.getStatus(dep.TargetID)
		switch dep.Type {
		case DependencyOrder:
			if !status.IsTerminal() {
				return false
			}
		default:
			if status != UnitStatusSucceeded {
				return false
			}
		}
	}
	return true
}

// finishRemaining marks every unit of the given levels with status.
func (s *PhaseScheduler) finishRemaining(ctx context.Context, run *Run, state *execution, levels [][]string, status UnitStatus, cause error) {
	for _, ids := range levels {
		for _, id := range ids {
			unit := &PlanUnit{ID: id}
			s.markUnitFinished(ctx, run, state, unit, status, cause)
		}
	}
}

// markUnitFinished records a unit that never ran.
func (s *PhaseScheduler) markUnitFinished(ctx context.Context, run *Run, state *execution, unit *PlanUnit, status UnitStatus, cause error) {
	now := time.Now()
	reason := "dependencies failed"
	if status == UnitStatusCancelled {
		reason = "execution cancelled"
	}
	state.store(&UnitResult{
		UnitID:      unit.ID,
		Status:      status,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError(reason, cause).
			WithCode(ErrCodeDependencyFailed).
			WithResource(unit.ID),
	})
	s.publishEvent(ctx, run.ID, unit.ID, EventTypeUnitSkipped,
		fmt.Sprintf("Skipped %s: %s", unit.ID, reason), "warning")
}

// publishEvent publishes an execution event synchronously. Publish errors are
// logged and never fail the run.
func (s *PhaseScheduler) publishEvent(
	ctx context.Context,
	runID, planUnitID string,
	eventType EventType,
	message, level string,
) {
	publish(ctx, s.events, s.logger, &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      runID,
		PlanUnitID: planUnitID,
		Message:    message,
		Level:      level,
	})
}

func publish(ctx context.Context, events EventPublisher, logger zerolog.Logger, event *Event) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, event); err != nil {
		logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

// summarize counts unit outcomes.
func summarize(ids []string, state *execution) RunSummary {
	state.mu.RLock()
	defer state.mu.RUnlock()

	summary := RunSummary{Total: len(ids)}
	for _, id := range ids {
		switch state.status[id] {
		case UnitStatusSucceeded:
			summary.Succeeded++
		case UnitStatusFailed:
			summary.Failed++
		case UnitStatusSkipped:
			summary.Skipped++
		case UnitStatusCancelled:
			summary.Cancelled++
		}
	}
	return summary
}
