package telemetry

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/towerconf/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

// NewWriterTelemetry is NewTelemetry with every log line written to w.
func NewWriterTelemetry(cfg *Config, w io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, NewWriterLogger(w, cfg.Logging))
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventPublisher(logger.NewComponentLogger("events").Zerolog()),
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes spans and, when configured, writes the metrics textfile.
// Both are attempted even if one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if path := t.Config.Metrics.TextfilePath; path != "" {
		if err := t.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Command tracks one CLI invocation: its root span, its logger and its
// duration.
type Command struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name  string
	timer *Timer
	tel   *Telemetry
}

// StartCommand begins an instrumented command. Without telemetry in ctx it
// returns a Command that only times.
func StartCommand(ctx context.Context, name, server string) *Command {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Command{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			name:   name,
			timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartCommandSpan(ctx, name, server)
	logger := tel.Logger.WithServer(server).WithField("command", name)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	return &Command{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		name:   name,
		timer:  NewTimer(),
		tel:    tel,
	}
}

// End finishes the command, recording its status on the span and in the
// run metrics.
func (c *Command) End(err error) {
	status := RunStatus(err)
	if c.Span != nil {
		if err != nil {
			RecordError(c.Span, err)
		} else {
			RecordSuccess(c.Span)
		}
		c.Span.End()
	}
	if c.tel != nil {
		c.tel.Metrics.RecordRun(c.name, status, c.timer.Duration())
	}
}

// RunStatus maps a command result to the status label used in metrics.
func RunStatus(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case engine.IsCancelled(err), errors.Is(err, context.Canceled):
		return "cancelled"
	case engine.IsPolicyDenied(err):
		return "denied"
	default:
		return "failed"
	}
}
