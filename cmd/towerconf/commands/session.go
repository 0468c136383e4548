package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/towerconf/pkg/config"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/policy"
	"github.com/openfroyo/towerconf/pkg/telemetry"
	"github.com/openfroyo/towerconf/pkg/tower"
)

const shutdownTimeout = 10 * time.Second

// session is one invocation once its settings are known: telemetry, the
// command span and a client scoped to the right workspace.
type session struct {
	app      *app
	settings *config.Settings
	tel      *telemetry.Telemetry
	command  *telemetry.Command
	logger   zerolog.Logger
	client   *tower.Client
}

// loadSettings binds cmd's flags, reads the settings file, fills in guessed
// defaults and validates the result.
func (a *app) loadSettings(cmd *cobra.Command, command config.Command, method config.Method) (*config.Settings, error) {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	config.SetDefaults(a.v)
	if err := config.ReadSettingsFile(a.v, a.v.GetString("settings")); err != nil {
		return nil, err
	}

	a.guessDefaults(cmd.Context(), command)
	if a.v.GetDuration("agent-timeout") == 0 {
		a.v.Set("agent-timeout", config.AgentTimeoutFor(a.isTTY()))
	}

	s, err := config.Load(a.v, command, method)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// guessDefaults detects the node address and, for setup, the platform when
// neither flags nor settings gave them.
func (a *app) guessDefaults(ctx context.Context, command config.Command) {
	var missing []string

	if a.v.GetString("node") == "" {
		node, err := a.detector.GuessNode(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to resolve this host, are you connected to the internet?")
		}
		if node != "" {
			a.v.Set("node", node)
		} else {
			missing = append(missing, "node address")
		}
	}

	if command == config.CommandSetup && a.v.GetString("platform") == "" {
		if platform := a.detector.GuessPlatform(); platform != "" {
			a.v.Set("platform", platform)
		} else {
			missing = append(missing, "platform")
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(a.errOut, "\nALERT: Could not guess default %s - are you sure this is an HPC?\n\n",
			strings.Join(missing, " or "))
	}
}

func (a *app) telemetryConfig(s *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = a.version
	cfg.Logging.Level = logLevel(s.Verbose)
	cfg.Logging.NoColor = !isTerminal(a.errOut)
	cfg.Tracing.Exporter = s.TraceExporter
	cfg.Tracing.Endpoint = s.TraceEndpoint
	cfg.Metrics.TextfilePath = s.MetricsFile
	cfg.ResourceAttributes["tower.server"] = s.Server
	return cfg
}

// logLevel is debug with --verbose, LOG_LEVEL when it names a level and
// info otherwise.
func logLevel(verbose bool) string {
	if verbose {
		return "debug"
	}
	switch level := os.Getenv("LOG_LEVEL"); level {
	case "trace", "debug", "info", "warn", "error":
		return level
	}
	return "info"
}

// startSession sets up telemetry, starts the command span and connects to
// the workspace.
func (a *app) startSession(ctx context.Context, s *config.Settings, name string) (*session, error) {
	tel, err := telemetry.NewWriterTelemetry(a.telemetryConfig(s), a.errOut)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	cmd := telemetry.StartCommand(tel.WithContext(ctx), name, s.Server)
	sess := &session{
		app:      a,
		settings: s,
		tel:      tel,
		command:  cmd,
		logger:   cmd.Logger.Zerolog(),
	}

	cfg := s.TowerConfig(sess.logger, tel.Metrics)
	cfg.HTTPClient = a.httpClient
	sess.client, err = tower.NewClient(cfg)
	if err == nil {
		err = sess.resolveWorkspace()
	}
	if err != nil {
		sess.finish(err)
		return nil, err
	}
	return sess, nil
}

func (sess *session) ctx() context.Context {
	return sess.command.Ctx
}

// finish ends the command span, flushes traces and writes the metrics file.
func (sess *session) finish(err error) {
	sess.command.End(err)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := sess.tel.Shutdown(ctx); shutdownErr != nil {
		sess.logger.Warn().Err(shutdownErr).Msg("Failed to flush telemetry")
	}
}

// resolveWorkspace turns --workspace into an id unless TOWER_WORKSPACE_ID
// already gave one.
func (sess *session) resolveWorkspace() error {
	s := sess.settings
	if s.WorkspaceID != "" || s.Workspace == "" {
		return nil
	}

	id, err := sess.client.WorkspaceIDByName(sess.ctx(), s.Workspace)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace %q: %w", s.Workspace, err)
	}
	if id == "" {
		return fmt.Errorf("workspace %q not found", s.Workspace)
	}

	sess.logger.Debug().Str("workspace", s.Workspace).Str("workspace_id", id).Msg("Workspace resolved")
	s.WorkspaceID = id
	sess.client = sess.client.WithWorkspace(id)
	return nil
}

// plan reads the inventory and diffs it against the settings.
func (sess *session) plan() (*engine.Inventory, *engine.Plan, error) {
	intent := sess.settings.Intent()
	catalog := tower.NewCatalogClient(sess.settings.CatalogURL, sess.app.httpClient)

	inv, err := engine.LoadInventory(sess.ctx(), sess.client, catalog, engine.InventoryOptions{
		Pipelines:   intent.Pipelines != nil,
		Catalog:     len(intent.Pipelines) > 0,
		ComputeName: intent.ComputeName,
	}, sess.logger)
	if err != nil {
		return nil, nil, err
	}

	plan, err := engine.NewPlanner(sess.logger).Plan(inv, intent)
	if err != nil {
		return nil, nil, err
	}

	m := sess.tel.Metrics
	m.SetPlannedChanges("pipelines_add", len(plan.PipelinesToAdd))
	m.SetPlannedChanges("pipelines_remove", len(plan.PipelinesToRemove))
	m.SetPlannedChanges("labels_add", len(plan.LabelsToAdd))
	m.SetPlannedChanges("labels_remove", len(plan.LabelsToRemove))

	return inv, plan, nil
}

// logRun records how run ended under its id.
func (sess *session) logRun(run *engine.Run) {
	if run == nil {
		return
	}
	sess.command.Logger.WithRunID(run.ID).
		Infof("Run %s %s in %s", run.Command, run.Status, run.Duration.Round(time.Millisecond))
}

// findLocalKey marks plan when authorized_keys still holds the entry tagged
// tag.
func (sess *session) findLocalKey(plan *engine.Plan, tag string) error {
	keys, err := sess.app.keys()
	if err != nil {
		return err
	}
	_, found, err := keys.Lookup(tag)
	if err != nil {
		return engine.NewPermanentError("failed to read local key entries", err).
			WithCode(engine.ErrCodeLocalIdentity).
			WithResource(tag)
	}
	plan.LocalKeyEntry = found
	return nil
}

// checkPolicy evaluates the built-in and --policy policies for command.
func (sess *session) checkPolicy(command config.Command, plan *engine.Plan, configText, prerunText string) (*policy.PolicyResult, error) {
	eng, err := policy.NewEngine(sess.logger)
	if err != nil {
		return nil, err
	}
	if len(sess.settings.PolicyFiles) > 0 {
		if err := eng.LoadPolicies(sess.ctx(), sess.settings.PolicyFiles); err != nil {
			return nil, err
		}
	}

	input := &policy.PolicyInput{
		Command: string(command),
		Plan:    plan,
		Context: &policy.PolicyContext{
			Server:        sess.settings.Server,
			Workspace:     sess.settings.WorkspaceID,
			HasConfigText: strings.TrimSpace(configText) != "",
			HasPrerunText: strings.TrimSpace(prerunText) != "",

			WritesCredential: command != config.CommandClean && plan.NeedsCredential(),
		},
	}
	if command != config.CommandClean {
		input.Method = string(sess.settings.Method.Provider())
	}
	return eng.EvaluatePlan(sess.ctx(), input)
}

// executor builds the plan executor wired to the session's telemetry.
func (sess *session) executor() (*engine.Executor, error) {
	keys, err := sess.app.keys()
	if err != nil {
		return nil, err
	}
	return engine.NewExecutor(sess.client, engine.ExecutorOptions{
		Keys:        keys,
		KeyGen:      sess.app.keygen,
		Agents:      sess.app.agents,
		Events:      sess.tel.Events,
		Observer:    sess.tel.Metrics,
		MaxParallel: sess.settings.Concurrency,
		Logger:      sess.logger,
	}), nil
}
