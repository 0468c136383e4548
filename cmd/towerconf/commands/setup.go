package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/towerconf/pkg/config"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/telemetry"
)

func (a *app) newSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register this machine as a compute environment",
		Long: `Create or update the credential and compute environment of this machine,
make it the workspace primary and install the requested pipelines.

Two methods are available:
  ssh    authorize a fresh SSH key for Tower in ~/.ssh/authorized_keys
  agent  run the Tower Agent, which connects out to Tower`,
	}

	cmd.AddCommand(a.newSetupMethodCommand(config.MethodSSH,
		"Set up using an SSH key", sshFlags))
	cmd.AddCommand(a.newSetupMethodCommand(config.MethodAgent,
		"Set up using the Tower Agent", agentFlags))

	return cmd
}

func (a *app) newSetupMethodCommand(method config.Method, short string, methodFlags func(*cobra.Command)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(method),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSetup(cmd, method)
		},
	}
	computeFlags(cmd)
	pipelineFlags(cmd)
	methodFlags(cmd)
	return cmd
}

func (a *app) runSetup(cmd *cobra.Command, method config.Method) (err error) {
	s, err := a.loadSettings(cmd, config.CommandSetup, method)
	if err != nil {
		return err
	}

	sess, err := a.startSession(cmd.Context(), s, "setup "+string(method))
	if err != nil {
		return err
	}
	defer func() { sess.finish(err) }()

	inv, plan, err := sess.plan()
	if err != nil {
		return err
	}

	configText, prerunText, err := s.LaunchTexts(sess.logger)
	if err != nil {
		return err
	}

	result, err := sess.checkPolicy(config.CommandSetup, plan, configText, prerunText)
	if err != nil {
		return err
	}

	p := newPrinter(a.out)
	p.skipped(plan)
	p.policyResult(result)
	if err := result.Err(); err != nil {
		return err
	}

	view := sessionView{user: inv.User, server: s.Server, workspaceID: s.WorkspaceID, node: s.Node}
	if !p.summary(string(config.CommandSetup), string(method), view, plan) {
		return nil
	}

	ok, err := a.proceed(sess.ctx(), s.Yes)
	if err != nil || !ok {
		return err
	}

	exec, err := sess.executor()
	if err != nil {
		return err
	}
	sess.tel.Events.Subscribe(p.event, telemetry.FilterByType(
		engine.EventTypeUnitCompleted,
		engine.EventTypeUnitFailed,
		engine.EventTypeCompensation,
	))

	req := s.SetupRequest(configText, prerunText, a.now(), sess.logger)
	run, err := exec.Setup(sess.ctx(), plan, &req)
	sess.logRun(run)
	if err != nil {
		return err
	}

	if run.RelaunchTip != "" {
		p.line("Agent configured - in future, launch using %q", run.RelaunchTip)
	}
	p.line("%s", p.title.Render("Done"))
	return nil
}
