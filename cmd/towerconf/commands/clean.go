package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/towerconf/pkg/config"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/telemetry"
)

func (a *app) newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove everything setup created for this machine",
		Long: `Delete the credential, the compute environment, every pipeline carrying
this machine's suffix and the labels only those pipelines used, then drop
the authorized_keys entry added by "setup ssh".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runClean(cmd)
		},
	}
}

func (a *app) runClean(cmd *cobra.Command) (err error) {
	s, err := a.loadSettings(cmd, config.CommandClean, "")
	if err != nil {
		return err
	}

	sess, err := a.startSession(cmd.Context(), s, "clean")
	if err != nil {
		return err
	}
	defer func() { sess.finish(err) }()

	inv, plan, err := sess.plan()
	if err != nil {
		return err
	}
	if err := sess.findLocalKey(plan, s.Names().KeyTag); err != nil {
		return err
	}

	result, err := sess.checkPolicy(config.CommandClean, plan, "", "")
	if err != nil {
		return err
	}

	p := newPrinter(a.out)
	p.policyResult(result)
	if err := result.Err(); err != nil {
		return err
	}

	view := sessionView{user: inv.User, server: s.Server, workspaceID: s.WorkspaceID, node: s.Node}
	if !p.summary(string(config.CommandClean), "", view, plan) {
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
	))

	run, err := exec.Clean(sess.ctx(), plan, s.Names().KeyTag)
	sess.logRun(run)
	if err != nil {
		return err
	}
	p.line("%s", p.title.Render("Done"))
	return nil
}
