package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/towerconf/pkg/config"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/policy"
)

// planDocument is the machine readable output of the plan command.
type planDocument struct {
	Command string               `json:"command" yaml:"command"`
	Method  string               `json:"method,omitempty" yaml:"method,omitempty"`
	User    string               `json:"user" yaml:"user"`
	Plan    *engine.Plan         `json:"plan" yaml:"plan"`
	Phases  [][]*engine.PlanUnit `json:"phases" yaml:"phases"`
	Policy  policySummary        `json:"policy" yaml:"policy"`
}

type policySummary struct {
	Allowed    bool                     `json:"allowed" yaml:"allowed"`
	Violations []policy.PolicyViolation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings   []policy.PolicyViolation `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type planOptions struct {
	method string
	clean  bool
	output string
	json   bool
	dot    bool
}

func (a *app) newPlanCommand() *cobra.Command {
	opts := &planOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what setup or clean would change",
		Long: `Read the workspace, compute the changes setup (or clean, with --clean)
would apply and print them together with the phases they would run in.
Nothing is changed.`,
		Example: `  towerconf plan --method ssh --pipelines nf-core/rnaseq,nf-core/sarek
  towerconf plan --clean -o yaml
  towerconf plan --dot | dot -Tpng > plan.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.method, "method", string(config.MethodSSH), "setup method to plan for: ssh or agent")
	flags.BoolVar(&opts.clean, "clean", false, "plan a clean instead of a setup")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text, json or yaml")
	flags.BoolVar(&opts.json, "json", false, "shorthand for --output json")
	flags.BoolVar(&opts.dot, "dot", false, "print the execution graph in DOT format")
	computeFlags(cmd)
	pipelineFlags(cmd)
	sshFlags(cmd)
	agentFlags(cmd)

	return cmd
}

func (a *app) runPlan(cmd *cobra.Command, opts *planOptions) (err error) {
	if opts.json {
		opts.output = "json"
	}
	switch opts.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	command := config.CommandPlan
	method := config.Method(opts.method)
	if opts.clean {
		command = config.CommandClean
		method = ""
	} else if method != config.MethodSSH && method != config.MethodAgent {
		return fmt.Errorf("unknown method %q", opts.method)
	}

	s, err := a.loadSettings(cmd, command, method)
	if err != nil {
		return err
	}

	sess, err := a.startSession(cmd.Context(), s, "plan")
	if err != nil {
		return err
	}
	defer func() { sess.finish(err) }()

	inv, plan, err := sess.plan()
	if err != nil {
		return err
	}
	if opts.clean {
		if err := sess.findLocalKey(plan, s.Names().KeyTag); err != nil {
			return err
		}
	}

	var configText, prerunText string
	if !opts.clean {
		if configText, prerunText, err = s.LaunchTexts(sess.logger); err != nil {
			return err
		}
	}

	result, err := sess.checkPolicy(command, plan, configText, prerunText)
	if err != nil {
		return err
	}

	exec, err := sess.executor()
	if err != nil {
		return err
	}
	var units []engine.PlanUnit
	if opts.clean {
		units = exec.CleanUnits(plan, s.Names().KeyTag)
	} else {
		req := s.SetupRequest(configText, prerunText, a.now(), sess.logger)
		units = exec.SetupUnits(plan, &req)
	}

	builder, _, err := engine.Graph(units)
	if err != nil {
		return err
	}

	if opts.dot {
		fmt.Fprint(a.out, builder.ToDOT())
		return nil
	}

	planned := string(config.CommandSetup)
	if opts.clean {
		planned = string(config.CommandClean)
	}
	doc := &planDocument{
		Command: planned,
		Method:  string(method),
		User:    inv.User,
		Plan:    plan,
		Policy: policySummary{
			Allowed:    result.Allowed,
			Violations: result.Violations,
			Warnings:   result.Warnings,
		},
	}
	for _, level := range builder.GetLevels() {
		phase := make([]*engine.PlanUnit, 0, len(level))
		for _, id := range level {
			phase = append(phase, builder.Unit(id))
		}
		doc.Phases = append(doc.Phases, phase)
	}

	switch opts.output {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}

	p := newPrinter(a.out)
	p.skipped(plan)
	p.policyResult(result)
	view := sessionView{user: inv.User, server: s.Server, workspaceID: s.WorkspaceID, node: s.Node}
	if !p.summary(planned, string(method), view, plan) {
		return nil
	}
	for i, phase := range doc.Phases {
		p.line("%s", p.bold.Render(fmt.Sprintf("Phase %d", i+1)))
		for _, unit := range phase {
			p.line("  %s %s %s", unit.Operation, unit.Kind, p.muted.Render(unit.ResourceID))
		}
	}
	return nil
}
