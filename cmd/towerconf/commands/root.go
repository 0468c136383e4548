package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/towerconf/pkg/config"
	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/identity"
)

// app holds what every command shares. Tests swap the streams, the HTTP
// client and the local collaborators.
type app struct {
	v *viper.Viper

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	version string

	// httpClient replaces the default transport of the remote and catalog
	// clients when set.
	httpClient *http.Client

	detector *config.Detector
	keys     func() (engine.KeyStore, error)
	agents   engine.AgentLauncher
	keygen   identity.Generator
	confirm  func(ctx context.Context, title string) (bool, error)
	isTTY    func() bool
	now      func() time.Time
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{
		v:        viper.New(),
		in:       in,
		out:      out,
		errOut:   errOut,
		detector: config.NewDetector(),
		keys:     defaultKeyStore,
		agents:   engine.ProcessLauncher{},
		now:      time.Now,
	}
	a.confirm = a.huhConfirm
	a.isTTY = a.stdinIsTerminal
	return a
}

func defaultKeyStore() (engine.KeyStore, error) {
	path, err := identity.DefaultPath()
	if err != nil {
		return nil, err
	}
	return identity.NewStore(path), nil
}

// Execute runs the root command and prints the error report on failure.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	rootCmd := a.newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		a.reportError(err)
	}
	return err
}

func (a *app) newRootCommand(version, commit, buildDate string) *cobra.Command {
	a.version = version

	rootCmd := &cobra.Command{
		Use:   "towerconf",
		Short: "Configure this machine as a Nextflow Tower compute environment",
		Long: `towerconf registers the current HPC login node with a Nextflow Tower
workspace: a credential (SSH key or Tower Agent connection), a compute
environment using it, and a set of nf-core pipelines launched on it.

Running it again only applies what changed. Pipelines are matched by the
suffix derived from the node name, so several machines can share a
workspace.

Environment variables: TOWER_ACCESS_TOKEN (required), TOWER_WORKSPACE_ID.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(a.in)
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	d := config.Defaults()
	flags := rootCmd.PersistentFlags()
	flags.String("server", d.Server, "Tower API server")
	flags.String("node", "", "full address of this HPC login node (guessed when empty)")
	flags.BoolP("yes", "y", false, "perform actions without confirming")
	flags.BoolP("verbose", "v", false, "log every Tower API call")
	flags.String("settings", "", "settings file (default ~/.towerconf.yaml)")
	flags.String("workspace", "", "workspace name, resolved when TOWER_WORKSPACE_ID is unset")
	flags.Int("concurrency", d.Concurrency, "maximum concurrent API calls")
	flags.Duration("spacing", d.Spacing, "minimum interval between API calls")
	flags.Duration("timeout", d.Timeout, "timeout of a single API call")
	flags.String("catalog-url", d.CatalogURL, "nf-core pipeline catalog")
	flags.StringSlice("policy", nil, "additional .rego or .json policy files or directories")
	flags.String("metrics-file", "", "write Prometheus metrics to this file on exit")
	flags.String("trace-exporter", d.TraceExporter, "trace exporter: none, stdout or otlp")
	flags.String("trace-endpoint", "", "OTLP collector address for --trace-exporter otlp")

	rootCmd.AddCommand(a.newSetupCommand())
	rootCmd.AddCommand(a.newCleanCommand())
	rootCmd.AddCommand(a.newPlanCommand())

	return rootCmd
}

// pipelineFlags adds the flags that shape the desired pipelines.
func pipelineFlags(cmd *cobra.Command) {
	d := config.Defaults()
	flags := cmd.Flags()
	flags.StringSlice("pipelines", nil, `nf-core pipelines ("org/repo[@revision]") this machine should carry; "" removes all`)
	flags.StringSlice("profiles", nil, "profiles assigned to new or updated pipelines")
	flags.String("config", d.ConfigFile, "nextflow config assigned to new or updated pipelines")
	flags.String("prerun", d.PrerunFile, "pre-run script assigned to new or updated pipelines")
	flags.BoolP("force", "f", false, "re-submit the credential, compute environment and existing pipelines")
}

// computeFlags adds the flags that describe this machine.
func computeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("platform", "", "compute platform (guessed when empty)")
	flags.String("launchdir", "", "scratch directory used for launching workflows")
	flags.String("queue-options", "", "options of the head job queue")
}

// sshFlags adds the flags of the ssh method.
func sshFlags(cmd *cobra.Command) {
	cmd.Flags().Int("days", config.DefaultDays, "days the SSH key stays valid")
}

// agentFlags adds the flags of the agent method.
func agentFlags(cmd *cobra.Command) {
	d := config.Defaults()
	flags := cmd.Flags()
	flags.String("agent-bin", d.AgentBinary, "Tower Agent executable")
	flags.Duration("agent-timeout", 0, fmt.Sprintf("how long to wait for the agent to connect (default %s, %s without a terminal)",
		config.DefaultAgentTimeout, config.DetachedAgentTimeout))
	flags.Bool("leave-alive", false, "keep the agent running after setup")
}
