package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/openfroyo/towerconf/pkg/engine"
	"github.com/openfroyo/towerconf/pkg/policy"
	"github.com/openfroyo/towerconf/pkg/tower"
)

// printer writes user facing text. Styles degrade to plain text when w is
// not a terminal.
type printer struct {
	w io.Writer

	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

var (
	colorTeal  = lipgloss.Color("#20B9B4")
	colorGold  = lipgloss.Color("#F4D03F")
	colorRed   = lipgloss.Color("#E74C3C")
	colorSlate = lipgloss.Color("#6C8A94")
)

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(colorTeal),
		bold:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(colorSlate),
		success: r.NewStyle().Foreground(colorTeal),
		warning: r.NewStyle().Foreground(colorGold),
		failure: r.NewStyle().Foreground(colorRed),
	}
}

func (p *printer) line(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) warn(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.warning.Render("⚠"), p.warning.Render(text))
}

func (p *printer) list(items []string) {
	for _, item := range items {
		fmt.Fprintf(p.w, "    - %s\n", item)
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w interface{}) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) stdinIsTerminal() bool {
	return isTerminal(a.in)
}

// summary prints what command is about to do, in the order the user reads
// it before confirming. It returns false when there is nothing to do.
func (p *printer) summary(command, method string, s sessionView, plan *engine.Plan) bool {
	workspace := s.workspaceID
	if workspace == "" {
		workspace = "personal"
	}
	p.line("Connected as %s (https://%s -- %s)", p.bold.Render(fmt.Sprintf("%q", s.user)), s.server, workspace)
	p.line("Configuring machine %q and pipelines with the suffix %q (%s)", plan.ComputeName, plan.Suffix, s.node)

	switch command {
	case "clean":
		if !plan.HasCleanWork() {
			p.line("Nothing to clean")
			return false
		}
		if plan.CredentialID != "" {
			p.line("towerconf will DELETE credentials %q", plan.CredentialName)
		}
		if plan.ComputeID != "" {
			p.line("towerconf will DELETE compute environment %q", plan.ComputeName)
		}
		if plan.LocalKeyEntry {
			p.line("towerconf will remove this machine's entry from authorized_keys")
		}
	default:
		if plan.UpToDate() {
			p.line("Already setup")
			return false
		}
		if plan.NeedsCredential() {
			p.line("towerconf will %s %s credentials %q", updateOrNew(plan.CredentialID), method, plan.CredentialName)
		}
		if plan.NeedsIdentity() {
			p.line("towerconf will %s compute environment %q", updateOrNew(plan.ComputeID), plan.ComputeName)
		}
		if plan.ComputeID != "" && plan.NeedsPrimary() {
			p.line("towerconf will make compute environment %q the workspace primary", plan.ComputeName)
		}
	}

	if len(plan.PipelinesToAdd) > 0 {
		heading := "Pipelines to be INSTALLED"
		if plan.Force {
			heading += "/UPDATED"
		}
		p.line("%s:", heading)
		names := make([]string, 0, len(plan.PipelinesToAdd))
		for _, change := range plan.PipelinesToAdd {
			names = append(names, change.FullName)
		}
		p.list(names)
	}
	if len(plan.PipelinesToRemove) > 0 {
		p.line("Pipelines to be REMOVED:")
		names := make([]string, 0, len(plan.PipelinesToRemove))
		for _, ref := range plan.PipelinesToRemove {
			names = append(names, ref.FullName)
		}
		p.list(names)
	}
	return true
}

// errorHint suggests a next step from how err is classified.
func errorHint(err error) string {
	switch {
	case engine.IsAgentTimeout(err):
		return "the agent never connected, check its log or raise --agent-timeout"
	case engine.IsLocalIdentity(err):
		return "check that ~/.ssh exists and is writable"
	case engine.IsValidation(err):
		return "Tower rejected the request as invalid, check the flags and settings file"
	case engine.IsThrottled(err):
		return "Tower is rate limiting, lower --concurrency or raise --spacing and run the command again"
	case engine.IsConflict(err):
		return "the object changed while towerconf ran, run the command again"
	case engine.IsRetryable(err):
		return "the failure looks temporary, running the command again may succeed"
	case engine.IsPermanent(err) && engine.IsTransport(err):
		return "Tower refused the request, check the access token and workspace"
	}
	return ""
}

func updateOrNew(existingID string) string {
	if existingID != "" {
		return "UPDATE"
	}
	return "install NEW"
}

// sessionView is what the summary shows about the connection.
type sessionView struct {
	user        string
	server      string
	workspaceID string
	node        string
}

// skipped warns about requested pipelines missing from the catalog.
func (p *printer) skipped(plan *engine.Plan) {
	for _, spec := range plan.Skipped {
		p.warn(fmt.Sprintf("%s is not an nf-core pipeline, skipped", spec))
	}
}

// policyResult prints warnings and blocking violations.
func (p *printer) policyResult(result *policy.PolicyResult) {
	if result == nil {
		return
	}
	for _, v := range result.Warnings {
		text := v.Message
		if v.Remediation != "" {
			text += " (" + v.Remediation + ")"
		}
		p.warn(text)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(p.w, "%s %s %s\n", p.failure.Render("✗"), p.failure.Render(v.Message), p.muted.Render("["+v.Policy+"]"))
	}
}

// event prints unit progress while a run executes.
func (p *printer) event(e engine.Event) {
	switch e.Type {
	case engine.EventTypeUnitCompleted:
		fmt.Fprintf(p.w, "  %s %s\n", p.success.Render("✓"), e.Message)
	case engine.EventTypeUnitFailed:
		fmt.Fprintf(p.w, "  %s %s\n", p.failure.Render("✗"), e.Message)
	case engine.EventTypeCompensation:
		fmt.Fprintf(p.w, "  %s %s\n", p.warning.Render("↺"), e.Message)
	}
}

// reportError prints the single terminal message of a failed invocation:
// the error, what to do about it and the cleanup already done.
func (a *app) reportError(err error) {
	p := newPrinter(a.errOut)
	fmt.Fprintf(p.w, "%s %s\n", p.failure.Render("✗ Error:"), err)

	var apiErr *tower.APIError
	if errors.As(err, &apiErr) && apiErr.Body != "" {
		p.line("  %s %s", p.muted.Render("response:"), apiErr.Body)
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		return
	}
	if engErr.Remediation != "" {
		p.line("  %s %s", p.bold.Render("To fix:"), engErr.Remediation)
	} else if hint := errorHint(err); hint != "" {
		p.line("  %s %s", p.bold.Render("Hint:"), hint)
	}
	if len(engErr.Compensations) > 0 {
		p.line("  %s", p.bold.Render("Already undone:"))
		for _, action := range engErr.Compensations {
			p.line("    - %s", action)
		}
	}
}
