package extensions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gliderlab/moltgate/processtool"
)

// Script describes a command backed by an installed executable
type Script struct {
	Name        string
	Description string
	AcceptsArgs bool
	Timeout     time.Duration
}

// DefaultScripts are the wrappers installed alongside the gateway. Each
// executable is looked up on PATH under the command name.
var DefaultScripts = []Script{
	{Name: "git_check", Description: "Pre-push safety check (sensitive files, diff size, branch)", AcceptsArgs: true, Timeout: 15 * time.Second},
	{Name: "git_sync", Description: "Pull all workspace repos or clone a new one by URL", AcceptsArgs: true, Timeout: 60 * time.Second},
	{Name: "git_repos", Description: "Scan workspace git repos, branch and dirty status", Timeout: 15 * time.Second},
	{Name: "ws_check", Description: "Workspace health: config, sync, API keys, gateway, skills", Timeout: 15 * time.Second},
	{Name: "sys_info", Description: "System info: hostname, kernel, uptime, memory, disk", Timeout: 10 * time.Second},
	{Name: "net_check", Description: "Network connectivity to upstream API endpoints", Timeout: 15 * time.Second},
	{Name: "ssh_setup", Description: "Generate or show the workspace SSH key", Timeout: 30 * time.Second},
	{Name: "ssh_check", Description: "Test SSH connectivity to GitHub", Timeout: 15 * time.Second},
	{Name: "aws_auth", Description: "Configure AWS credentials for Bedrock", AcceptsArgs: true, Timeout: 30 * time.Second},
}

// ScriptCommand wraps s as a Command executed through runner
func ScriptCommand(s Script, runner processtool.Runner) *Command {
	return &Command{
		Name:        s.Name,
		Description: s.Description,
		AcceptsArgs: s.AcceptsArgs,
		Handler: func(ctx context.Context, args string) (string, error) {
			spec := processtool.ExecSpec{Bin: s.Name, Timeout: s.Timeout}
			if args != "" {
				spec.Args = []string{args}
			}
			return runScript(ctx, runner, spec), nil
		},
	}
}

// RegisterScripts registers every script in scripts
func RegisterScripts(r *Registry, runner processtool.Runner, scripts []Script) error {
	for _, s := range scripts {
		if err := r.Register(ScriptCommand(s, runner)); err != nil {
			return err
		}
	}
	return nil
}

// runScript renders stdout plus stderr. A failure with no output is
// reported with the error instead.
func runScript(ctx context.Context, runner processtool.Runner, spec processtool.ExecSpec) string {
	res, err := runner.Run(ctx, spec)

	var output string
	if res != nil {
		output = res.Stdout
		if res.Stderr != "" {
			output += "\n" + res.Stderr
		}
	}
	output = strings.TrimSpace(output)

	if err != nil && output == "" {
		return fmt.Sprintf("❌ %s failed: %v", spec.Bin, err)
	}
	if output == "" {
		return "✅ Done."
	}
	return output
}
