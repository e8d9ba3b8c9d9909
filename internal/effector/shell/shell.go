// Package shell implements the shell capability effector: runs a single
// command under an allowlist and, in safe mode, a fixed read-only baseline.
package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/executil"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/risk"
)

const (
	commandTimeout = 30 * time.Second
	maxOutputChars = 1000
)

// safeModeBaseline is the fixed read-only command set permitted regardless
// of shell_allowlist when safe mode is on, matched against the basename of
// the command.
var safeModeBaseline = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true,
	"echo": true, "pwd": true, "whoami": true, "date": true,
}

// Config is the AgentCapability.Config payload this effector recognizes.
type Config struct{}

type params struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
}

// Effector implements effector.Effector for model.CapabilityShell.
type Effector struct {
	Runner executil.Runner
}

// New returns a shell effector backed by a real subprocess runner.
func New() *Effector {
	return &Effector{Runner: executil.NewRunner()}
}

func (e *Effector) Type() model.CapabilityType { return model.CapabilityShell }

func (e *Effector) DefaultConfig() any { return Config{} }

func parseParams(input model.ActionInput) (params, error) {
	var p params
	if len(input.Params) > 0 {
		if err := json.Unmarshal(input.Params, &p); err != nil {
			return p, apierr.Wrap(apierr.Validation, "invalid shell params", err)
		}
	}
	if p.Args == nil {
		p.Args = []string{}
	}
	if p.Cwd == "" {
		wd, _ := os.Getwd()
		p.Cwd = wd
	}
	return p, nil
}

func (e *Effector) ValidateRequest(ctx context.Context, ectx effector.Context, input model.ActionInput) error {
	p, err := parseParams(input)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.Command) == "" {
		return apierr.New(apierr.Validation, "command is required")
	}
	return nil
}

func fullCommand(p params) string {
	return strings.ToLower(strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " ")))
}

func matchesAllowlist(full string, patterns []string) bool {
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(full) {
			return true
		}
	}
	return false
}

func isBaselineCommand(command string) bool {
	return safeModeBaseline[filepath.Base(command)]
}

func cwdAllowed(cwd string, roots []string) bool {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	for _, r := range roots {
		rootAbs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		rootResolved, err := filepath.EvalSymlinks(rootAbs)
		if err != nil {
			rootResolved = rootAbs
		}
		if resolved == rootResolved || strings.HasPrefix(resolved, rootResolved+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (e *Effector) DryRun(ctx context.Context, ectx effector.Context, input model.ActionInput) ([]model.PlanStep, error) {
	p, err := parseParams(input)
	if err != nil {
		return nil, err
	}

	if !cwdAllowed(p.Cwd, ectx.AllowedRoots) {
		return nil, apierr.Newf(apierr.Validation, "cwd %q is outside allowed roots", p.Cwd)
	}

	full := fullCommand(p)
	inputsRaw, err := json.Marshal(p)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal step inputs", err)
	}

	step := model.PlanStep{
		StepID:      uuid.NewString(),
		Type:        model.StepShellRun,
		Description: "run: " + full,
		Inputs:      inputsRaw,
		Preview:     full,
	}

	allowed := matchesAllowlist(full, ectx.ShellAllowlist)
	if !allowed {
		step.RiskFlags = append(step.RiskFlags, risk.FlagCommandNotAllowed, risk.FlagWouldBeBlocked)
	}

	if ectx.SafeModeEnabled && !isBaselineCommand(p.Command) {
		step.RiskFlags = append(step.RiskFlags, risk.FlagBlockedBySafeMode)
	}

	scored := risk.ScoreStep(step)
	score := scored.Score
	if !allowed {
		// Command-not-allowed steps always land in the 80-100 band
		// regardless of the base scoring table.
		score = clampToRange(score, 80, 100)
	}
	step.RiskScore = score
	step.RiskFlags = scored.Flags

	return []model.PlanStep{step}, nil
}

func clampToRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Effector) Execute(ctx context.Context, ectx effector.Context, steps []model.PlanStep) ([]model.StepResult, error) {
	results := make([]model.StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.executeStep(ctx, ectx, step))
	}
	return results, nil
}

func (e *Effector) executeStep(ctx context.Context, ectx effector.Context, step model.PlanStep) model.StepResult {
	now := time.Now().UTC()

	var p params
	_ = json.Unmarshal(step.Inputs, &p)
	full := fullCommand(p)

	if ectx.SafeModeEnabled && !isBaselineCommand(p.Command) {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "blocked by safe mode", Timestamp: now}
	}
	if !matchesAllowlist(full, ectx.ShellAllowlist) {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "command not in shell allowlist", Timestamp: now}
	}
	if !cwdAllowed(p.Cwd, ectx.AllowedRoots) {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "cwd outside allowed roots", Timestamp: now}
	}

	result, err := e.Runner.Run(ctx, executil.Command{
		Name:           p.Command,
		Args:           p.Args,
		Dir:            p.Cwd,
		Timeout:        commandTimeout,
		MaxOutputBytes: executil.DefaultMaxOutputBytes,
	})
	if result == nil {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultFailed, Error: err.Error(), Timestamp: now}
	}

	stdout := truncate(string(result.Stdout), maxOutputChars)
	stderr := truncate(string(result.Stderr), maxOutputChars)

	if err != nil {
		return model.StepResult{
			StepID: step.StepID, Status: model.StepResultFailed,
			Error: err.Error(), Stdout: stdout, Stderr: stderr, Timestamp: now,
		}
	}

	return model.StepResult{
		StepID: step.StepID, Status: model.StepResultSuccess,
		Output: stdout, Stdout: stdout, Stderr: stderr, Timestamp: now,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
