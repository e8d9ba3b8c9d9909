// Package fs implements the filesystem capability effector: read, write,
// delete, list, and move operations sandboxed to a set of allowed roots.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/bartekus/sentrygate/internal/apierr"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/risk"
)

// maxReadPreview is the number of bytes of file content surfaced in a read
// step's preview and in an execute StepResult's output.
const maxReadPreview = 1000

// Config is the AgentCapability.Config payload this effector recognizes.
// The filesystem effector has no per-agent tunables beyond the global
// allowed_roots setting, so this is presently empty but kept as a struct
// so a future per-agent override has somewhere to land.
type Config struct{}

type params struct {
	Path      string `json:"path"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	FileCount int    `json:"fileCount"`
}

// Effector implements effector.Effector for model.CapabilityFilesystem.
type Effector struct{}

// New returns a filesystem effector.
func New() *Effector { return &Effector{} }

func (e *Effector) Type() model.CapabilityType { return model.CapabilityFilesystem }

func (e *Effector) DefaultConfig() any { return Config{} }

func parseParams(input model.ActionInput) (params, error) {
	var p params
	if len(input.Params) > 0 {
		if err := json.Unmarshal(input.Params, &p); err != nil {
			return p, apierr.Wrap(apierr.Validation, "invalid filesystem params", err)
		}
	}
	return p, nil
}

func (e *Effector) ValidateRequest(ctx context.Context, ectx effector.Context, input model.ActionInput) error {
	p, err := parseParams(input)
	if err != nil {
		return err
	}

	switch input.Operation {
	case "read", "delete", "list":
		if p.Path == "" {
			return apierr.New(apierr.Validation, "path is required")
		}
	case "write":
		if p.Path == "" {
			return apierr.New(apierr.Validation, "path is required")
		}
	case "move":
		if p.From == "" || p.To == "" {
			return apierr.New(apierr.Validation, "from and to are required")
		}
	default:
		return apierr.Newf(apierr.Validation, "unknown filesystem operation %q", input.Operation)
	}
	return nil
}

// isPathAllowed reports whether p resolves (after symlink evaluation) under
// one of roots. Resolution follows symlinks so a sandboxed path cannot
// escape via a symlink pointing outside the allowed roots.
func isPathAllowed(p string, roots []string) bool {
	abs, err := resolveAbsolute(p)
	if err != nil {
		return false
	}
	for _, r := range roots {
		rootAbs, err := resolveAbsolute(r)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func resolveAbsolute(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	// The path (or an ancestor) may not exist yet, e.g. a write target that
	// hasn't been created. Resolve the symlinks of the deepest existing
	// ancestor and re-append the missing tail, so such a target is still
	// checked against where its parent directories really point.
	rest := ""
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func deniedStep(description string) model.PlanStep {
	return model.PlanStep{
		StepID:      uuid.NewString(),
		Type:        model.StepFSRead,
		Description: description,
		Inputs:      json.RawMessage("{}"),
		RiskFlags:   []string{risk.FlagPathDenied},
		RiskScore:   50,
	}
}

func stepTypeFor(op string) model.StepType {
	switch op {
	case "read":
		return model.StepFSRead
	case "write":
		return model.StepFSWrite
	case "delete":
		return model.StepFSDelete
	case "list":
		return model.StepFSList
	case "move":
		return model.StepFSMove
	default:
		return model.StepFSRead
	}
}

func (e *Effector) DryRun(ctx context.Context, ectx effector.Context, input model.ActionInput) ([]model.PlanStep, error) {
	p, err := parseParams(input)
	if err != nil {
		return nil, err
	}

	switch input.Operation {
	case "move":
		if !isPathAllowed(p.From, ectx.AllowedRoots) || !isPathAllowed(p.To, ectx.AllowedRoots) {
			return []model.PlanStep{deniedStep(fmt.Sprintf("move %s to %s", p.From, p.To))}, nil
		}
	default:
		if !isPathAllowed(p.Path, ectx.AllowedRoots) {
			return []model.PlanStep{deniedStep(fmt.Sprintf("%s %s", input.Operation, p.Path))}, nil
		}
	}

	inputsRaw, err := json.Marshal(p)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal step inputs", err)
	}

	step := model.PlanStep{
		StepID:      uuid.NewString(),
		Type:        stepTypeFor(input.Operation),
		Description: describeOperation(input.Operation, p),
		Inputs:      inputsRaw,
	}

	switch input.Operation {
	case "read":
		step.Preview = previewFile(p.Path)
	case "write":
		diff, err := buildDiff(p.Path, p.Content)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "build diff", err)
		}
		step.Diff = diff
	case "delete":
		if count := countFiles(p.Path); count > 0 {
			p.FileCount = count
			raw, _ := json.Marshal(p)
			step.Inputs = raw
		}
	}

	if isDestructiveOp(input.Operation) && ectx.SafeModeEnabled {
		step.RiskFlags = append(step.RiskFlags, risk.FlagBlockedBySafeMode)
	}

	scored := risk.ScoreStep(step)
	step.RiskScore = scored.Score
	step.RiskFlags = scored.Flags

	return []model.PlanStep{step}, nil
}

func isDestructiveOp(op string) bool {
	return op == "write" || op == "delete" || op == "move"
}

func describeOperation(op string, p params) string {
	switch op {
	case "move":
		return fmt.Sprintf("move %s to %s", p.From, p.To)
	default:
		return fmt.Sprintf("%s %s", op, p.Path)
	}
}

func previewFile(path string) string {
	abs, err := resolveAbsolute(path)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	return truncate(string(data), maxReadPreview)
}

func countFiles(path string) int {
	abs, err := resolveAbsolute(path)
	if err != nil {
		return 0
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return 0
	}
	count := 0
	_ = filepath.WalkDir(abs, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

func buildDiff(path, newContent string) (string, error) {
	abs, err := resolveAbsolute(path)
	if err != nil {
		return "", err
	}
	old := ""
	if data, err := os.ReadFile(abs); err == nil {
		old = string(data)
	}
	if old == newContent {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(newContent),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *Effector) Execute(ctx context.Context, ectx effector.Context, steps []model.PlanStep) ([]model.StepResult, error) {
	results := make([]model.StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.executeStep(ectx, step))
	}
	return results, nil
}

func (e *Effector) executeStep(ectx effector.Context, step model.PlanStep) model.StepResult {
	now := time.Now().UTC()

	if hasFlag(step.RiskFlags, "path_denied") {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "path not within allowed roots", Timestamp: now}
	}

	destructive := step.Type == model.StepFSWrite || step.Type == model.StepFSDelete || step.Type == model.StepFSMove
	if destructive && (ectx.SafeModeEnabled || hasFlag(step.RiskFlags, "blocked_by_safe_mode")) {
		return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "blocked by safe mode", Timestamp: now}
	}

	var p params
	_ = json.Unmarshal(step.Inputs, &p)

	paths := []string{p.Path}
	if step.Type == model.StepFSMove {
		paths = []string{p.From, p.To}
	}
	for _, path := range paths {
		if !isPathAllowed(path, ectx.AllowedRoots) {
			return model.StepResult{StepID: step.StepID, Status: model.StepResultBlocked, Error: "path not within allowed roots", Timestamp: now}
		}
	}

	switch step.Type {
	case model.StepFSRead:
		abs, err := resolveAbsolute(p.Path)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		return model.StepResult{StepID: step.StepID, Status: model.StepResultSuccess, Output: truncate(string(data), maxReadPreview), Timestamp: now}

	case model.StepFSWrite:
		abs, err := resolveAbsolute(p.Path)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return failedResult(step.StepID, err, now)
		}
		if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
			return failedResult(step.StepID, err, now)
		}
		return model.StepResult{StepID: step.StepID, Status: model.StepResultSuccess, Output: "wrote " + p.Path, Timestamp: now}

	case model.StepFSDelete:
		abs, err := resolveAbsolute(p.Path)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		if err := os.RemoveAll(abs); err != nil {
			return failedResult(step.StepID, err, now)
		}
		return model.StepResult{StepID: step.StepID, Status: model.StepResultSuccess, Output: "deleted " + p.Path, Timestamp: now}

	case model.StepFSList:
		abs, err := resolveAbsolute(p.Path)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		return model.StepResult{StepID: step.StepID, Status: model.StepResultSuccess, Output: strings.Join(names, "\n"), Timestamp: now}

	case model.StepFSMove:
		fromAbs, err := resolveAbsolute(p.From)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		toAbs, err := resolveAbsolute(p.To)
		if err != nil {
			return failedResult(step.StepID, err, now)
		}
		if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
			return failedResult(step.StepID, err, now)
		}
		if err := os.Rename(fromAbs, toAbs); err != nil {
			return failedResult(step.StepID, err, now)
		}
		return model.StepResult{StepID: step.StepID, Status: model.StepResultSuccess, Output: fmt.Sprintf("moved %s to %s", p.From, p.To), Timestamp: now}

	default:
		return model.StepResult{StepID: step.StepID, Status: model.StepResultFailed, Error: "unsupported step type", Timestamp: now}
	}
}

func failedResult(stepID string, err error, ts time.Time) model.StepResult {
	return model.StepResult{StepID: stepID, Status: model.StepResultFailed, Error: err.Error(), Timestamp: ts}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
