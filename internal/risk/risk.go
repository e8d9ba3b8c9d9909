// Package risk implements the deterministic risk scorer: a pure function
// from a PlanStep's type and inputs to a 0..100 score plus a set of
// machine-readable flags, and the plan-level aggregate over those scores.
package risk

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/bartekus/sentrygate/internal/model"
)

// Classification buckets a total risk score.
type Classification string

const (
	Low    Classification = "low"
	Medium Classification = "medium"
	High   Classification = "high"
)

// Thresholds: low < MediumMin <= medium < HighMin <= high.
const (
	MediumMin = 30
	HighMin   = 70
)

// Classify buckets a 0..100 score.
func Classify(score int) Classification {
	switch {
	case score >= HighMin:
		return High
	case score >= MediumMin:
		return Medium
	default:
		return Low
	}
}

var (
	secretFileSuffixes = []string{".env", ".key", ".pem", ".p12", ".sqlite", ".db", ".secret", ".credentials"}
	shellProfilePaths  = []string{"/.zshrc", "/.bashrc", "/.bash_profile", "/.profile", "/.ssh/config", "/.ssh/authorized_keys"}
	suspiciousTLDs     = []string{".ru", ".cn", ".top", ".xyz", ".tk", ".pw", ".cc"}

	ipLiteralRE  = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+`)
	curlPipeSHRE = regexp.MustCompile(`curl.*\|.*sh`)
	wgetPipeSHRE = regexp.MustCompile(`wget.*\|.*sh`)
	dotSegmentRE = regexp.MustCompile(`/\.[^/]`)
)

// Flag names, kept as constants so scoring rules and tests can't typo them.
const (
	FlagPotentialSecretFile  = "potential_secret_file"
	FlagShellProfileModified = "shell_profile_modification"
	FlagDotfileModification  = "dotfile_modification"
	FlagBulkDelete           = "bulk_delete"
	FlagSudo                 = "sudo"
	FlagRM                   = "rm"
	FlagRedirection          = "redirection"
	FlagPipe                 = "pipe"
	FlagCurlPipeSH           = "curl_pipe_sh"
	FlagChmodRisky           = "chmod_risky"
	FlagIPLiteral            = "ip_literal"
	FlagSuspiciousTLD        = "suspicious_tld"
	FlagPathDenied           = "path_denied"
	FlagBlockedBySafeMode    = "blocked_by_safe_mode"
	FlagCommandNotAllowed    = "command_not_allowed"
	FlagWouldBeBlocked       = "would_be_blocked"
)

// Result is the outcome of scoring one step.
type Result struct {
	Score int
	Flags []string
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// fsPathInputs covers read/write/list/delete inputs, all of which carry a path.
type fsPathInputs struct {
	Path      string `json:"path"`
	FileCount int    `json:"fileCount"`
}

type fsMoveInputs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type shellRunInputs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
}

type netAllowInputs struct {
	Domains []string `json:"domains"`
}

func decode[T any](raw json.RawMessage) T {
	var v T
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// ScoreStep computes the base + rule-additive score and flags for one step.
func ScoreStep(step model.PlanStep) Result {
	score := 0
	var flags []string

	switch step.Type {
	case model.StepFSList:
		score = 2

	case model.StepFSRead:
		score = 5
		in := decode[fsPathInputs](step.Inputs)
		if hasSecretSuffix(in.Path) {
			score += 40
			flags = append(flags, FlagPotentialSecretFile)
		}

	case model.StepFSMove:
		score = 25

	case model.StepFSWrite:
		score = 20
		in := decode[fsPathInputs](step.Inputs)
		if containsAny(in.Path, shellProfilePaths) {
			score += 60
			flags = append(flags, FlagShellProfileModified)
		}
		if dotSegmentRE.MatchString(in.Path) {
			score += 15
			flags = append(flags, FlagDotfileModification)
		}

	case model.StepFSDelete:
		score = 55
		in := decode[fsPathInputs](step.Inputs)
		if in.FileCount > 10 {
			score += 20
			flags = append(flags, FlagBulkDelete)
		}

	case model.StepShellRun:
		score = 35
		in := decode[shellRunInputs](step.Inputs)
		full := strings.ToLower(strings.TrimSpace(in.Command + " " + strings.Join(in.Args, " ")))
		if strings.Contains(full, "sudo") {
			score += 45
			flags = append(flags, FlagSudo)
		}
		if containsWord(full, "rm") {
			score += 30
			flags = append(flags, FlagRM)
		}
		if strings.Contains(full, ">") || strings.Contains(full, ">>") {
			score += 15
			flags = append(flags, FlagRedirection)
		}
		if strings.Contains(full, "|") {
			score += 15
			flags = append(flags, FlagPipe)
		}
		if curlPipeSHRE.MatchString(full) || wgetPipeSHRE.MatchString(full) {
			score += 50
			flags = append(flags, FlagCurlPipeSH)
		}
		if strings.Contains(full, "chmod 777") {
			score += 40
			flags = append(flags, FlagChmodRisky)
		}

	case model.StepNetAllow:
		score = 15
		in := decode[netAllowInputs](step.Inputs)
		for _, d := range in.Domains {
			if ipLiteralRE.MatchString(d) {
				score += 25
				flags = append(flags, FlagIPLiteral)
			}
			if endsWithAny(d, suspiciousTLDs) {
				score += 20
				flags = append(flags, FlagSuspiciousTLD)
			}
		}
	}

	flags = append(flags, step.RiskFlags...)
	return Result{Score: clamp(score), Flags: dedupPreserveOrder(flags)}
}

func hasSecretSuffix(path string) bool {
	lower := strings.ToLower(path)
	for _, suf := range secretFileSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func endsWithAny(s string, suffixes []string) bool {
	lower := strings.ToLower(s)
	for _, suf := range suffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

func containsWord(s, word string) bool {
	for _, tok := range strings.Fields(s) {
		if tok == word {
			return true
		}
	}
	return false
}

func dedupPreserveOrder(flags []string) []string {
	if len(flags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Summary is the plan-level risk aggregate.
type Summary struct {
	TotalRiskScore int      `json:"totalRiskScore"`
	High           int      `json:"high"`
	Medium         int      `json:"medium"`
	Low            int      `json:"low"`
	FlagsTop       []string `json:"flagsTop"`
}

// ScorePlan aggregates per-step scores into the plan's RiskSummary.
// Each PlanStep is expected to already carry its per-step Score/RiskFlags
// (set by the effector via ScoreStep during DryRun); ScorePlan trusts
// those values rather than recomputing them, so callers that mutate a
// step's score out of band will shift the aggregate accordingly.
func ScorePlan(steps []model.PlanStep) Summary {
	if len(steps) == 0 {
		return Summary{}
	}

	maxScore := 0
	sum := 0
	var anyBulkDeleteOrCurlPipe bool

	classCounts := map[Classification]int{}
	flagFirstSeen := map[string]int{}
	flagCount := map[string]int{}
	order := 0

	for _, s := range steps {
		if s.RiskScore > maxScore {
			maxScore = s.RiskScore
		}
		sum += s.RiskScore
		classCounts[Classify(s.RiskScore)]++

		for _, f := range s.RiskFlags {
			if f == FlagBulkDelete || f == FlagCurlPipeSH {
				anyBulkDeleteOrCurlPipe = true
			}
			if _, ok := flagFirstSeen[f]; !ok {
				flagFirstSeen[f] = order
				order++
			}
			flagCount[f]++
		}
	}

	avg := float64(sum) / float64(len(steps))
	total := int(math.Round(0.6*float64(maxScore) + 0.4*avg))
	if anyBulkDeleteOrCurlPipe {
		total += 10
	}
	total = clamp(total)

	type flagFreq struct {
		name      string
		count     int
		firstSeen int
	}
	freqs := make([]flagFreq, 0, len(flagCount))
	for name, count := range flagCount {
		freqs = append(freqs, flagFreq{name: name, count: count, firstSeen: flagFirstSeen[name]})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].count != freqs[j].count {
			return freqs[i].count > freqs[j].count
		}
		return freqs[i].firstSeen < freqs[j].firstSeen
	})

	top := make([]string, 0, 5)
	for i := 0; i < len(freqs) && i < 5; i++ {
		top = append(top, freqs[i].name)
	}

	return Summary{
		TotalRiskScore: total,
		High:           classCounts[High],
		Medium:         classCounts[Medium],
		Low:            classCounts[Low],
		FlagsTop:       top,
	}
}
