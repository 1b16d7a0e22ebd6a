package bus

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Local is an in-process stand-in for the remote-execution bus, used by
// tests and single-box deployments. It resolves targets against a static
// roster and launches the agent binary as a real local subprocess per
// target, so the end-to-end scenarios have something to actually run
// against without a real remote-exec backend.
type Local struct {
	mu      sync.Mutex
	Roster  []string
	AgentPath string
	rand    *rand.Rand

	refs map[string]*localJob
	next int
}

type localJob struct {
	req      LaunchRequest
	outcomes chan TargetOutcome
}

// NewLocal builds a Local bus over roster, launching agentPath for every
// confirmed target.
func NewLocal(roster []string, agentPath string) *Local {
	return &Local{
		Roster:    append([]string(nil), roster...),
		AgentPath: agentPath,
		rand:      rand.New(rand.NewSource(1)),
		refs:      make(map[string]*localJob),
	}
}

// ResolveTargets supports glob, pcre and list expressions against the
// static roster; the remaining target_type values (grain, pillar,
// nodegroup, range, compound, ipcidr) require a real bus to evaluate and
// are not meaningful against a fixed local roster.
func (l *Local) ResolveTargets(ctx context.Context, expr, targetType string) ([]string, error) {
	l.mu.Lock()
	roster := append([]string(nil), l.Roster...)
	l.mu.Unlock()

	var matched []string
	switch targetType {
	case "list":
		want := map[string]bool{}
		for _, m := range strings.Split(expr, ",") {
			want[strings.TrimSpace(m)] = true
		}
		for _, m := range roster {
			if want[m] {
				matched = append(matched, m)
			}
		}
	case "glob":
		for _, m := range roster {
			if ok, _ := filepath.Match(expr, m); ok {
				matched = append(matched, m)
			}
		}
	case "pcre":
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bus: invalid pcre target expression %q: %w", expr, err)
		}
		for _, m := range roster {
			if re.MatchString(m) {
				matched = append(matched, m)
			}
		}
	default:
		return nil, fmt.Errorf("bus: local fake cannot resolve target_type %q", targetType)
	}
	sort.Strings(matched)
	return matched, nil
}

// SubmitAsync launches the agent binary once per target in req.Targets,
// immediately returning a JobRef; PollOutcomes reports each launch's
// result as it becomes known.
func (l *Local) SubmitAsync(ctx context.Context, req LaunchRequest) (JobRef, error) {
	l.mu.Lock()
	l.next++
	ref := JobRef{ID: fmt.Sprintf("local-%d", l.next)}
	job := &localJob{req: req, outcomes: make(chan TargetOutcome, len(req.Targets))}
	l.refs[ref.ID] = job
	l.mu.Unlock()

	go l.launchAll(ctx, job)
	return ref, nil
}

func (l *Local) launchAll(ctx context.Context, job *localJob) {
	defer close(job.outcomes)
	for _, target := range job.req.Targets {
		job.outcomes <- l.launchOne(ctx, target, job.req)
	}
}

func (l *Local) launchOne(ctx context.Context, target string, req LaunchRequest) TargetOutcome {
	agentPath := l.AgentPath
	if _, err := exec.LookPath(agentPath); err != nil {
		if _, statErr := os.Stat(agentPath); statErr != nil {
			return TargetOutcome{Machine: target, RetCode: 127, Stderr: fmt.Sprintf("%s: No such file or directory", agentPath)}
		}
	}

	cmd := exec.Command(agentPath)
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "SP_MACHINE_ID="+target)

	if err := cmd.Start(); err != nil {
		if os.IsPermission(err) {
			return TargetOutcome{Machine: target, RetCode: 126, Stderr: err.Error()}
		}
		return TargetOutcome{Machine: target, RetCode: 255, Stderr: err.Error()}
	}

	go cmd.Wait() // detached agent; the bus does not wait on it
	return TargetOutcome{Machine: target, RetCode: 0}
}

// PollOutcomes returns the channel of outcomes created by SubmitAsync.
func (l *Local) PollOutcomes(ctx context.Context, ref JobRef) (<-chan TargetOutcome, error) {
	l.mu.Lock()
	job, ok := l.refs[ref.ID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bus: unknown job ref %q", ref.ID)
	}
	return job.outcomes, nil
}

// RunSync is the legacy use_agent=false path: run req.Command directly
// (no agent, no channel) and collect combined output/exit-code per
// target.
func (l *Local) RunSync(ctx context.Context, req SyncRequest) (map[string]SyncResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	results := make(map[string]SyncResult, len(req.Targets))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, target := range req.Targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
			cmd.Env = os.Environ()
			for k, v := range req.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
			out, err := cmd.CombinedOutput()
			retcode := 0
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					retcode = exitErr.ExitCode()
				} else {
					retcode = 255
				}
			}
			mu.Lock()
			results[target] = SyncResult{RetCode: retcode, Output: string(out)}
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results, nil
}

// SampleTargets uniformly samples n machines from targets without
// replacement, returning all of them if n <= 0 or n >= len(targets).
func SampleTargets(targets []string, n int, rng *rand.Rand) []string {
	if n <= 0 || n >= len(targets) {
		return targets
	}
	shuffled := append([]string(nil), targets...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
