// Package bus formalizes the remote-execution substrate the dispatcher
// depends on: resolving target expressions to machine lists, launching
// the agent asynchronously on each target, and (for legacy jobs) running
// a command synchronously across targets. The bus itself — how it
// authenticates to or reaches machines — is someone else's problem; this
// package only fixes the shape the dispatcher calls against.
package bus

import (
	"context"
	"time"
)

// LaunchRequest describes one asynchronous agent launch submitted to the
// bus: a command line plus the environment the bus should inject on each
// target before running it.
type LaunchRequest struct {
	Targets []string
	Command string
	Env     map[string]string
}

// JobRef is an opaque bus-assigned handle for an in-flight LaunchRequest,
// used to poll for its per-target outcomes.
type JobRef struct {
	ID string
}

// TargetOutcome is one target's Phase 1 result: the bus either confirms
// the agent started (RetCode == 0), reports it could not start
// (RetCode != 0, with Stderr describing why), or never answers and the
// dispatcher treats that target as unreachable (RetCode == 255 is used by
// callers for that case, not emitted here).
type TargetOutcome struct {
	Machine string
	RetCode int
	Stderr  string
}

// SyncRequest is the legacy use_agent=false path: run Command on Targets
// directly through the bus and wait for every result, bounded by Timeout.
type SyncRequest struct {
	Targets []string
	Command string
	Env     map[string]string
	Timeout time.Duration
}

// SyncResult is one target's outcome from a SyncRequest.
type SyncResult struct {
	RetCode int
	Output  string
}

// Bus is the dispatcher's entire view of the remote-execution substrate.
type Bus interface {
	// ResolveTargets expands a (targets, targetType) expression into the
	// concrete machine list it currently matches.
	ResolveTargets(ctx context.Context, expr, targetType string) ([]string, error)

	// SubmitAsync launches the agent described by req and returns
	// immediately with a reference to poll for outcomes.
	SubmitAsync(ctx context.Context, req LaunchRequest) (JobRef, error)

	// PollOutcomes returns a channel that receives one TargetOutcome per
	// target as the bus confirms or rejects the launch, and is closed once
	// every target in the originating LaunchRequest has reported or the
	// context is cancelled. There is no deadline implied by this call —
	// the bus may take arbitrarily long to answer for a given target.
	PollOutcomes(ctx context.Context, ref JobRef) (<-chan TargetOutcome, error)

	// RunSync executes req synchronously against every target and returns
	// once all targets have reported or req.Timeout elapses.
	RunSync(ctx context.Context, req SyncRequest) (map[string]SyncResult, error)
}
