package bus

import (
	"context"

	saltpetererrors "github.com/odpf/saltpeter/internal/errors"
)

// Salt documents the wire shape a real SaltStack-style remote-execution
// bus would need to satisfy this interface. Wiring it up to an actual
// salt-api endpoint is out of scope; every method returns
// ErrNotImplemented so a caller configuring it by mistake fails loudly
// rather than silently resolving zero targets.
type Salt struct {
	// Endpoint is the salt-api base URL this bus would talk to.
	Endpoint string
	// EAuth is the external auth backend name salt-api expects.
	EAuth string
}

func (s *Salt) ResolveTargets(ctx context.Context, expr, targetType string) ([]string, error) {
	return nil, saltpetererrors.ErrNotImplemented
}

func (s *Salt) SubmitAsync(ctx context.Context, req LaunchRequest) (JobRef, error) {
	return JobRef{}, saltpetererrors.ErrNotImplemented
}

func (s *Salt) PollOutcomes(ctx context.Context, ref JobRef) (<-chan TargetOutcome, error) {
	return nil, saltpetererrors.ErrNotImplemented
}

func (s *Salt) RunSync(ctx context.Context, req SyncRequest) (map[string]SyncResult, error) {
	return nil, saltpetererrors.ErrNotImplemented
}
