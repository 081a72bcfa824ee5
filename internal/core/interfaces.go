package core

import (
	"context"
	"time"

	"tollgate/internal/types"
)

// Authenticator resolves a bearer token to the calling Actor. Unknown or
// malformed tokens return an AppError with an auth_* code.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records request count and latency. route is the chi route
// pattern, not the raw path, so label cardinality stays bounded.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// HealthProbe checks one dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}
