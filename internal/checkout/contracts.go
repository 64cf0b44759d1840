package checkout

import (
	"context"

	"payflow/internal/simulate"
)

// ServiceContract define checkout initialization responsibility.
type ServiceContract interface {
	Received(ctx context.Context, req Request)
	Initialize(ctx context.Context, req Request, sim simulate.Config) (*Accepted, error)
}
