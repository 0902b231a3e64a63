package sampling

import "context"

// Sampler queries the current GPU state of the local machine.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
	Close() error
	Name() string
}
