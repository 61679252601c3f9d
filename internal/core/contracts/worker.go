package contracts

import "context"

type AsyncWorker interface {
	// Run subscribes to the event bus and blocks until ctx is done.
	Run(ctx context.Context) error
}
