// worker Lambda consumes pipeline jobs from the SQS step queues and routes
// each one to the pipeline worker. Transient failures are returned as batch
// item failures so SQS redelivers only those records.
package main

import (
	"context"
	"fmt"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/auditlane/internal/lambda"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(context.Background())
	})
	return deps, depsErr
}

func handleJobs(ctx context.Context, d *intlambda.Deps, batch intlambda.JobBatch) (intlambda.JobBatchResponse, error) {
	if d == nil || d.Worker == nil {
		return intlambda.JobBatchResponse{}, fmt.Errorf("worker not initialized")
	}
	return intlambda.HandleJobBatch(ctx, d.Worker, d.Logger, batch), nil
}

func main() {
	awslambda.Start(func(ctx context.Context, batch intlambda.JobBatch) (intlambda.JobBatchResponse, error) {
		d, err := getDeps()
		if err != nil {
			return intlambda.JobBatchResponse{}, fmt.Errorf("init: %w", err)
		}
		return handleJobs(ctx, d, batch)
	})
}
