// control Lambda accepts operator actions (request, cancel or retry an
// audit, request an export, replay findings, delete a project) and applies
// them through the service layer.
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

func main() {
	awslambda.Start(func(ctx context.Context, req intlambda.ControlRequest) (intlambda.ControlResponse, error) {
		d, err := getDeps()
		if err != nil {
			return intlambda.ControlResponse{}, fmt.Errorf("init: %w", err)
		}
		return intlambda.HandleControl(ctx, d, req)
	})
}
