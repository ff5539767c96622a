package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// LambdaAPI is the subset of the Lambda client used by LambdaInvoker.
type LambdaAPI interface {
	Invoke(ctx context.Context, input *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker calls one Lambda function per engine operation, synchronously.
type LambdaInvoker struct {
	client    LambdaAPI
	functions map[string]string
}

// LambdaOption configures a LambdaInvoker.
type LambdaOption func(*lambdaOptions)

type lambdaOptions struct {
	client LambdaAPI
	region string
}

// WithLambdaClient sets a custom Lambda client (useful for testing).
func WithLambdaClient(c LambdaAPI) LambdaOption {
	return func(o *lambdaOptions) { o.client = c }
}

// WithLambdaRegion overrides the region from the default AWS config.
func WithLambdaRegion(region string) LambdaOption {
	return func(o *lambdaOptions) { o.region = region }
}

// NewLambdaInvoker creates an invoker. functions maps an operation name
// (OpIngest, OpAudit, OpRender) to a function name or ARN.
func NewLambdaInvoker(ctx context.Context, functions map[string]string, opts ...LambdaOption) (*LambdaInvoker, error) {
	if len(functions) == 0 {
		return nil, fmt.Errorf("engine: at least one function required")
	}
	var o lambdaOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if o.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(o.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		o.client = lambda.NewFromConfig(cfg)
	}
	fns := make(map[string]string, len(functions))
	for op, name := range functions {
		fns[op] = name
	}
	return &LambdaInvoker{client: o.client, functions: fns}, nil
}

// Invoke implements Invoker. Throttling and service faults are
// ErrEngineUnavailable; a function error is *Error.
func (l *LambdaInvoker) Invoke(ctx context.Context, op string, in, out any) error {
	name, ok := l.functions[op]
	if !ok {
		return fmt.Errorf("%w: no function configured for engine operation %q", types.ErrInvalidInput, op)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", op, err)
	}

	resp, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		if retryableLambdaError(err) {
			return fmt.Errorf("invoking %s: %v: %w", name, err, types.ErrEngineUnavailable)
		}
		return &Error{Op: op, Message: err.Error()}
	}
	if resp.FunctionError != nil {
		return &Error{Op: op, Message: fmt.Sprintf("%s: %s", aws.ToString(resp.FunctionError), string(resp.Payload))}
	}

	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}

func retryableLambdaError(err error) bool {
	var throttled *lambdatypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorFault() != smithy.FaultClient
	}
	// No API error means the request never reached the service.
	return true
}
