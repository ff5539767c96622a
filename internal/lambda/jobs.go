package lambda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// JobHandler processes one decoded job. *pipeline.Worker satisfies it.
type JobHandler interface {
	Handle(ctx context.Context, job types.Job) error
}

// DecodeJob parses an SQS record body into a Job.
func DecodeJob(record events.SQSMessage) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		return types.Job{}, fmt.Errorf("%w: decoding job %s: %v", types.ErrInvalidInput, record.MessageId, err)
	}
	if job.JobID == "" {
		return types.Job{}, fmt.Errorf("%w: job %s has no id", types.ErrInvalidInput, record.MessageId)
	}
	return job, nil
}

// HandleJobBatch runs every record through h. Only transient failures are
// reported back for redelivery; undecodable records and permanent failures
// are acknowledged, since a retry would fail the same way.
func HandleJobBatch(ctx context.Context, h JobHandler, logger *slog.Logger, batch JobBatch) JobBatchResponse {
	if logger == nil {
		logger = slog.Default()
	}
	var resp JobBatchResponse
	for _, record := range batch.Records {
		job, err := DecodeJob(record)
		if err != nil {
			logger.Error("dropping malformed job", "messageId", record.MessageId, "error", err)
			continue
		}
		err = h.Handle(ctx, job)
		if err == nil {
			continue
		}
		if types.IsRetryable(err) || ctx.Err() != nil {
			logger.Warn("job will be redelivered", "messageId", record.MessageId, "jobId", job.JobID, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}
		logger.Error("job failed permanently", "messageId", record.MessageId, "jobId", job.JobID,
			"class", types.Classify(err), "error", err)
	}
	return resp
}
