package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/common/models"
	rediscommon "github.com/SoftwareHeritage/swh-vault/common/redis"
)

// TaskRunner submits cooking jobs to the asynchronous execution substrate.
// Job execution itself is opaque to the vault: workers report back through
// the status stream, never through shared memory.
type TaskRunner interface {
	Submit(ctx context.Context, job *models.CookingJob) error
}

// SubmissionError signals that the task runner rejected a job or was
// unreachable. The dispatcher turns this into a failed bundle rather than
// leaving an orphaned row.
type SubmissionError struct {
	Job *models.CookingJob
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit cooking job %s for bundle %d: %v",
		e.Job.JobID, e.Job.BundleID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// RedisTaskRunner publishes cooking jobs to the Redis job stream consumed
// by the cooker workers
type RedisTaskRunner struct {
	redis *rediscommon.Client
}

// NewRedisTaskRunner creates a Redis-stream backed task runner
func NewRedisTaskRunner(redis *rediscommon.Client) *RedisTaskRunner {
	return &RedisTaskRunner{redis: redis}
}

// Submit publishes the job on the cooking job stream
func (r *RedisTaskRunner) Submit(ctx context.Context, job *models.CookingJob) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return &SubmissionError{Job: job, Err: err}
	}

	_, err = r.redis.AddToStream(ctx, models.CookingJobStream, map[string]interface{}{
		"job": string(jobJSON),
	})
	if err != nil {
		return &SubmissionError{Job: job, Err: err}
	}
	return nil
}
