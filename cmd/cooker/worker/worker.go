package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/archive"
	"github.com/SoftwareHeritage/swh-vault/cmd/cooker/cooker"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
	rediscommon "github.com/SoftwareHeritage/swh-vault/common/redis"
)

const (
	jobGroup  = "cookers"
	readCount = 1
	readBlock = 5 * time.Second

	// Progress reports are throttled to avoid flooding the status stream
	progressInterval = 2 * time.Second
)

// Worker consumes cooking jobs, runs the matching cooker against the
// archive and reports the outcome on the status stream
type Worker struct {
	redis    *rediscommon.Client
	ar       archive.Archive
	log      *logger.Logger
	consumer string
	done     chan struct{}
}

func New(redis *rediscommon.Client, ar archive.Archive, log *logger.Logger, consumerName string) *Worker {
	return &Worker{
		redis:    redis,
		ar:       ar,
		log:      log,
		consumer: consumerName,
		done:     make(chan struct{}),
	}
}

// Start creates the consumer group and begins processing jobs in a
// background goroutine until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	if err := w.redis.CreateStreamGroup(ctx, models.CookingJobStream, jobGroup); err != nil {
		return fmt.Errorf("failed to create job consumer group: %w", err)
	}

	go w.loop(ctx)
	w.log.Info("cooker worker started", "stream", models.CookingJobStream, "consumer", w.consumer)
	return nil
}

// Wait blocks until the job loop has exited
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("cooker worker stopping")
			return
		default:
		}

		streams, err := w.redis.ReadFromStreamGroup(ctx, jobGroup, w.consumer, models.CookingJobStream, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("job stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.handleMessage(ctx, msg.ID, msg.Values)
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, messageID string, values map[string]interface{}) {
	job, err := decodeJob(values)
	if err != nil {
		w.log.Error("discarding malformed cooking job", "message_id", messageID, "error", err)
		w.ack(ctx, messageID)
		return
	}

	w.log.Info("cooking job received",
		"job_id", job.JobID, "bundle_id", job.BundleID, "type", job.Type, "object_id", job.ObjectID)

	reporter := newReporter(w.redis, w.log, job)
	w.cook(ctx, job, reporter)
	w.ack(ctx, messageID)
}

// cook runs one job end to end; any error is reported as a cooking
// failure, never returned
func (w *Worker) cook(ctx context.Context, job *models.CookingJob, reporter *reporter) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("cooker panicked", "job_id", job.JobID, "panic", r)
			reporter.failure(ctx, fmt.Sprintf("internal error: %v", r))
		}
	}()

	reporter.progress(ctx, "Initializing.")

	objectID, err := models.ParseObjectID(job.ObjectID)
	if err != nil {
		reporter.failure(ctx, fmt.Sprintf("invalid object id %q", job.ObjectID))
		return
	}

	ck, err := cooker.New(job.Type, w.ar)
	if err != nil {
		reporter.failure(ctx, err.Error())
		return
	}

	if err := ck.CheckExists(ctx, objectID); err != nil {
		if errors.Is(err, archive.ErrObjectMissing) {
			reporter.failure(ctx, fmt.Sprintf("object %s not found in the archive", job.ObjectID))
		} else {
			reporter.failure(ctx, fmt.Sprintf("archive lookup failed: %v", err))
		}
		return
	}

	bundle, err := ck.Cook(ctx, objectID, reporter.throttledProgress(ctx))
	if err != nil {
		w.log.Error("cooking failed",
			"job_id", job.JobID, "bundle_id", job.BundleID, "type", job.Type, "error", err)
		reporter.failure(ctx, fmt.Sprintf("cooking failed: %v", err))
		return
	}

	w.log.Info("cooking succeeded",
		"job_id", job.JobID, "bundle_id", job.BundleID, "size", len(bundle))
	reporter.success(ctx, bundle)
}

func (w *Worker) ack(ctx context.Context, messageID string) {
	if err := w.redis.AckStreamMessage(ctx, models.CookingJobStream, jobGroup, messageID); err != nil {
		w.log.Error("failed to ack cooking job", "message_id", messageID, "error", err)
	}
}

func decodeJob(values map[string]interface{}) (*models.CookingJob, error) {
	raw, ok := values["job"].(string)
	if !ok {
		return nil, fmt.Errorf("missing job payload")
	}

	var job models.CookingJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode cooking job: %w", err)
	}
	return &job, nil
}

// reporter publishes status updates for one job
type reporter struct {
	redis *rediscommon.Client
	log   *logger.Logger
	job   *models.CookingJob

	lastProgress time.Time
}

func newReporter(redis *rediscommon.Client, log *logger.Logger, job *models.CookingJob) *reporter {
	return &reporter{redis: redis, log: log, job: job}
}

func (r *reporter) progress(ctx context.Context, msg string) {
	r.publish(ctx, &models.StatusUpdate{
		BundleID: r.job.BundleID,
		JobID:    r.job.JobID,
		Event:    models.EventProgress,
		Message:  msg,
	})
}

// throttledProgress adapts publish to the cooker progress callback,
// dropping reports that arrive faster than progressInterval
func (r *reporter) throttledProgress(ctx context.Context) cooker.ProgressFunc {
	return func(msg string) {
		if time.Since(r.lastProgress) < progressInterval {
			return
		}
		r.lastProgress = time.Now()
		r.progress(ctx, msg)
	}
}

func (r *reporter) success(ctx context.Context, bundle []byte) {
	r.publish(ctx, &models.StatusUpdate{
		BundleID: r.job.BundleID,
		JobID:    r.job.JobID,
		Event:    models.EventSuccess,
		Bundle:   bundle,
	})
}

func (r *reporter) failure(ctx context.Context, reason string) {
	r.publish(ctx, &models.StatusUpdate{
		BundleID: r.job.BundleID,
		JobID:    r.job.JobID,
		Event:    models.EventFailure,
		Message:  reason,
	})
}

func (r *reporter) publish(ctx context.Context, update *models.StatusUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		r.log.Error("failed to encode status update", "job_id", update.JobID, "error", err)
		return
	}

	if _, err := r.redis.AddToStream(ctx, models.CookingStatusStream, map[string]interface{}{
		"update": string(payload),
	}); err != nil {
		r.log.Error("failed to publish status update",
			"job_id", update.JobID, "event", update.Event, "error", err)
	}
}
